// Package config loads runtime settings from API_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultDBMaxConns          = 10
	defaultDBMaxConnLifetime   = 30 * time.Minute
	defaultCacheTTL            = 5 * time.Minute
	defaultCacheCooldown       = 10 * time.Second
	defaultCacheKeyPrefix      = "tiendaflow:"
	defaultGatewayTimeout      = 10 * time.Second
	defaultReconcileWorkers    = 4
	defaultReconcilePoll       = time.Second
	defaultReconcileAttempts   = 8
	defaultReconcileTimeout    = 30 * time.Second
	defaultBackoffInitial      = time.Second
	defaultBackoffMax          = 5 * time.Minute
	defaultBackoffMultiplier   = 2.0
	defaultInboxDir            = "data/inbox"
	defaultSignatureTolerance  = 5 * time.Minute
	defaultWebhookPerSecond    = 20.0
	defaultWebhookBurst        = 60
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultIdempotencyColl     = "idempotency_keys"
	defaultFirebaseRoleClaim   = "role"
	defaultSecretsFallbackFile = ".secrets.local"
)

// Accepted values for enumerated settings.
const (
	CacheBackendRedis  = "redis"
	CacheBackendBadger = "badger"
	CacheBackendMemory = "memory"
	CacheBackendNone   = "none"

	GatewayMercadoPago = "mercadopago"
	GatewayStripe      = "stripe"

	BackwardPolicyAllow    = "allow"
	BackwardPolicySuppress = "suppress"

	EventSinkNone   = "none"
	EventSinkPubSub = "pubsub"
	EventSinkKafka  = "kafka"

	IdempotencyMemory    = "memory"
	IdempotencyFirestore = "firestore"
	IdempotencyRedis     = "redis"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Cache       CacheConfig
	Gateway     GatewayConfig
	Reconcile   ReconcileConfig
	Events      EventsConfig
	Firebase    FirebaseConfig
	Idempotency IdempotencyConfig
	RateLimits  RateLimitConfig
	Secrets     SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	AutoMigrate     bool
}

// CacheConfig selects the cache store and its TTLs.
type CacheConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BadgerDir     string
	KeyPrefix     string
	OrderTTL      time.Duration
	ErrorCooldown time.Duration
}

// GatewayConfig configures payment gateways and checkout redirects.
type GatewayConfig struct {
	Default         string
	Timeout         time.Duration
	MercadoPago     MercadoPagoConfig
	Stripe          StripeConfig
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	NotificationURL string
}

type MercadoPagoConfig struct {
	AccessToken string
	BaseURL     string
}

type StripeConfig struct {
	APIKey        string
	AccountID     string
	WebhookSecret string
}

// ReconcileConfig tunes the webhook inbox and reconciliation workers.
type ReconcileConfig struct {
	Workers            int
	PollInterval       time.Duration
	MaxAttempts        int
	HandlerTimeout     time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	BackoffMultiplier  float64
	BackwardPolicy     string
	InboxDir           string
	WebhookSecret      string
	SignatureTolerance time.Duration
}

// EventsConfig selects where order events are published.
type EventsConfig struct {
	Sink            string
	PubSubProjectID string
	PubSubTopic     string
	KafkaBrokers    string
	KafkaTopic      string
}

// FirebaseConfig stores Firebase project settings used for admin authentication.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	RoleClaim       string
}

// Enabled reports whether admin authentication can be configured.
func (c FirebaseConfig) Enabled() bool {
	return strings.TrimSpace(c.ProjectID) != ""
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend             string
	Header              string
	TTL                 time.Duration
	CleanupInterval     time.Duration
	CleanupBatchSize    int
	FirestoreProjectID  string
	FirestoreCollection string
}

// RateLimitConfig controls webhook throttling per remote address.
type RateLimitConfig struct {
	WebhookPerSecond float64
	WebhookBurst     int
}

// SecretsConfig configures Secret Manager lookups for secret:// values.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// SecretResolver resolves references to external secrets.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func defaultOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// WithEnvFile overrides the .env file path. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that win over the OS environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks config fields (e.g. "Gateway.MercadoPago.AccessToken") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit map) so callers can
// build the secret fetcher before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultOptions(opts)
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnv))
	for key, value := range dotEnv {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the configuration from defaults, .env, the environment and the secret resolver.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions(opts)
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	env := envLookup{explicit: options.envMap, system: options.useSystemEnv, dotEnv: dotEnv}

	cfg := Config{
		Server: ServerConfig{
			Port:            env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Database: DatabaseConfig{
			DSN:             env.str("API_DATABASE_DSN", ""),
			MaxConns:        env.integer("API_DATABASE_MAX_CONNS", defaultDBMaxConns),
			MinConns:        env.integer("API_DATABASE_MIN_CONNS", 0),
			MaxConnLifetime: env.duration("API_DATABASE_MAX_CONN_LIFETIME", defaultDBMaxConnLifetime),
			AutoMigrate:     env.boolean("API_DATABASE_AUTO_MIGRATE", true),
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(env.str("API_CACHE_BACKEND", CacheBackendMemory)),
			RedisAddr:     env.str("API_CACHE_REDIS_ADDR", ""),
			RedisPassword: env.str("API_CACHE_REDIS_PASSWORD", ""),
			RedisDB:       env.integer("API_CACHE_REDIS_DB", 0),
			BadgerDir:     env.str("API_CACHE_BADGER_DIR", ""),
			KeyPrefix:     env.str("API_CACHE_KEY_PREFIX", defaultCacheKeyPrefix),
			OrderTTL:      env.duration("API_CACHE_ORDER_TTL", defaultCacheTTL),
			ErrorCooldown: env.duration("API_CACHE_ERROR_COOLDOWN", defaultCacheCooldown),
		},
		Gateway: GatewayConfig{
			Default: strings.ToLower(env.str("API_GATEWAY_DEFAULT", GatewayMercadoPago)),
			Timeout: env.duration("API_GATEWAY_TIMEOUT", defaultGatewayTimeout),
			MercadoPago: MercadoPagoConfig{
				AccessToken: env.str("API_GATEWAY_MERCADOPAGO_ACCESS_TOKEN", ""),
				BaseURL:     env.str("API_GATEWAY_MERCADOPAGO_BASE_URL", ""),
			},
			Stripe: StripeConfig{
				APIKey:        env.str("API_GATEWAY_STRIPE_API_KEY", ""),
				AccountID:     env.str("API_GATEWAY_STRIPE_ACCOUNT_ID", ""),
				WebhookSecret: env.str("API_GATEWAY_STRIPE_WEBHOOK_SECRET", ""),
			},
			SuccessURL:      env.str("API_GATEWAY_SUCCESS_URL", ""),
			FailureURL:      env.str("API_GATEWAY_FAILURE_URL", ""),
			PendingURL:      env.str("API_GATEWAY_PENDING_URL", ""),
			NotificationURL: env.str("API_GATEWAY_NOTIFICATION_URL", ""),
		},
		Reconcile: ReconcileConfig{
			Workers:            env.integer("API_RECONCILE_WORKERS", defaultReconcileWorkers),
			PollInterval:       env.duration("API_RECONCILE_POLL_INTERVAL", defaultReconcilePoll),
			MaxAttempts:        env.integer("API_RECONCILE_MAX_ATTEMPTS", defaultReconcileAttempts),
			HandlerTimeout:     env.duration("API_RECONCILE_HANDLER_TIMEOUT", defaultReconcileTimeout),
			BackoffInitial:     env.duration("API_RECONCILE_BACKOFF_INITIAL", defaultBackoffInitial),
			BackoffMax:         env.duration("API_RECONCILE_BACKOFF_MAX", defaultBackoffMax),
			BackoffMultiplier:  env.float("API_RECONCILE_BACKOFF_MULTIPLIER", defaultBackoffMultiplier),
			BackwardPolicy:     strings.ToLower(env.str("API_RECONCILE_BACKWARD_POLICY", BackwardPolicyAllow)),
			InboxDir:           env.str("API_RECONCILE_INBOX_DIR", defaultInboxDir),
			WebhookSecret:      env.str("API_RECONCILE_WEBHOOK_SECRET", ""),
			SignatureTolerance: env.duration("API_RECONCILE_SIGNATURE_TOLERANCE", defaultSignatureTolerance),
		},
		Events: EventsConfig{
			Sink:            strings.ToLower(env.str("API_EVENTS_SINK", EventSinkNone)),
			PubSubProjectID: env.str("API_EVENTS_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:     env.str("API_EVENTS_PUBSUB_TOPIC", ""),
			KafkaBrokers:    env.str("API_EVENTS_KAFKA_BROKERS", ""),
			KafkaTopic:      env.str("API_EVENTS_KAFKA_TOPIC", ""),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			RoleClaim:       env.str("API_FIREBASE_ROLE_CLAIM", defaultFirebaseRoleClaim),
		},
		Idempotency: IdempotencyConfig{
			Backend:             strings.ToLower(env.str("API_IDEMPOTENCY_BACKEND", IdempotencyMemory)),
			Header:              env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:                 env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:     env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize:    env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
			FirestoreProjectID:  env.str("API_IDEMPOTENCY_FIRESTORE_PROJECT_ID", ""),
			FirestoreCollection: env.str("API_IDEMPOTENCY_FIRESTORE_COLLECTION", defaultIdempotencyColl),
		},
		RateLimits: RateLimitConfig{
			WebhookPerSecond: env.float("API_RATELIMIT_WEBHOOK_PER_SEC", defaultWebhookPerSecond),
			WebhookBurst:     env.integer("API_RATELIMIT_WEBHOOK_BURST", defaultWebhookBurst),
		},
		Secrets: SecretsConfig{
			ProjectID:    env.str("API_SECRETS_PROJECT_ID", ""),
			FallbackFile: env.str("API_SECRETS_FALLBACK_FILE", defaultSecretsFallbackFile),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project.
	if cfg.Idempotency.FirestoreProjectID == "" {
		cfg.Idempotency.FirestoreProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.PubSubProjectID == "" {
		cfg.Events.PubSubProjectID = cfg.Firebase.ProjectID
	}

	resolver := options.secret
	if resolver == nil {
		resolver = SecretResolverFunc(func(context.Context, string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.DSN", &cfg.Database.DSN},
		{"Cache.RedisPassword", &cfg.Cache.RedisPassword},
		{"Gateway.MercadoPago.AccessToken", &cfg.Gateway.MercadoPago.AccessToken},
		{"Gateway.Stripe.APIKey", &cfg.Gateway.Stripe.APIKey},
		{"Gateway.Stripe.WebhookSecret", &cfg.Gateway.Stripe.WebhookSecret},
		{"Reconcile.WebhookSecret", &cfg.Reconcile.WebhookSecret},
	}
	resolved := make(map[string]string, len(secretFields))
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, resolver)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return strings.TrimSpace(secret), nil
}

func validate(cfg Config) error {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Server.ShutdownTimeout > 0, "Server.ShutdownTimeout")
	check(cfg.Database.DSN != "", "Database.DSN")
	check(cfg.Database.MaxConns > 0 && cfg.Database.MinConns >= 0 && cfg.Database.MinConns <= cfg.Database.MaxConns, "Database.MaxConns")

	switch cfg.Cache.Backend {
	case CacheBackendRedis:
		check(cfg.Cache.RedisAddr != "", "Cache.RedisAddr")
	case CacheBackendBadger, CacheBackendMemory, CacheBackendNone:
	default:
		invalid = append(invalid, "Cache.Backend")
	}
	check(cfg.Cache.OrderTTL > 0, "Cache.OrderTTL")

	switch cfg.Gateway.Default {
	case GatewayMercadoPago:
		check(cfg.Gateway.MercadoPago.AccessToken != "", "Gateway.MercadoPago.AccessToken")
	case GatewayStripe:
		check(cfg.Gateway.Stripe.APIKey != "", "Gateway.Stripe.APIKey")
	default:
		invalid = append(invalid, "Gateway.Default")
	}
	check(cfg.Gateway.Timeout > 0, "Gateway.Timeout")

	check(cfg.Reconcile.Workers > 0, "Reconcile.Workers")
	check(cfg.Reconcile.MaxAttempts > 0, "Reconcile.MaxAttempts")
	check(cfg.Reconcile.PollInterval > 0, "Reconcile.PollInterval")
	check(cfg.Reconcile.BackoffInitial > 0 && cfg.Reconcile.BackoffMax >= cfg.Reconcile.BackoffInitial, "Reconcile.BackoffMax")
	check(cfg.Reconcile.BackoffMultiplier >= 1, "Reconcile.BackoffMultiplier")
	check(cfg.Reconcile.BackwardPolicy == BackwardPolicyAllow || cfg.Reconcile.BackwardPolicy == BackwardPolicySuppress, "Reconcile.BackwardPolicy")

	switch cfg.Events.Sink {
	case EventSinkNone:
	case EventSinkPubSub:
		check(cfg.Events.PubSubProjectID != "", "Events.PubSubProjectID")
		check(cfg.Events.PubSubTopic != "", "Events.PubSubTopic")
	case EventSinkKafka:
		check(cfg.Events.KafkaBrokers != "", "Events.KafkaBrokers")
		check(cfg.Events.KafkaTopic != "", "Events.KafkaTopic")
	default:
		invalid = append(invalid, "Events.Sink")
	}

	switch cfg.Idempotency.Backend {
	case IdempotencyMemory:
	case IdempotencyFirestore:
		check(cfg.Idempotency.FirestoreProjectID != "", "Idempotency.FirestoreProjectID")
	case IdempotencyRedis:
		check(cfg.Cache.RedisAddr != "", "Cache.RedisAddr")
	default:
		invalid = append(invalid, "Idempotency.Backend")
	}
	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")

	check(cfg.RateLimits.WebhookPerSecond > 0, "RateLimits.WebhookPerSecond")
	check(cfg.RateLimits.WebhookBurst > 0, "RateLimits.WebhookBurst")

	if len(invalid) > 0 {
		return &ValidationError{fields: dedupe(invalid)}
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

// String renders the config for startup logs with secrets masked.
func (c Config) String() string {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "***"
	}
	return fmt.Sprintf("port=%s cache=%s gateway=%s events=%s idempotency=%s workers=%d backward_policy=%s db=%s mp_token=%s stripe_key=%s",
		c.Server.Port, c.Cache.Backend, c.Gateway.Default, c.Events.Sink, c.Idempotency.Backend,
		c.Reconcile.Workers, c.Reconcile.BackwardPolicy,
		mask(c.Database.DSN), mask(c.Gateway.MercadoPago.AccessToken), mask(c.Gateway.Stripe.APIKey))
}
