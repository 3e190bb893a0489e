package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_DATABASE_DSN":                    "postgres://localhost:5432/tienda",
		"API_GATEWAY_MERCADOPAGO_ACCESS_TOKEN": "TEST-token",
	}
}

func load(t *testing.T, env map[string]string, opts ...Option) (Config, error) {
	t.Helper()
	opts = append([]Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}, opts...)
	return Load(context.Background(), opts...)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := load(t, baseEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != defaultShutdownTimeout {
		t.Errorf("unexpected shutdown timeout %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Cache.Backend != CacheBackendMemory {
		t.Errorf("expected memory cache by default, got %s", cfg.Cache.Backend)
	}
	if cfg.Gateway.Default != GatewayMercadoPago {
		t.Errorf("expected mercadopago gateway, got %s", cfg.Gateway.Default)
	}
	if cfg.Reconcile.BackwardPolicy != BackwardPolicyAllow {
		t.Errorf("expected allow policy, got %s", cfg.Reconcile.BackwardPolicy)
	}
	if cfg.Reconcile.Workers != defaultReconcileWorkers || cfg.Reconcile.MaxAttempts != defaultReconcileAttempts {
		t.Errorf("unexpected reconcile defaults %+v", cfg.Reconcile)
	}
	if cfg.Reconcile.BackoffMultiplier != 2 {
		t.Errorf("unexpected backoff multiplier %v", cfg.Reconcile.BackoffMultiplier)
	}
	if cfg.Events.Sink != EventSinkNone {
		t.Errorf("expected no event sink, got %s", cfg.Events.Sink)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader || cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("unexpected idempotency defaults %+v", cfg.Idempotency)
	}
	if cfg.Firebase.Enabled() {
		t.Errorf("expected firebase disabled without project")
	}
	if cfg.RateLimits.WebhookBurst != defaultWebhookBurst {
		t.Errorf("unexpected webhook burst %d", cfg.RateLimits.WebhookBurst)
	}
	if !cfg.Database.AutoMigrate {
		t.Errorf("expected auto migrate on by default")
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                   "9090",
		"API_SERVER_IDLE_TIMEOUT":           "2m",
		"API_DATABASE_DSN":                  "secret://db-dsn",
		"API_DATABASE_MAX_CONNS":            "25",
		"API_CACHE_BACKEND":                 "REDIS",
		"API_CACHE_REDIS_ADDR":              "localhost:6379",
		"API_CACHE_REDIS_PASSWORD":          "sm://redis-password",
		"API_GATEWAY_DEFAULT":               "stripe",
		"API_GATEWAY_STRIPE_API_KEY":        "secret://stripe-key?version=3",
		"API_GATEWAY_STRIPE_WEBHOOK_SECRET": "secret://stripe-whsec",
		"API_RECONCILE_WORKERS":             "8",
		"API_RECONCILE_BACKWARD_POLICY":     "allow",
		"API_RECONCILE_BACKOFF_MULTIPLIER":  "1.5",
		"API_RECONCILE_WEBHOOK_SECRET":      "secret://webhook-secret",
		"API_EVENTS_SINK":                   "kafka",
		"API_EVENTS_KAFKA_BROKERS":          "k1:9092,k2:9092",
		"API_EVENTS_KAFKA_TOPIC":            "orders",
		"API_FIREBASE_PROJECT_ID":           "tienda-prod",
		"API_IDEMPOTENCY_BACKEND":           "firestore",
		"API_IDEMPOTENCY_TTL":               "48h",
		"API_RATELIMIT_WEBHOOK_PER_SEC":     "5.5",
	}
	secrets := map[string]string{
		"secret://db-dsn":               "postgres://prod/tienda",
		"secret://redis-password":       "redis-pass",
		"secret://stripe-key?version=3": "sk_live_123",
		"secret://webhook-secret":       " whsec ",
		"secret://stripe-whsec":         "whsec_stripe",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := load(t, env, WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Database.DSN != "postgres://prod/tienda" || cfg.Database.MaxConns != 25 {
		t.Errorf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Cache.Backend != CacheBackendRedis || cfg.Cache.RedisPassword != "redis-pass" {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Gateway.Stripe.APIKey != "sk_live_123" {
		t.Errorf("expected resolved stripe key, got %s", cfg.Gateway.Stripe.APIKey)
	}
	if cfg.Gateway.Stripe.WebhookSecret != "whsec_stripe" {
		t.Errorf("expected resolved stripe webhook secret, got %q", cfg.Gateway.Stripe.WebhookSecret)
	}
	if cfg.Reconcile.Workers != 8 || cfg.Reconcile.BackwardPolicy != BackwardPolicyAllow || cfg.Reconcile.BackoffMultiplier != 1.5 {
		t.Errorf("unexpected reconcile config %+v", cfg.Reconcile)
	}
	if cfg.Reconcile.WebhookSecret != "whsec" {
		t.Errorf("expected trimmed webhook secret, got %q", cfg.Reconcile.WebhookSecret)
	}
	if cfg.Events.KafkaBrokers != "k1:9092,k2:9092" {
		t.Errorf("unexpected kafka brokers %s", cfg.Events.KafkaBrokers)
	}
	if cfg.Idempotency.FirestoreProjectID != "tienda-prod" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Idempotency.FirestoreProjectID)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
	if cfg.RateLimits.WebhookPerSecond != 5.5 {
		t.Errorf("unexpected webhook rate %v", cfg.RateLimits.WebhookPerSecond)
	}
	if !cfg.Firebase.Enabled() {
		t.Errorf("expected firebase enabled")
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "export API_SERVER_PORT=7070\nAPI_DATABASE_DSN='postgres://dot/tienda'\nAPI_GATEWAY_MERCADOPAGO_ACCESS_TOKEN=dot-token\nAPI_RECONCILE_WORKERS=2\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}
	t.Setenv("API_RECONCILE_WORKERS", "3")
	t.Setenv("API_SERVER_PORT", "6060")

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithEnvMap(map[string]string{"API_SERVER_PORT": "5050"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "5050" {
		t.Errorf("expected explicit map to win, got %s", cfg.Server.Port)
	}
	if cfg.Reconcile.Workers != 3 {
		t.Errorf("expected OS env to beat dotenv, got %d", cfg.Reconcile.Workers)
	}
	if cfg.Database.DSN != "postgres://dot/tienda" {
		t.Errorf("expected dotenv dsn with quotes stripped, got %s", cfg.Database.DSN)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{"missing dsn", map[string]string{"API_GATEWAY_MERCADOPAGO_ACCESS_TOKEN": "x"}, "Database.DSN"},
		{"missing gateway token", map[string]string{"API_DATABASE_DSN": "postgres://x"}, "Gateway.MercadoPago.AccessToken"},
		{"unknown backward policy", withEnv(baseEnv(), "API_RECONCILE_BACKWARD_POLICY", "ignore"), "Reconcile.BackwardPolicy"},
		{"unknown cache backend", withEnv(baseEnv(), "API_CACHE_BACKEND", "memcached"), "Cache.Backend"},
		{"redis without addr", withEnv(baseEnv(), "API_CACHE_BACKEND", "redis"), "Cache.RedisAddr"},
		{"pubsub without topic", withEnv(baseEnv(), "API_EVENTS_SINK", "pubsub"), "Events.PubSubTopic"},
		{"zero workers", withEnv(baseEnv(), "API_RECONCILE_WORKERS", "0"), "Reconcile.Workers"},
		{"firestore idempotency without project", withEnv(baseEnv(), "API_IDEMPOTENCY_BACKEND", "firestore"), "Idempotency.FirestoreProjectID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(t, tc.env)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			found := false
			for _, field := range validation.Fields() {
				if field == tc.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s in %v", tc.field, validation.Fields())
			}
		})
	}
}

func withEnv(env map[string]string, key, value string) map[string]string {
	env[key] = value
	return env
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["API_GATEWAY_MERCADOPAGO_ACCESS_TOKEN"] = "sm://missing"

	_, err := load(t, env)
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("expected normalised ref, got %s", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected resolver-not-configured cause, got %v", err)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := load(t, baseEnv(), WithRequiredSecrets("Reconcile.WebhookSecret", "Reconcile.WebhookSecret"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "Reconcile.WebhookSecret" {
		t.Fatalf("unexpected missing secrets %v", names)
	}
	if got := missing.RedactedNames(); got[0] != redactSecretName("Reconcile.WebhookSecret") {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SECRETS_PROJECT_ID=dot-project\nAPI_SECRETS_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}
	t.Setenv("API_SECRETS_PROJECT_ID", "os-project")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{"API_FIREBASE_PROJECT_ID": "override"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if got := values["API_SECRETS_PROJECT_ID"]; got != "os-project" {
		t.Fatalf("expected OS env project, got %s", got)
	}
	if got := values["API_SECRETS_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override" {
		t.Fatalf("expected explicit value, got %s", got)
	}
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg, err := load(t, baseEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	out := cfg.String()
	for _, secret := range []string{"TEST-token", "postgres://localhost"} {
		if strings.Contains(out, secret) {
			t.Fatalf("expected %q to be masked in %s", secret, out)
		}
	}
}
