package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/googleapis/gax-go/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tiendaflow/api/internal/handlers"
	"github.com/tiendaflow/api/internal/payments"
	"github.com/tiendaflow/api/internal/platform/auth"
	"github.com/tiendaflow/api/internal/platform/cache"
	"github.com/tiendaflow/api/internal/platform/config"
	"github.com/tiendaflow/api/internal/platform/events"
	"github.com/tiendaflow/api/internal/platform/httpx"
	"github.com/tiendaflow/api/internal/platform/idempotency"
	"github.com/tiendaflow/api/internal/platform/inbox"
	"github.com/tiendaflow/api/internal/platform/metrics"
	"github.com/tiendaflow/api/internal/platform/observability"
	"github.com/tiendaflow/api/internal/repositories"
	"github.com/tiendaflow/api/internal/repositories/postgres"
	"github.com/tiendaflow/api/internal/services"
)

const (
	healthCheckTimeout = 2 * time.Second
	closeTimeout       = 5 * time.Second
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders    services.OrderService
	Payments  services.PaymentService
	Reconcile services.ReconciliationService
	Webhooks  services.WebhookService
	Audit     services.AuditLogService
	System    services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config   config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Registry
	Cache    *cache.Cache
	Inbox    *inbox.Processor
	Services Services

	handler          http.Handler
	idempotencyStore idempotency.Store

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	// closers run in reverse registration order
	closers   []namedCloser
	closeOnce sync.Once
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

// Option overrides a dependency the container would otherwise build from config.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	build      services.BuildInfo
	orders     repositories.OrderRepository
	auditLogs  repositories.AuditLogRepository
	unitOfWork repositories.UnitOfWork
	gateway    services.PaymentGateway
	inboxStore inbox.Store
	verifier   auth.TokenVerifier
	clock      func() time.Time
}

// WithLogger sets the base logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBuildInfo sets the version metadata reported by /readyz.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *options) { o.build = build }
}

// WithRepositories replaces the Postgres repositories. uow may be nil.
func WithRepositories(orders repositories.OrderRepository, auditLogs repositories.AuditLogRepository, uow repositories.UnitOfWork) Option {
	return func(o *options) {
		o.orders = orders
		o.auditLogs = auditLogs
		o.unitOfWork = uow
	}
}

// WithGateway replaces the payment gateway manager.
func WithGateway(gw services.PaymentGateway) Option {
	return func(o *options) { o.gateway = gw }
}

// WithInboxStore replaces the Pebble inbox.
func WithInboxStore(store inbox.Store) Option {
	return func(o *options) { o.inboxStore = store }
}

// WithTokenVerifier replaces the Firebase verifier and enables staff and admin routes.
func WithTokenVerifier(v auth.TokenVerifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithClock overrides time.Now for every service.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// NewContainer constructs the runtime dependencies. On error every resource opened so far is released.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.build.StartedAt.IsZero() {
		o.build.StartedAt = o.clock().UTC()
	}

	c := &Container{
		Config:  cfg,
		Logger:  o.logger,
		Metrics: metrics.NewRegistry(),
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			_ = c.Close(closeCtx)
		}
	}()

	var checks []repositories.DependencyCheck

	if o.orders == nil || o.auditLogs == nil {
		pool, err := c.openPostgres(ctx)
		if err != nil {
			return nil, err
		}
		o.orders = postgres.NewOrderRepository(pool)
		o.auditLogs = postgres.NewAuditLogRepository(pool)
		o.unitOfWork = postgres.NewUnitOfWork(pool)
		checks = append(checks, repositories.DependencyCheck{Name: "postgres", Check: pool.Ping})
	}

	store, err := c.openCacheStore()
	if err != nil {
		return nil, err
	}
	c.Cache = cache.New(store,
		cache.WithLogger(o.logger.Named("cache")),
		cache.WithRecorder(c.Metrics),
		cache.WithDefaultTTL(cfg.Cache.OrderTTL),
		cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
		cache.WithCooldown(cfg.Cache.ErrorCooldown),
	)
	c.addCloser("cache", func(context.Context) error { return c.Cache.Close() })
	if c.Cache.Enabled() {
		checks = append(checks, repositories.DependencyCheck{Name: "cache", Optional: true, Check: c.Cache.Ping})
	}

	gateway := o.gateway
	if gateway == nil {
		manager, err := c.buildGateways()
		if err != nil {
			return nil, err
		}
		gateway = manager
	}

	publisher, err := c.openEventSink(ctx)
	if err != nil {
		return nil, err
	}

	mapLogger := observability.MapLogger
	newID := func() string { return ulid.Make().String() }

	audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository:  o.auditLogs,
		Clock:       o.clock,
		IDGenerator: newID,
		Logger:      mapLogger(o.logger.Named("audit")),
	})
	if err != nil {
		return nil, fmt.Errorf("build audit log service: %w", err)
	}

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:      o.orders,
		Audit:       audit,
		UnitOfWork:  o.unitOfWork,
		Cache:       c.Cache,
		CacheTTL:    cfg.Cache.OrderTTL,
		Clock:       o.clock,
		IDGenerator: newID,
		Events:      publisher,
		Logger:      mapLogger(o.logger.Named("orders")),
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:  o.orders,
		Gateway: gateway,
		URLs: services.CheckoutURLs{
			Success:      cfg.Gateway.SuccessURL,
			Failure:      cfg.Gateway.FailureURL,
			Pending:      cfg.Gateway.PendingURL,
			Notification: cfg.Gateway.NotificationURL,
		},
		Logger: mapLogger(o.logger.Named("payments")),
	})
	if err != nil {
		return nil, fmt.Errorf("build payment service: %w", err)
	}

	policy, err := services.ParseBackwardPolicy(cfg.Reconcile.BackwardPolicy)
	if err != nil {
		return nil, err
	}
	reconcile, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:   o.orders,
		Gateway:  gateway,
		Audit:    audit,
		Cache:    c.Cache,
		Events:   publisher,
		Recorder: c.Metrics,
		Policy:   policy,
		Clock:    o.clock,
		Logger:   mapLogger(o.logger.Named("reconcile")),
	})
	if err != nil {
		return nil, fmt.Errorf("build reconciliation service: %w", err)
	}

	inboxStore := o.inboxStore
	if inboxStore == nil {
		pebbleStore, err := inbox.NewPebbleStore(cfg.Reconcile.InboxDir)
		if err != nil {
			return nil, fmt.Errorf("open webhook inbox: %w", err)
		}
		inboxStore = pebbleStore
	}
	c.addCloser("inbox store", func(context.Context) error { return inboxStore.Close() })
	checks = append(checks, repositories.DependencyCheck{
		Name: "inbox",
		Check: func(ctx context.Context) error {
			_, err := inboxStore.Count(ctx, inbox.StatePending)
			return err
		},
	})

	processor, err := inbox.NewProcessor(inbox.ProcessorDeps{
		Store:   inboxStore,
		Handler: reconcile.HandleMessage,
		Config: inbox.ProcessorConfig{
			Workers:        cfg.Reconcile.Workers,
			PollInterval:   cfg.Reconcile.PollInterval,
			MaxAttempts:    cfg.Reconcile.MaxAttempts,
			HandlerTimeout: cfg.Reconcile.HandlerTimeout,
			Backoff: gax.Backoff{
				Initial:    cfg.Reconcile.BackoffInitial,
				Max:        cfg.Reconcile.BackoffMax,
				Multiplier: cfg.Reconcile.BackoffMultiplier,
			},
		},
		Logger:   o.logger,
		Recorder: c.Metrics,
		Clock:    o.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("build inbox processor: %w", err)
	}
	c.Inbox = processor

	webhooks, err := services.NewWebhookService(services.WebhookServiceDeps{
		Queue:    processor,
		Recorder: c.Metrics,
		Logger:   mapLogger(o.logger.Named("webhooks")),
	})
	if err != nil {
		return nil, fmt.Errorf("build webhook service: %w", err)
	}

	healthRepo, err := repositories.NewDependencyHealthRepository(checks,
		repositories.WithDependencyTimeout(healthCheckTimeout),
		repositories.WithDependencyClock(o.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		DeadLetters:      func(ctx context.Context) (int, error) {
			return processor.Count(ctx, inbox.StateDead)
		},
		Clock: o.clock,
		Build: o.build,
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}

	c.Services = Services{
		Orders:    orders,
		Payments:  paymentSvc,
		Reconcile: reconcile,
		Webhooks:  webhooks,
		Audit:     audit,
		System:    system,
	}

	idemStore, err := c.openIdempotencyStore(ctx)
	if err != nil {
		return nil, err
	}
	c.idempotencyStore = idemStore

	authenticator, err := c.buildAuthenticator(ctx, o.verifier)
	if err != nil {
		return nil, err
	}

	c.handler = c.buildRouter(authenticator, o.clock)
	return c, nil
}

// Handler returns the HTTP router.
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Start launches the inbox workers and the idempotency sweeper.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Inbox.Start(ctx); err != nil {
		return err
	}
	interval := c.Config.Idempotency.CleanupInterval
	if interval <= 0 || c.idempotencyStore == nil {
		return nil
	}

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})
	go c.runIdempotencySweep(sweepCtx, interval)
	return nil
}

func (c *Container) runIdempotencySweep(ctx context.Context, interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := c.Logger.Named("idempotency")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := c.idempotencyStore.Sweep(runCtx, time.Now().UTC(), c.Config.Idempotency.CleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		}
	}
}

// Close stops the workers, then releases stores and clients. Call it after the HTTP server has drained.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	c.closeOnce.Do(func() {
		if c.sweepCancel != nil {
			c.sweepCancel()
			<-c.sweepDone
		}
		if c.Inbox != nil {
			if err := c.Inbox.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop inbox processor: %w", err))
			}
		}
		for i := len(c.closers) - 1; i >= 0; i-- {
			closer := c.closers[i]
			if err := closer.close(ctx); err != nil {
				c.Logger.Warn("close failed", zap.String("resource", closer.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("close %s: %w", closer.name, err))
			}
		}
	})
	return errors.Join(errs...)
}

func (c *Container) addCloser(name string, fn func(ctx context.Context) error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

func (c *Container) openPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	db := c.Config.Database
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             db.DSN,
		MaxConns:        int32(db.MaxConns),
		MinConns:        int32(db.MinConns),
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	c.addCloser("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	if db.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return pool, nil
}

func (c *Container) openCacheStore() (cache.Store, error) {
	cfg := c.Config.Cache
	switch cfg.Backend {
	case config.CacheBackendRedis:
		store, err := cache.NewRedisStore(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.CacheBackendBadger:
		store, err := cache.NewBadgerStore(cfg.BadgerDir)
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		return store, nil
	case config.CacheBackendMemory, "":
		return cache.NewMemoryStore(), nil
	case config.CacheBackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func (c *Container) buildGateways() (*payments.Manager, error) {
	cfg := c.Config.Gateway
	gatewayLogger := payments.GatewayLogger(observability.MapLogger(c.Logger.Named("gateway")))

	registered := make(map[string]payments.Gateway, 2)
	mp, err := payments.NewMercadoPagoGateway(payments.MercadoPagoConfig{
		AccessToken: cfg.MercadoPago.AccessToken,
		BaseURL:     cfg.MercadoPago.BaseURL,
		Timeout:     cfg.Timeout,
		Logger:      gatewayLogger,
	})
	if err != nil {
		return nil, err
	}
	registered[config.GatewayMercadoPago] = mp

	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		stripeGateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:    cfg.Stripe.APIKey,
			AccountID: cfg.Stripe.AccountID,
			Logger:    gatewayLogger,
		})
		if err != nil {
			return nil, err
		}
		registered[config.GatewayStripe] = stripeGateway
	}

	return payments.NewManager(registered,
		payments.WithDefaultGateway(cfg.Default),
		payments.WithCallTimeout(cfg.Timeout),
	)
}

func (c *Container) openEventSink(ctx context.Context) (services.OrderEventPublisher, error) {
	cfg := c.Config.Events
	switch cfg.Sink {
	case config.EventSinkPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
		if err != nil {
			return nil, fmt.Errorf("open pubsub client: %w", err)
		}
		c.addCloser("pubsub client", func(context.Context) error { return client.Close() })
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.PubSubTopic))
		if err != nil {
			return nil, err
		}
		c.addCloser("pubsub publisher", func(context.Context) error { return publisher.Close() })
		return publisher, nil
	case config.EventSinkKafka:
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		c.addCloser("kafka publisher", func(context.Context) error { return publisher.Close() })
		return publisher, nil
	case config.EventSinkNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown event sink %q", cfg.Sink)
	}
}

func (c *Container) openIdempotencyStore(ctx context.Context) (idempotency.Store, error) {
	cfg := c.Config.Idempotency
	switch cfg.Backend {
	case config.IdempotencyFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("open firestore client: %w", err)
		}
		c.addCloser("firestore", func(context.Context) error { return client.Close() })
		return idempotency.NewFirestoreStore(client, cfg.FirestoreCollection), nil
	case config.IdempotencyRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Config.Cache.RedisAddr,
			Password: c.Config.Cache.RedisPassword,
			DB:       c.Config.Cache.RedisDB,
		})
		c.addCloser("idempotency redis", func(context.Context) error { return client.Close() })
		return idempotency.NewRedisStore(client, c.Config.Cache.KeyPrefix+"idem:"), nil
	case config.IdempotencyMemory, "":
		return idempotency.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
	}
}

func (c *Container) buildAuthenticator(ctx context.Context, verifier auth.TokenVerifier) (*auth.Authenticator, error) {
	if verifier == nil {
		if !c.Config.Firebase.Enabled() {
			c.Logger.Warn("firebase not configured; staff routes reject every request and admin routes are disabled")
			return nil, nil
		}
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, c.Config.Firebase.ProjectID, c.Config.Firebase.CredentialsFile, 0)
		if err != nil {
			return nil, fmt.Errorf("build firebase verifier: %w", err)
		}
		verifier = firebaseVerifier
	}
	return auth.NewAuthenticator(verifier, auth.WithRoleClaim(c.Config.Firebase.RoleClaim)), nil
}

func (c *Container) buildRouter(authenticator *auth.Authenticator, clock func() time.Time) http.Handler {
	httpLogger := c.Logger.Named("http")

	idempotencyMiddleware := idempotency.Middleware(c.idempotencyStore,
		idempotency.WithHeader(c.Config.Idempotency.Header),
		idempotency.WithTTL(c.Config.Idempotency.TTL),
		idempotency.WithLogger(c.Logger.Named("idempotency")),
	)

	staff := authenticationNotConfigured
	if authenticator != nil {
		staff = authenticator.RequireRoles(auth.RoleStaff, auth.RoleAdmin)
	}

	orderHandlers := handlers.NewOrderHandlers(handlers.OrderHandlersDeps{
		Orders:      c.Services.Orders,
		Cache:       c.Cache,
		TTL:         c.Config.Cache.OrderTTL,
		Staff:       staff,
		Idempotency: idempotencyMiddleware,
	})
	paymentHandlers := handlers.NewPaymentHandlers(handlers.PaymentHandlersDeps{
		Payments:     c.Services.Payments,
		Webhooks:     c.Services.Webhooks,
		Signatures:   auth.NewWebhookSignatureVerifier(c.Config.Reconcile.WebhookSecret, c.Config.Reconcile.SignatureTolerance),
		StripeEvents: auth.NewStripeEventVerifier(c.Config.Gateway.Stripe.WebhookSecret, c.Config.Reconcile.SignatureTolerance),
		WebhookRate:  c.Config.RateLimits.WebhookPerSecond,
		WebhookBurst: c.Config.RateLimits.WebhookBurst,
		Idempotency:  idempotencyMiddleware,
		Clock:        clock,
	})

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.Tracing(c.Config.Firebase.ProjectID),
			observability.RequestLogger(httpLogger),
			observability.Recoverer(httpLogger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(c.Services.System)),
		handlers.WithMetricsHandler(c.Metrics.Handler()),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
	}
	if authenticator != nil {
		adminHandlers := handlers.NewAdminHandlers(c.Services.Webhooks, c.Services.Reconcile, c.Services.Audit)
		opts = append(opts,
			handlers.WithAdminRoutes(adminHandlers.Routes),
			handlers.WithAdminMiddlewares(authenticator.RequireRoles(auth.RoleAdmin)),
		)
	}
	return handlers.NewRouter(opts...)
}

func authenticationNotConfigured(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication is not configured", http.StatusUnauthorized))
	})
}
