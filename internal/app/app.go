package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/cart"
	"github.com/xenking/storefront/internal/domain/checkout"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/fulfillment"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/events"
	"github.com/xenking/storefront/internal/handler"
	"github.com/xenking/storefront/internal/provider/stripe"
	"github.com/xenking/storefront/internal/storage/postgres"
	"github.com/xenking/storefront/internal/storage/redis"
	"github.com/xenking/storefront/pkg/health"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.Register(health.Check{
		Name:    "postgres",
		Kind:    health.Readiness,
		Timeout: 5 * time.Second,
		Func:    health.Ping(pool),
	})
	healthSvc.Register(health.Check{
		Name: "goroutines",
		Kind: health.Liveness,
		Func: health.GoroutineCountCheck(10000),
	})
	healthSvc.Register(health.Check{
		Name: "gc_pause",
		Kind: health.Liveness,
		Func: health.GCMaxPauseCheck(time.Second),
	})

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	couponRepo := postgres.NewCouponRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)
	outbox := postgres.NewOutbox(pool)

	var (
		carts             cart.Repository = postgres.NewCartRepository(pool)
		invalidator       fulfillment.CartInvalidator
		negotiationLimits httpmiddleware.Limiter
	)
	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = client.Close() }()

		healthSvc.Register(health.Check{
			Name:    "redis",
			Kind:    health.Readiness,
			Timeout: 2 * time.Second,
			Func: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})

		cache := redis.NewCartCache(carts, client, cfg.Redis.TTL, lg.Named("cart_cache"))
		carts, invalidator = cache, cache
		negotiationLimits = redis.NewRateLimiter(client, "negotiations", cfg.RateLimit.Negotiations, cfg.RateLimit.Window)
		lg.Info("Redis enabled", zap.String("addr", cfg.Redis.Addr))
	} else {
		memory := httpmiddleware.NewMemoryLimiter(cfg.RateLimit.Negotiations, cfg.RateLimit.Window)
		go memory.Run(ctx)
		negotiationLimits = memory
	}

	// Payment provider.
	provider := stripe.New(stripe.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		SuccessURL:    cfg.Stripe.SuccessURL,
		CancelURL:     cfg.Stripe.CancelURL,
		Currency:      cfg.Currency,
	})
	var promoter coupon.Promoter
	if cfg.Stripe.SecretKey != "" {
		promoter = provider
	} else {
		lg.Warn("Stripe secret key is not set; coupons are not mirrored to the payment provider")
	}

	// Domain services.
	couponService := coupon.NewService(couponRepo, productRepo, promoter)
	cartService := cart.NewService(carts, productRepo, couponService)
	initiator := checkout.NewInitiator(cartService, productRepo, productRepo, couponService, provider, cfg.Currency)
	orderService := order.NewService(orderRepo)
	authenticator := auth.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper))

	pipeline, err := fulfillment.NewPipeline(provider, postgres.NewFulfillmentStore(pool), lg.Named("fulfillment"), fulfillment.Options{
		MaxAttempts:    cfg.Fulfillment.MaxAttempts,
		InitialBackoff: cfg.Fulfillment.InitialBackoff,
		Timeout:        cfg.Fulfillment.Timeout,
		Carts:          invalidator,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create fulfillment pipeline")
	}

	h := handler.New(handler.Config{
		Carts:              cartService,
		Coupons:            couponService,
		Checkout:           initiator,
		Orders:             orderService,
		Webhooks:           pipeline,
		Admins:             authenticator,
		NegotiationLimiter: negotiationLimits,
	})

	router := chi.NewRouter()
	router.Use(
		httpmiddleware.Instrument("storefront-api", m.MeterProvider(), m.TracerProvider()),
		httpmiddleware.LogRequests(),
	)
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Routes(router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.AllowOrigins,
				AllowHeaders:     []string{"Content-Type", handler.HeaderUserID, handler.HeaderAPIKey, httpmiddleware.HeaderRequestID},
				ExposeHeaders:    []string{httpmiddleware.HeaderRequestID, "Retry-After"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
		),
	}

	g, gCtx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 {
		writer := events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		relay := events.NewRelay(outbox, writer, lg.Named("relay"), cfg.Kafka.PollInterval, cfg.Kafka.BatchSize)
		g.Go(func() error {
			defer func() { _ = writer.Close() }()
			return relay.Run(gCtx)
		})
		lg.Info("Order event relay enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	healthSvc.Start(gCtx, 10*time.Second)
	healthSvc.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
