// Command subsyncd receives payment provider webhooks, keeps each user's
// subscription row in step with them and serves the subscription API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tickerpilot/subsync/internal/config"
	"github.com/tickerpilot/subsync/internal/replay"
	limithttp "github.com/tickerpilot/subsync/middleware/http"
	"github.com/tickerpilot/subsync/notify/rabbitmq"
	"github.com/tickerpilot/subsync/pkg/api"
	"github.com/tickerpilot/subsync/pkg/billing"
	billingprom "github.com/tickerpilot/subsync/pkg/billing/metrics/prometheus"
	"github.com/tickerpilot/subsync/pkg/billing/paddle"
	"github.com/tickerpilot/subsync/pkg/billing/stripe"
	"github.com/tickerpilot/subsync/pkg/subscription"
	sublogger "github.com/tickerpilot/subsync/pkg/subscription/logger/zerolog"
	subprom "github.com/tickerpilot/subsync/pkg/subscription/metrics/prometheus"
	"github.com/tickerpilot/subsync/storage/postgres"
	"github.com/tickerpilot/subsync/storage/redis"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "subsyncd").Logger()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}
	logger = logger.Level(cfg.Level())

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("subsyncd stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := sublogger.NewLogger(&logger)

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer store.Close()
	logger.Info().Msg("database connected")

	var packages subscription.PackageSource = store
	if cfg.RedisURL != "" {
		cache, err := newPackageCache(ctx, cfg, store)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable; reading packages from postgres")
		} else {
			defer cache.Close()
			packages = cache
			logger.Info().Msg("redis package cache connected")
		}
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.AMQPURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.AMQPURL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("rabbitmq producer unavailable; using fallback")
		} else {
			defer producer.Close()
			publisher = producer
			logger.Info().Msg("rabbitmq producer connected")
		}
	}
	notifier := &rabbitmq.Notifier{Publisher: publisher, Logger: logger, Timeout: 5 * time.Second}

	billingMetrics := billingprom.DefaultMetrics(cfg.MetricsNamespace)
	subscriptionMetrics := subprom.DefaultMetrics(cfg.MetricsNamespace)

	resolver, err := subscription.NewResolver(resolverConfig(cfg, packages, subscriptionMetrics, log))
	if err != nil {
		return err
	}

	lookups := map[string]subscription.CustomerLookup{}
	cancellers := map[string]subscription.Canceller{}
	if cfg.PaddleAPIKey != "" {
		client, err := paddle.NewClient(paddle.ClientConfig{
			APIKey:      cfg.PaddleAPIKey,
			Environment: paddle.Environment(cfg.PaddleEnvironment),
			Metrics:     billingMetrics,
		})
		if err != nil {
			return err
		}
		lookups[paddle.ProviderName] = client
		cancellers[paddle.ProviderName] = client
	}
	if cfg.StripeAPIKey != "" {
		client, err := stripe.NewClient(cfg.StripeAPIKey, billingMetrics)
		if err != nil {
			return err
		}
		lookups[stripe.ProviderName] = client
		cancellers[stripe.ProviderName] = client
	}

	reconciler, err := subscription.NewReconciler(subscription.ReconcilerConfig{
		Resolver:        resolver,
		CustomerLookups: lookups,
		Logger:          log,
		Metrics:         subscriptionMetrics,
	})
	if err != nil {
		return err
	}

	service, err := subscription.NewService(subscription.ServiceConfig{
		Storage:      store,
		Reconciler:   reconciler,
		Cancellers:   cancellers,
		OnTransition: notifier.OnTransition,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	dispatcher, err := billing.NewDispatcher(billing.DispatcherConfig{
		Storage:           store,
		OnTransition:      notifier.OnWebhookTransition,
		MaxReplayAttempts: cfg.ReplayMaxAttempts,
		Metrics:           billingMetrics,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if cfg.PaddleWebhookSecret != "" {
		provider, err := paddle.NewProvider(paddle.Config{
			Config: billing.Config{
				Dispatcher:    dispatcher,
				WebhookSecret: cfg.PaddleWebhookSecret,
				Metrics:       billingMetrics,
				Logger:        log,
			},
			Reconciler:           reconciler,
			Environment:          paddle.Environment(cfg.PaddleEnvironment),
			SignatureTolerance:   cfg.PaddleSignatureTolerance,
			AllowStaleSignatures: cfg.PaddleAllowStaleSignatures,
		})
		if err != nil {
			return err
		}
		router.Method(http.MethodPost, "/webhooks/paddle", provider.WebhookHandler())
	}
	if cfg.StripeWebhookSecret != "" {
		provider, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Dispatcher:    dispatcher,
				WebhookSecret: cfg.StripeWebhookSecret,
				Metrics:       billingMetrics,
				Logger:        log,
			},
			Reconciler: reconciler,
		})
		if err != nil {
			return err
		}
		router.Method(http.MethodPost, "/webhooks/stripe", provider.WebhookHandler())
	}

	handler, err := api.NewHandler(api.Config{
		Service:   service,
		GetUserID: api.FromHeader("X-User-ID"),
		Logger:    log,
	})
	if err != nil {
		return err
	}
	router.Route("/api/subscription", func(r chi.Router) {
		r.Get("/", handler.GetStatus)
		r.Get("/plans", handler.GetPlans)
		r.Post("/cancel", handler.Cancel)
	})
	// Lets the watchlist service ask whether one more item fits the package
	// before creating it.
	router.Route("/api/limits/{resource}", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				resource := subscription.Resource(chi.URLParam(r, "resource"))
				limithttp.Middleware(limithttp.Config{
					Checker:    service,
					GetUserID:  limithttp.FromHeader("X-User-ID"),
					Resource:   resource,
					GetCurrent: currentFromQuery,
				})(next).ServeHTTP(w, r)
			})
		})
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	scheduler, err := replay.NewScheduler(dispatcher, replay.Config{
		Schedule:  cfg.ReplaySchedule,
		BatchSize: cfg.ReplayBatchSize,
	}, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	logger.Info().Str("schedule", cfg.ReplaySchedule).Msg("replay scheduler started")

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		<-scheduler.Stop().Done()
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("replay run still in progress at shutdown")
	}
	return nil
}

func newPackageCache(ctx context.Context, cfg config.Config, source subscription.PackageSource) (*redis.PackageCache, error) {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	cacheConfig := redis.DefaultConfig()
	cacheConfig.PackageTTL = cfg.PackageCacheTTL
	return redis.New(client, source, cacheConfig)
}

func resolverConfig(cfg config.Config, packages subscription.PackageSource, metrics subscription.Metrics, log subscription.Logger) subscription.ResolverConfig {
	return subscription.ResolverConfig{
		Source:   packages,
		CacheTTL: cfg.PackageCacheTTL,
		Metrics:  metrics,
		Logger:   log,
	}
}

// currentFromQuery reads the caller's current count from ?current=.
func currentFromQuery(r *http.Request, _ string) (int, error) {
	var current int
	if _, err := fmt.Sscanf(r.URL.Query().Get("current"), "%d", &current); err != nil {
		return 0, fmt.Errorf("invalid current count: %w", err)
	}
	return current, nil
}
