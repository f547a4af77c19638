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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/gate"
	"github.com/lalithlochan/courier/internal/history"
	"github.com/lalithlochan/courier/internal/ingest"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/ratelimit"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting courier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store_backend", cfg.StoreBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis backs idempotency, the in-app inbox and the ingress limit. It is
	// optional unless it is also the store backend.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		if cfg.StoreBackend == config.BackendRedis {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Warn("redis unavailable, idempotency, inbox and ingress limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	kv, closeStore, err := openStore(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	renderer := notification.NewTextRenderer()
	if err := policy.RegisterTemplates(renderer); err != nil {
		return err
	}
	ttls, err := policy.TTLOverrides()
	if err != nil {
		return err
	}
	limits, err := policy.RateLimits()
	if err != nil {
		return err
	}
	quiet, err := policy.QuietHoursConfig(cfg.Location())
	if err != nil {
		return err
	}

	clk := clock.Real{}
	router, breakers := buildRouter(ctx, cfg, redisClient, logger)

	d := dispatch.New(dispatch.Config{
		TickInterval: cfg.DispatchTick,
		Backoff:      backoffFor(cfg),
	}, dispatch.Deps{
		Factory: notification.NewFactory(notification.FactoryConfig{
			TTLs:               ttls,
			DefaultMaxAttempts: cfg.DispatchMaxAttempts,
		}, clk, renderer, logger),
		Permissions: gate.NewPermissionGate(policy.Permissions()),
		Limiter:     ratelimit.New(kv, clk, limits, logger),
		QuietHours:  gate.NewQuietHoursGate(quiet, clk),
		Router:      router,
		Tracker:     history.NewTracker(kv, clk, logger),
		Store:       kv,
		Clock:       clk,
	}, logger)

	if err := d.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore dispatcher state: %w", err)
	}
	logger.Info("dispatcher state restored", zap.Int("queue_depth", d.QueueLen()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.Run(gctx)
		return nil
	})

	// Scheduled history cleanup
	if cfg.CleanupSchedule != "off" {
		c := cron.New(cron.WithLocation(cfg.Location()))
		opts := history.CleanupOptions{
			OlderThanDays: cfg.CleanupOlderThanDays,
			MaxCount:      cfg.CleanupMaxCount,
			KeepUnread:    true,
		}
		if _, err := c.AddFunc(cfg.CleanupSchedule, func() {
			res, err := d.Cleanup(gctx, opts)
			if err != nil {
				logger.Error("scheduled cleanup failed", zap.Error(err))
				return
			}
			logger.Info("scheduled cleanup finished", zap.Int("removed", res.Removed))
		}); err != nil {
			return fmt.Errorf("invalid cleanup schedule: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	handlerOpts := []api.Option{api.WithBreakers(breakers...)}

	var ingressLimiter api.IngressLimiter
	if redisClient != nil {
		idem := redis.NewIdempotencyService(redisClient, logger)
		handlerOpts = append(handlerOpts,
			api.WithIdempotency(idem),
			api.WithInbox(redis.NewInbox(redisClient, redis.DefaultInboxConfig(), logger)),
		)
		ingressLimiter = redis.NewWindowLimiter(redisClient, logger, redis.WindowConfig{
			Limit:  cfg.IngressLimit,
			Window: cfg.IngressWindow,
		})

		if cfg.IngestQueueURL != "" {
			sqsClient, err := sqs.NewClient(ctx, sqs.Config{
				Region:   cfg.SQSRegion,
				Endpoint: cfg.AWSEndpoint,
				QueueURL: cfg.IngestQueueURL,
			})
			if err != nil {
				logger.Warn("sqs unavailable, intent queue disabled", zap.Error(err))
			} else {
				handlerOpts = append(handlerOpts,
					api.WithPublisher(sqs.NewProducer(sqsClient, cfg.IngestQueueURL, logger)))

				consumer := sqs.NewConsumer(sqsClient, cfg.IngestQueueURL, sqs.DefaultConsumerConfig(), logger)
				ing := ingest.New(consumer, d, idem, ingest.DefaultConfig(), logger)
				g.Go(func() error {
					ing.Run(gctx)
					return nil
				})
				logger.Info("intent queue enabled", zap.String("queue_url", cfg.IngestQueueURL))
			}
		}
	} else if cfg.IngestQueueURL != "" {
		logger.Warn("intent queue requires redis for deduplication, disabled")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newRouter(logger, api.NewHandler(logger, d, handlerOpts...), ingressLimiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

func newRouter(logger *zap.Logger, h *api.Handler, limiter api.IngressLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		if limiter != nil {
			r.Use(api.IngressLimitMiddleware(limiter, logger, api.ClientKeyFunc))
		}
		h.Routes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

func backoffFor(cfg *config.Config) dispatch.Backoff {
	if cfg.RetryBase > 0 {
		return dispatch.Exponential{
			Base:       cfg.RetryBase,
			Multiplier: cfg.RetryMultiplier,
			Max:        cfg.RetryMax,
		}
	}
	return dispatch.Table(cfg.RetryDelays)
}
