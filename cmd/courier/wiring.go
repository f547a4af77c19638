package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/store"
)

// openStore returns the configured key-value backend and its closer.
func openStore(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		return redis.NewStore(redisClient, redis.DefaultNamespace), func() {}, nil

	case config.BackendPostgres:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		applied, skipped, err := db.Migrate(ctx, database.Pool(), logger)
		if err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("database ready",
			zap.String("host", cfg.DBHost),
			zap.String("database", cfg.DBName),
			zap.Int("migrations_applied", applied),
			zap.Int("migrations_skipped", skipped),
		)
		return db.NewStore(database, logger), database.Close, nil

	default:
		logger.Warn("using in-memory store, state is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
}

func loadPolicy(cfg *config.Config) (*config.Policy, error) {
	if cfg.PolicyFile == "" {
		return &config.Policy{}, nil
	}
	p, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	return p, nil
}

// buildRouter registers one sender per channel. Providers that are not
// configured fall back to LogSender. Every sender is throttled and sits
// behind its own circuit breaker.
func buildRouter(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (*channel.Router, []*circuitbreaker.CircuitBreaker) {
	router := channel.NewRouter(logger)
	var breakers []*circuitbreaker.CircuitBreaker

	register := func(ch notification.Channel, s channel.Sender) {
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(string(ch)), logger,
			circuitbreaker.OnStateChange(func(name string, st circuitbreaker.State) {
				metrics.SetBreakerState(name, int(st))
			}),
		)
		s = channel.Throttle(s, cfg.ChannelRPS, cfg.ChannelBurst)
		router.Register(ch, circuitbreaker.NewProtectedSender(s, breaker, logger))
		breakers = append(breakers, breaker)
	}

	logSender := channel.NewLogSender(logger)

	if cfg.PushGatewayURL != "" {
		register(notification.ChannelTemplatePush, channel.NewPushSender(channel.PushConfig{
			URL:     cfg.PushGatewayURL,
			Timeout: cfg.PushTimeout,
		}, logger))
	} else {
		register(notification.ChannelTemplatePush, logSender)
	}

	snsClient, err := sns.NewClient(ctx, sns.Config{
		Region:   cfg.SNSRegion,
		Endpoint: cfg.AWSEndpoint,
		TopicARN: cfg.SNSTopicARN,
	})
	if err != nil {
		logger.Warn("SNS unavailable, SMS and subscribe push are logged only", zap.Error(err))
		register(notification.ChannelSMS, logSender)
		register(notification.ChannelSubscribePush, logSender)
	} else {
		register(notification.ChannelSMS, sns.NewSMSSender(snsClient, logger))
		if cfg.SNSTopicARN != "" {
			register(notification.ChannelSubscribePush, sns.NewTopicSender(snsClient, cfg.SNSTopicARN, logger))
		} else {
			register(notification.ChannelSubscribePush, logSender)
		}
	}

	if redisClient != nil {
		register(notification.ChannelInApp, redis.NewInbox(redisClient, redis.DefaultInboxConfig(), logger))
	} else {
		register(notification.ChannelInApp, logSender)
	}

	logger.Info("channels registered",
		zap.Bool("push_gateway", cfg.PushGatewayURL != ""),
		zap.Bool("sns", err == nil),
		zap.Bool("inbox", redisClient != nil),
	)
	return router, breakers
}
