package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/umemepay/prepaid-billing/internal/anomaly"
	"github.com/umemepay/prepaid-billing/internal/api"
	"github.com/umemepay/prepaid-billing/internal/billing"
	"github.com/umemepay/prepaid-billing/internal/config"
	"github.com/umemepay/prepaid-billing/internal/db"
	"github.com/umemepay/prepaid-billing/internal/gateway"
	"github.com/umemepay/prepaid-billing/internal/mq"
	"github.com/umemepay/prepaid-billing/internal/ratelimit"
	"github.com/umemepay/prepaid-billing/internal/repository"
	"github.com/umemepay/prepaid-billing/internal/simulator"
	"github.com/umemepay/prepaid-billing/internal/units"
)

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideConverter creates the amount-to-units converter
func ProvideConverter(cfg *config.Config) *units.Converter {
	return units.NewConverter(cfg.Billing.PricePerUnit)
}

// ProvideCalculator creates the balance calculator
func ProvideCalculator(repo *repository.Repository, logger *zap.Logger) *billing.Calculator {
	return billing.NewCalculator(repo, logger)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideEventPublisher creates the billing events publisher
func ProvideEventPublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	return mq.NewPublisher(mq.PublisherConfig{
		Connection:     conn,
		Exchange:       cfg.RabbitMQ.EventsExchange,
		SettlementKey:  cfg.RabbitMQ.SettlementKey,
		ConsumptionKey: cfg.RabbitMQ.ConsumptionKey,
		Logger:         logger,
	})
}

// ProvideReplayPublisher creates the callback replay publisher
func ProvideReplayPublisher(conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.ReplayPublisher, error) {
	return mq.NewReplayPublisher(conn, cfg.RabbitMQ.ReplayExchange, cfg.RabbitMQ.ReplayRoutingKey, logger)
}

// ProvideAnomalyDetector creates the payment anomaly detector
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Billing.SpikeThreshold, cfg.Billing.SpikeMinHistory)
}

// ProvideRecorder creates the transaction recorder
func ProvideRecorder(
	repo *repository.Repository,
	converter *units.Converter,
	calc *billing.Calculator,
	publisher *mq.Publisher,
	detector *anomaly.Detector,
	logger *zap.Logger,
) *billing.Recorder {
	return billing.NewRecorder(repo, converter, calc, publisher, detector, logger)
}

// ProvideGatewayClient creates the payment gateway client. A missing base URL
// disables payment initiation; settlement callbacks still work.
func ProvideGatewayClient(cfg *config.Config, logger *zap.Logger) *gateway.Client {
	if cfg.Gateway.BaseURL == "" {
		logger.Warn("GATEWAY_BASE_URL not set, payment initiation disabled")
		return nil
	}
	return gateway.NewClient(gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		ConsumerKey:    cfg.Gateway.ConsumerKey,
		ConsumerSecret: cfg.Gateway.ConsumerSecret,
		ShortCode:      cfg.Gateway.ShortCode,
		CallbackURL:    cfg.Gateway.CallbackURL,
		Timeout:        time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
	})
}

// ProvideRateLimiter creates the Redis-backed rate limiter. Without a Redis
// URL the limiter allows everything.
func ProvideRateLimiter(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*ratelimit.Limiter, error) {
	if cfg.Redis.URL == "" {
		logger.Info("REDIS_URL not set, rate limiting disabled")
		return ratelimit.NewLimiter(nil, cfg.Redis.RateLimitPrefix), nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				// Rate limiting is best effort; a dead Redis must not block boot.
				logger.Warn("redis ping failed, rate limiting degraded", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return ratelimit.NewLimiter(client, cfg.Redis.RateLimitPrefix), nil
}

// ProvideHandlers assembles the HTTP handler set
func ProvideHandlers(
	repo *repository.Repository,
	recorder *billing.Recorder,
	calc *billing.Calculator,
	gatewayClient *gateway.Client,
	replay *mq.ReplayPublisher,
	limiter *ratelimit.Limiter,
	cfg *config.Config,
	logger *zap.Logger,
) *api.Handlers {
	var initiator api.PaymentInitiator
	if gatewayClient != nil {
		initiator = gatewayClient
	}
	var replayQueue api.ReplayQueue
	if replay != nil {
		replayQueue = replay
	}
	limits := api.RateLimits{
		PaymentPerMinute: cfg.Redis.PaymentPerMinute,
		BalancePerMinute: cfg.Redis.BalancePerMinute,
	}
	return api.NewHandlers(repo, recorder, calc, initiator, replayQueue, limiter, limits, logger)
}

// ProvideRouter builds the HTTP routing tree
func ProvideRouter(h *api.Handlers, cfg *config.Config, logger *zap.Logger) http.Handler {
	return api.NewRouter(h, cfg.API.InternalAPIKey, logger)
}

func startHTTPServer(lc fx.Lifecycle, cfg *config.Config, handler http.Handler, logger *zap.Logger) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServicePort),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting http server", zap.Int("port", cfg.ServicePort))
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down http server")
			return server.Shutdown(ctx)
		},
	})
}

func startReplayConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	recorder *billing.Recorder,
	logger *zap.Logger,
) error {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.ReplayQueue,
		DLQQueue:         cfg.RabbitMQ.ReplayDLQQueue,
		Exchange:         cfg.RabbitMQ.ReplayExchange,
		RoutingKey:       cfg.RabbitMQ.ReplayRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.ReplayPrefetch,
		Logger:           logger,
		MessageProcessor: recorder.HandleReplay,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting callback replay consumer",
				zap.String("queue", cfg.RabbitMQ.ReplayQueue),
				zap.Int("prefetch", cfg.RabbitMQ.ReplayPrefetch))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close replay consumer", zap.Error(err))
				return err
			}
			logger.Info("replay consumer stopped gracefully")
			return nil
		},
	})

	return nil
}

func startSimulator(
	lc fx.Lifecycle,
	cfg *config.Config,
	repo *repository.Repository,
	calc *billing.Calculator,
	publisher *mq.Publisher,
	logger *zap.Logger,
) {
	if !cfg.Simulator.Enabled {
		logger.Info("consumption simulator disabled by configuration")
		return
	}

	sim := simulator.New(repo, calc, publisher, simulator.Config{
		UnitsPerTick: cfg.Simulator.UnitsPerTick,
		Interval:     time.Duration(cfg.Simulator.IntervalSeconds) * time.Second,
	}, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sim.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sim.Stop()
			return nil
		},
	})
}
