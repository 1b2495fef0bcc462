package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Redis       RedisConfig
	Gateway     GatewayConfig
	Billing     BillingConfig
	Simulator   SimulatorConfig
	API         APIConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL              string
	EventsExchange   string
	SettlementKey    string
	ConsumptionKey   string
	ReplayExchange   string
	ReplayQueue      string
	ReplayRoutingKey string
	ReplayDLQQueue   string
	ReplayPrefetch   int
}

// RedisConfig holds optional Redis settings for rate limiting
type RedisConfig struct {
	URL              string
	RateLimitPrefix  string
	PaymentPerMinute int
	BalancePerMinute int
}

// GatewayConfig holds payment gateway credentials and endpoints
type GatewayConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	CallbackURL    string
	TimeoutSeconds int
}

// BillingConfig holds unit conversion and payment screening settings
type BillingConfig struct {
	// PricePerUnit is the currency amount that buys exactly one unit.
	PricePerUnit float64
	// SpikeThreshold flags payments above this multiple of the user's
	// rolling average payment. Screening needs SpikeMinHistory prior
	// settled payments before it activates.
	SpikeThreshold  float64
	SpikeMinHistory int
}

// SimulatorConfig holds consumption simulator settings
type SimulatorConfig struct {
	Enabled         bool
	UnitsPerTick    float64
	IntervalSeconds int
}

// APIConfig holds HTTP surface settings
type APIConfig struct {
	InternalAPIKey string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "prepaid-billing"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8082),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "prepaid-billing.events.exchange"),
			SettlementKey:    getEnv("RABBITMQ_SETTLEMENT_ROUTING_KEY", "payment.settled"),
			ConsumptionKey:   getEnv("RABBITMQ_CONSUMPTION_ROUTING_KEY", "consumption.recorded"),
			ReplayExchange:   getEnv("RABBITMQ_REPLAY_EXCHANGE", "prepaid-billing.replay.exchange"),
			ReplayQueue:      getEnv("RABBITMQ_REPLAY_QUEUE", "prepaid-billing.callback.replay"),
			ReplayRoutingKey: getEnv("RABBITMQ_REPLAY_ROUTING_KEY", "callback.replay"),
			ReplayDLQQueue:   getEnv("RABBITMQ_REPLAY_DLQ_QUEUE", "prepaid-billing.callback.dlq"),
			ReplayPrefetch:   getEnvAsInt("RABBITMQ_REPLAY_PREFETCH", 10),
		},
		Redis: RedisConfig{
			URL:              getEnv("REDIS_URL", ""),
			RateLimitPrefix:  getEnv("REDIS_RATE_LIMIT_PREFIX", "prepaid-billing:rate_limit"),
			PaymentPerMinute: getEnvAsInt("PAYMENT_RATE_LIMIT_PER_MINUTE", 0),
			BalancePerMinute: getEnvAsInt("BALANCE_RATE_LIMIT_PER_MINUTE", 0),
		},
		Gateway: GatewayConfig{
			BaseURL:        getEnv("GATEWAY_BASE_URL", ""),
			ConsumerKey:    getEnv("GATEWAY_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("GATEWAY_CONSUMER_SECRET", ""),
			ShortCode:      getEnv("GATEWAY_SHORT_CODE", ""),
			CallbackURL:    getEnv("GATEWAY_CALLBACK_URL", ""),
			TimeoutSeconds: getEnvAsInt("GATEWAY_TIMEOUT_SECONDS", 30),
		},
		Billing: BillingConfig{
			PricePerUnit:    getEnvAsFloat("BILLING_PRICE_PER_UNIT", 25.0),
			SpikeThreshold:  getEnvAsFloat("PAYMENT_SPIKE_THRESHOLD", 10.0),
			SpikeMinHistory: getEnvAsInt("PAYMENT_SPIKE_MIN_HISTORY", 5),
		},
		Simulator: SimulatorConfig{
			Enabled:         getEnv("SIMULATOR_ENABLED", "true") == "true",
			UnitsPerTick:    getEnvAsFloat("SIMULATOR_UNITS_PER_TICK", 0.1),
			IntervalSeconds: getEnvAsInt("SIMULATOR_INTERVAL_SECONDS", 15),
		},
		API: APIConfig{
			InternalAPIKey: getEnv("INTERNAL_API_KEY", ""),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if cfg.Billing.PricePerUnit <= 0 {
		return nil, fmt.Errorf("BILLING_PRICE_PER_UNIT must be positive, got %v", cfg.Billing.PricePerUnit)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
