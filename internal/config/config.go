/**
 * @description
 * Configuration for the funding service. Values come from environment variables
 * (optionally seeded from a .env file) through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 * - github.com/shopspring/decimal: fee and amount bounds are parsed as decimals.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	defaultRateLimitPrefix      = "giftstock:rate_limit"
	defaultIntentLimitPerMinute = 20
	defaultEventLimitPerMinute  = 120
	defaultPendingTTLMinutes    = 30
	defaultSweepSchedule        = "@every 1m"
	defaultOutboxPollIntervalMS = 1200
	defaultFeeRate              = "0.029"
	defaultFeeFixed             = "0.30"
	defaultMinAmount            = "1.00"
	defaultMaxAmount            = "10000.00"
)

// Config holds all the configuration variables for the funding service.
type Config struct {
	ServerPort                      string `mapstructure:"SERVER_PORT"`
	StorageDriver                   string `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL                     string `mapstructure:"DATABASE_URL"`
	DatabaseAutoMigrate             bool   `mapstructure:"DATABASE_AUTO_MIGRATE"`
	RedisURL                        string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix            string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	PaymentIntentRateLimitPerMinute int    `mapstructure:"PAYMENT_INTENT_RATE_LIMIT_PER_MINUTE"`
	EventIntentRateLimitPerMinute   int    `mapstructure:"EVENT_INTENT_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                     string `mapstructure:"RABBITMQ_URL"`
	EventsExchange                  string `mapstructure:"EVENTS_EXCHANGE"`
	BrokerageEventQueue             string `mapstructure:"BROKERAGE_EVENT_QUEUE"`
	ClerkJWKSURL                    string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey                  string `mapstructure:"INTERNAL_API_KEY"`
	StripeSecretKey                 string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret             string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	Currency                        string `mapstructure:"CURRENCY"`
	FeeRate                         string `mapstructure:"FEE_RATE"`
	FeeFixed                        string `mapstructure:"FEE_FIXED"`
	ContributionMinAmount           string `mapstructure:"CONTRIBUTION_MIN_AMOUNT"`
	ContributionMaxAmount           string `mapstructure:"CONTRIBUTION_MAX_AMOUNT"`
	PendingContributionTTLMinutes   int    `mapstructure:"PENDING_CONTRIBUTION_TTL_MINUTES"`
	PendingSweepSchedule            string `mapstructure:"PENDING_SWEEP_SCHEDULE"`
	OutboxPollIntervalMS            int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path. Invalid numeric values fall back to their defaults with a warning.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORAGE_DRIVER", StorageDriverPostgres)
	viper.SetDefault("DATABASE_AUTO_MIGRATE", false)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("PAYMENT_INTENT_RATE_LIMIT_PER_MINUTE", defaultIntentLimitPerMinute)
	viper.SetDefault("EVENT_INTENT_RATE_LIMIT_PER_MINUTE", defaultEventLimitPerMinute)
	viper.SetDefault("EVENTS_EXCHANGE", "giftstock.events")
	viper.SetDefault("BROKERAGE_EVENT_QUEUE", "funding_service.brokerage_updates")
	viper.SetDefault("CURRENCY", "usd")
	viper.SetDefault("FEE_RATE", defaultFeeRate)
	viper.SetDefault("FEE_FIXED", defaultFeeFixed)
	viper.SetDefault("CONTRIBUTION_MIN_AMOUNT", defaultMinAmount)
	viper.SetDefault("CONTRIBUTION_MAX_AMOUNT", defaultMaxAmount)
	viper.SetDefault("PENDING_CONTRIBUTION_TTL_MINUTES", defaultPendingTTLMinutes)
	viper.SetDefault("PENDING_SWEEP_SCHEDULE", defaultSweepSchedule)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", defaultOutboxPollIntervalMS)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_AUTO_MIGRATE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "FUNDING_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("PAYMENT_INTENT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("EVENT_INTENT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("BROKERAGE_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "FUNDING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("STRIPE_SECRET_KEY", "STRIPE_SECRET_KEY", "STRIPE_API_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("FEE_RATE")
	_ = viper.BindEnv("FEE_FIXED")
	_ = viper.BindEnv("CONTRIBUTION_MIN_AMOUNT")
	_ = viper.BindEnv("CONTRIBUTION_MAX_AMOUNT")
	_ = viper.BindEnv("PENDING_CONTRIBUTION_TTL_MINUTES")
	_ = viper.BindEnv("PENDING_SWEEP_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = os.Getenv("FUNDING_SERVICE_INTERNAL_API_KEY")
	}
	if strings.TrimSpace(config.StripeSecretKey) == "" {
		config.StripeSecretKey = os.Getenv("STRIPE_API_KEY")
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.StripeSecretKey = strings.TrimSpace(config.StripeSecretKey)
	config.StripeWebhookSecret = strings.TrimSpace(config.StripeWebhookSecret)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.Currency = strings.ToLower(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "usd"
	}

	config.StorageDriver = strings.ToLower(strings.TrimSpace(config.StorageDriver))
	switch config.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	default:
		log.Printf("level=warn component=config msg=\"unknown STORAGE_DRIVER; using postgres\" value=%q", config.StorageDriver)
		config.StorageDriver = StorageDriverPostgres
	}

	if config.PaymentIntentRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"invalid PAYMENT_INTENT_RATE_LIMIT_PER_MINUTE\" value=%d", config.PaymentIntentRateLimitPerMinute)
		config.PaymentIntentRateLimitPerMinute = defaultIntentLimitPerMinute
	}
	if config.EventIntentRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"invalid EVENT_INTENT_RATE_LIMIT_PER_MINUTE\" value=%d", config.EventIntentRateLimitPerMinute)
		config.EventIntentRateLimitPerMinute = defaultEventLimitPerMinute
	}
	if config.PendingContributionTTLMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"invalid PENDING_CONTRIBUTION_TTL_MINUTES\" value=%d", config.PendingContributionTTLMinutes)
		config.PendingContributionTTLMinutes = defaultPendingTTLMinutes
	}
	if config.OutboxPollIntervalMS <= 0 {
		log.Printf("level=warn component=config msg=\"invalid OUTBOX_POLL_INTERVAL_MS\" value=%d", config.OutboxPollIntervalMS)
		config.OutboxPollIntervalMS = defaultOutboxPollIntervalMS
	}
	if strings.TrimSpace(config.PendingSweepSchedule) == "" {
		config.PendingSweepSchedule = defaultSweepSchedule
	}

	config.FeeRate = decimalOrDefault("FEE_RATE", config.FeeRate, defaultFeeRate)
	config.FeeFixed = decimalOrDefault("FEE_FIXED", config.FeeFixed, defaultFeeFixed)
	if _, limitsErr := domain.NewAmountLimits(config.ContributionMinAmount, config.ContributionMaxAmount); limitsErr != nil {
		log.Printf("level=warn component=config msg=\"invalid contribution bounds; using defaults\" err=%v", limitsErr)
		config.ContributionMinAmount = defaultMinAmount
		config.ContributionMaxAmount = defaultMaxAmount
	}

	return
}

// decimalOrDefault keeps raw when it is a non-negative decimal.
func decimalOrDefault(key, raw, fallback string) string {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || value.IsNegative() {
		log.Printf("level=warn component=config msg=\"invalid %s\" value=%q", key, raw)
		return fallback
	}
	return value.String()
}

// FeeSchedule returns the card fee parameters. LoadConfig has already validated them.
func (c Config) FeeSchedule() domain.FeeSchedule {
	schedule := domain.DefaultFeeSchedule()
	if rate, err := decimal.NewFromString(c.FeeRate); err == nil {
		schedule.Rate = rate
	}
	if fixed, err := decimal.NewFromString(c.FeeFixed); err == nil {
		schedule.FixedFee = fixed
	}
	return schedule
}

func (c Config) AmountLimits() domain.AmountLimits {
	limits, err := domain.NewAmountLimits(c.ContributionMinAmount, c.ContributionMaxAmount)
	if err != nil {
		return domain.DefaultAmountLimits()
	}
	return limits
}

func (c Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingContributionTTLMinutes) * time.Minute
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMS) * time.Millisecond
}
