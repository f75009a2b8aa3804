// Package config loads the subsyncd service configuration from environment
// variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for subsyncd.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	AMQPURL     string `mapstructure:"AMQP_URL"`

	PaddleWebhookSecret        string        `mapstructure:"PADDLE_WEBHOOK_SECRET"`
	PaddleAPIKey               string        `mapstructure:"PADDLE_API_KEY"`
	PaddleEnvironment          string        `mapstructure:"PADDLE_ENVIRONMENT"`
	PaddleSignatureTolerance   time.Duration `mapstructure:"PADDLE_SIGNATURE_TOLERANCE"`
	PaddleAllowStaleSignatures bool          `mapstructure:"PADDLE_ALLOW_STALE_SIGNATURES"`

	StripeAPIKey        string `mapstructure:"STRIPE_API_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`

	ReplaySchedule    string `mapstructure:"REPLAY_SCHEDULE"`
	ReplayMaxAttempts int    `mapstructure:"REPLAY_MAX_ATTEMPTS"`
	ReplayBatchSize   int    `mapstructure:"REPLAY_BATCH_SIZE"`

	PackageCacheTTL  time.Duration `mapstructure:"PACKAGE_CACHE_TTL"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	MetricsNamespace string        `mapstructure:"METRICS_NAMESPACE"`
	ShutdownTimeout  time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var keys = []string{
	"SERVER_PORT", "DATABASE_URL", "REDIS_URL", "AMQP_URL",
	"PADDLE_WEBHOOK_SECRET", "PADDLE_API_KEY", "PADDLE_ENVIRONMENT",
	"PADDLE_SIGNATURE_TOLERANCE", "PADDLE_ALLOW_STALE_SIGNATURES",
	"STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET",
	"REPLAY_SCHEDULE", "REPLAY_MAX_ATTEMPTS", "REPLAY_BATCH_SIZE",
	"PACKAGE_CACHE_TTL", "LOG_LEVEL", "METRICS_NAMESPACE", "SHUTDOWN_TIMEOUT",
}

// LoadConfig reads configuration from environment variables, falling back to
// a .env file in path when one exists.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PADDLE_ENVIRONMENT", "sandbox")
	viper.SetDefault("PADDLE_SIGNATURE_TOLERANCE", "5m")
	viper.SetDefault("PADDLE_ALLOW_STALE_SIGNATURES", false)
	viper.SetDefault("REPLAY_SCHEDULE", "@every 5m")
	viper.SetDefault("REPLAY_MAX_ATTEMPTS", 10)
	viper.SetDefault("REPLAY_BATCH_SIZE", 100)
	viper.SetDefault("PACKAGE_CACHE_TTL", "10m")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("METRICS_NAMESPACE", "subsync")
	viper.SetDefault("SHUTDOWN_TIMEOUT", "15s")

	// Bind explicitly so values without defaults still reach Unmarshal
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")
	_ = viper.BindEnv("AMQP_URL", "AMQP_URL", "RABBITMQ_URL")

	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("read config file: %w", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}

	config.PaddleEnvironment = strings.ToLower(strings.TrimSpace(config.PaddleEnvironment))
	config.ServerPort = strings.TrimPrefix(strings.TrimSpace(config.ServerPort), ":")
	return config, config.Validate()
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.PaddleWebhookSecret == "" && c.StripeWebhookSecret == "" {
		return errors.New("at least one of PADDLE_WEBHOOK_SECRET or STRIPE_WEBHOOK_SECRET is required")
	}
	switch c.PaddleEnvironment {
	case "sandbox":
	case "production":
		if c.PaddleAllowStaleSignatures {
			return errors.New("PADDLE_ALLOW_STALE_SIGNATURES cannot be enabled in production")
		}
	default:
		return fmt.Errorf("PADDLE_ENVIRONMENT must be sandbox or production, got %q", c.PaddleEnvironment)
	}
	if c.PaddleSignatureTolerance < 0 {
		return errors.New("PADDLE_SIGNATURE_TOLERANCE must not be negative")
	}
	if c.ReplayMaxAttempts <= 0 {
		return errors.New("REPLAY_MAX_ATTEMPTS must be positive")
	}
	if _, err := cron.ParseStandard(c.ReplaySchedule); err != nil {
		return fmt.Errorf("invalid REPLAY_SCHEDULE %q: %w", c.ReplaySchedule, err)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return nil
}

// Level returns the configured zerolog level.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
