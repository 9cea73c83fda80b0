package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the evaluation API.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string

	// Engine knobs.
	MaxRetryRounds      int
	DefaultDeadlineDays int
	SubmissionGrace     time.Duration
	RunLockTTL          time.Duration
	StatusCacheTTL      time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PEEREVAL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "PeerEval API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("engine.max_retry_rounds", 3)
	v.SetDefault("engine.default_deadline_days", 7)
	v.SetDefault("engine.submission_grace", "0s")
	v.SetDefault("engine.run_lock_ttl", "2m")
	v.SetDefault("engine.status_cache_ttl", "1m")

	grace, err := time.ParseDuration(v.GetString("engine.submission_grace"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid submission grace period: %w", err)
	}

	lockTTL, err := time.ParseDuration(v.GetString("engine.run_lock_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid run lock ttl: %w", err)
	}

	cacheTTL, err := time.ParseDuration(v.GetString("engine.status_cache_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid status cache ttl: %w", err)
	}

	cfg := Config{
		AppName:             v.GetString("app.name"),
		AppEnv:              v.GetString("app.env"),
		AppPort:             v.GetString("app.port"),
		DatabaseURL:         v.GetString("database.url"),
		RedisURL:            v.GetString("redis.url"),
		NATSURL:             v.GetString("nats.url"),
		JWTSecret:           v.GetString("jwt.secret"),
		MaxRetryRounds:      v.GetInt("engine.max_retry_rounds"),
		DefaultDeadlineDays: v.GetInt("engine.default_deadline_days"),
		SubmissionGrace:     grace,
		RunLockTTL:          lockTTL,
		StatusCacheTTL:      cacheTTL,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.MaxRetryRounds <= 0 {
		cfg.MaxRetryRounds = 3
	}

	if cfg.DefaultDeadlineDays <= 0 {
		cfg.DefaultDeadlineDays = 7
	}

	return cfg, nil
}
