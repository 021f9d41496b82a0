// Package config reads the service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kigo-pro/assignq/internal/assigner"
	"github.com/kigo-pro/assignq/internal/executor"
)

const (
	AssignerSimulated = "simulated"
	AssignerPostgres  = "postgres"
	AssignerHTTP      = "http"
)

type Config struct {
	Port        string
	RedisAddr   string
	PostgresDSN string
	LogLevel    string

	Assigner     string
	AssignAPIURL string

	BatchSize   int
	BatchDelay  time.Duration
	SettleDelay time.Duration

	// RetryBatchSize zero keeps the executor's derived retry policy.
	RetryBatchSize int
	RetryDelay     time.Duration

	Simulated assigner.SimulatedConfig

	EmailAPIKey string
	FromName    string
	FromAddress string
	NotifyTo    []string
}

// Load reads the environment. Unset variables take their defaults; malformed values are errors.
func Load() (Config, error) {
	cfg := Config{
		Port:         getEnv("PORT", "8080"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Assigner:     getEnv("ASSIGNER", AssignerSimulated),
		AssignAPIURL: os.Getenv("ASSIGN_API_URL"),
		EmailAPIKey:  os.Getenv("EMAIL_API_KEY"),
		FromName:     getEnv("FROM_NAME", "Bulk Assignment"),
		FromAddress:  getEnv("FROM_ADDRESS", "noreply@example.com"),
		NotifyTo:     splitList(os.Getenv("NOTIFY_TO")),
	}

	var err error
	if cfg.BatchSize, err = getInt("BATCH_SIZE", executor.DefaultBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.BatchDelay, err = getDuration("BATCH_DELAY", executor.DefaultBatchDelay); err != nil {
		return Config{}, err
	}
	if cfg.SettleDelay, err = getDuration("SETTLE_DELAY", executor.DefaultSettleDelay); err != nil {
		return Config{}, err
	}
	if cfg.RetryBatchSize, err = getInt("RETRY_BATCH_SIZE", 0); err != nil {
		return Config{}, err
	}
	if cfg.RetryDelay, err = getDuration("RETRY_DELAY", 0); err != nil {
		return Config{}, err
	}
	if cfg.Simulated.MinDelay, err = getDuration("SIM_MIN_DELAY", 0); err != nil {
		return Config{}, err
	}
	if cfg.Simulated.MaxDelay, err = getDuration("SIM_MAX_DELAY", 0); err != nil {
		return Config{}, err
	}
	if cfg.Simulated.FailureRate, err = getFloat("SIM_FAILURE_RATE", 0); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Assigner {
	case AssignerSimulated:
	case AssignerPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the %s assigner", AssignerPostgres)
		}
	case AssignerHTTP:
		if c.AssignAPIURL == "" {
			return fmt.Errorf("ASSIGN_API_URL is required for the %s assigner", AssignerHTTP)
		}
	default:
		return fmt.Errorf("unknown ASSIGNER %q (available: %s, %s, %s)", c.Assigner, AssignerSimulated, AssignerPostgres, AssignerHTTP)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.Simulated.FailureRate < 0 || c.Simulated.FailureRate > 1 {
		return fmt.Errorf("SIM_FAILURE_RATE must be between 0 and 1, got %g", c.Simulated.FailureRate)
	}
	if c.Simulated.MaxDelay < c.Simulated.MinDelay {
		return fmt.Errorf("SIM_MAX_DELAY %s is below SIM_MIN_DELAY %s", c.Simulated.MaxDelay, c.Simulated.MinDelay)
	}

	return nil
}

// RetryPolicy returns the configured retry override, nil when none is set.
func (c Config) RetryPolicy() *executor.RetryPolicy {
	if c.RetryBatchSize <= 0 {
		return nil
	}

	return &executor.RetryPolicy{BatchSize: c.RetryBatchSize, BatchDelay: c.RetryDelay}
}

func (c Config) NotificationsEnabled() bool {
	return c.EmailAPIKey != "" && len(c.NotifyTo) > 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return d, nil
}

func splitList(v string) []string {
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
