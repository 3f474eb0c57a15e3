// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/warp/printshop-ledger/ledger"
	"github.com/warp/printshop-ledger/logger"
)

type Config struct {
	// Server
	Port        string
	CORSOrigins []string

	// Storage
	DBPath string

	// Sequences: "db" uses the SQLite counters, "redis" uses INCR.
	SequenceBackend string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	// Ledger behaviour
	AuditPolicy       ledger.AuditPolicy
	StrictOverpayment bool

	// Reconciliation auditor; empty disables it.
	ReconcileSchedule string

	// Rate limiting on mutating routes; 0 disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	// Demo scenario loader routes.
	DemoScenarios bool

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	// A missing .env is normal in production.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		CORSOrigins:       splitList(getEnv("CORS_ORIGINS", "*")),
		DBPath:            getEnv("DB_PATH", "./data/ledger.db"),
		SequenceBackend:   strings.ToLower(getEnv("SEQUENCE_BACKEND", "db")),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		AuditPolicy:       ledger.AuditPolicy(strings.ToLower(getEnv("AUDIT_POLICY", string(ledger.AuditStrict)))),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "console"),
		LogOutput:         getEnv("LOG_OUTPUT", "stdout"),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.StrictOverpayment, err = getBool("STRICT_OVERPAYMENT", false); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = getFloat("RATE_LIMIT_RPS", 20); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 40); err != nil {
		return nil, err
	}
	if cfg.DemoScenarios, err = getBool("DEMO_SCENARIOS", false); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	switch c.SequenceBackend {
	case "db":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when SEQUENCE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("SEQUENCE_BACKEND must be db or redis, got %q", c.SequenceBackend)
	}
	switch c.AuditPolicy {
	case ledger.AuditStrict, ledger.AuditBestEffort:
	default:
		return fmt.Errorf("AUDIT_POLICY must be strict or best-effort, got %q", c.AuditPolicy)
	}
	if c.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
			return fmt.Errorf("RECONCILE_SCHEDULE: %w", err)
		}
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}

// LoggerConfig returns the logger configuration from the main config
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.LogLevel,
		Format: c.LogFormat,
		Output: c.LogOutput,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
