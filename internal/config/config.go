// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/keymux/internal/settings"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	CoordPath   string // Coordination store data directory (optional, in-memory if not set)

	// Pool behavior. These are deployment defaults; the settings table
	// overrides them at runtime without a restart.
	CooldownSeconds int
	DisableCodes    string // Comma-separated outcome codes that disable a key
	CooldownCodes   string // Comma-separated outcome codes that suspend a key
	Strategy        string // "sticky" or "round_robin"
	MaxConcurrent   int    // Default per-key concurrency ceiling, 0 = unlimited

	// Reconciliation
	SweepInterval  time.Duration // Cooldown reconciliation sweep
	ReaperInterval time.Duration // Expired-lease reaper

	// Audit retention
	AuditRetentionDays int

	// Security
	AdminToken   string // Bearer token for administrative endpoints (optional)
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC collector address (optional, tracing off if empty)
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultCooldownSeconds    = 300
	DefaultDisableCodes       = "401"
	DefaultCooldownCodes      = "429"
	DefaultSweepInterval      = 5 * time.Second
	DefaultReaperInterval     = 10 * time.Second
	DefaultAuditRetentionDays = 30
	DefaultRateLimit          = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		CoordPath:          os.Getenv("COORD_PATH"),   // Optional, in-memory if not set
		CooldownSeconds:    int(getEnvInt64("COOLDOWN_SECONDS", DefaultCooldownSeconds)),
		DisableCodes:       getEnv("DISABLE_CODES", DefaultDisableCodes),
		CooldownCodes:      getEnv("COOLDOWN_CODES", DefaultCooldownCodes),
		Strategy:           getEnv("SELECTION_STRATEGY", settings.StrategySticky),
		MaxConcurrent:      int(getEnvInt64("MAX_CONCURRENCY", 0)),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReaperInterval:     getEnvDuration("REAPER_INTERVAL", DefaultReaperInterval),
		AuditRetentionDays: int(getEnvInt64("AUDIT_RETENTION_DAYS", DefaultAuditRetentionDays)),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.CooldownSeconds <= 0 {
		return fmt.Errorf("COOLDOWN_SECONDS must be positive")
	}
	if _, err := settings.ParseCodes(c.DisableCodes); err != nil {
		return fmt.Errorf("DISABLE_CODES: %w", err)
	}
	if _, err := settings.ParseCodes(c.CooldownCodes); err != nil {
		return fmt.Errorf("COOLDOWN_CODES: %w", err)
	}
	if c.Strategy != settings.StrategySticky && c.Strategy != settings.StrategyRoundRobin {
		return fmt.Errorf("SELECTION_STRATEGY must be %q or %q", settings.StrategySticky, settings.StrategyRoundRobin)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("MAX_CONCURRENCY must not be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive")
	}
	if c.AuditRetentionDays < 0 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must not be negative")
	}
	return nil
}

// SettingsDefaults maps the deployment configuration onto the runtime
// settings fallbacks.
func (c *Config) SettingsDefaults() settings.Defaults {
	disable, _ := settings.ParseCodes(c.DisableCodes)
	cool, _ := settings.ParseCodes(c.CooldownCodes)
	return settings.Defaults{
		CooldownSeconds: c.CooldownSeconds,
		DisableCodes:    codeList(disable),
		CooldownCodes:   codeList(cool),
		Strategy:        c.Strategy,
		MaxConcurrent:   c.MaxConcurrent,
	}
}

func codeList(codes map[int]struct{}) []int {
	out := make([]int, 0, len(codes))
	for c := range codes {
		out = append(out, c)
	}
	return out
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
