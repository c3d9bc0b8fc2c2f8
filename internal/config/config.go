// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is shared by all dosewatch binaries; each reads what it needs.
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	ServiceName string `mapstructure:"SERVICE_NAME"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	APIKeys []string `mapstructure:"API_KEYS"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`
	OTLPEndpoint  string   `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// TraceSampleRate is the fraction of root traces kept
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	DueWindow       time.Duration `mapstructure:"DUE_WINDOW"`
	DefaultTimezone string        `mapstructure:"DEFAULT_TIMEZONE"`
	LowStockDays    int           `mapstructure:"LOW_STOCK_DAYS"`
	RefillLeadDays  int           `mapstructure:"REFILL_LEAD_DAYS"`

	ReminderSchedule  string        `mapstructure:"REMINDER_SCHEDULE"`
	ReminderLookahead time.Duration `mapstructure:"REMINDER_LOOKAHEAD"`
	ReminderWorkers   int           `mapstructure:"REMINDER_WORKERS"`

	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`

	// MedicationCatalog is an optional path to a JSON medication list
	MedicationCatalog string `mapstructure:"MEDICATION_CATALOG"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "SERVICE_NAME",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"API_KEYS", "KAFKA_BROKERS", "CONSUMER_GROUP", "OTEL_EXPORTER_OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"DUE_WINDOW", "DEFAULT_TIMEZONE", "LOW_STOCK_DAYS", "REFILL_LEAD_DAYS",
	"REMINDER_SCHEDULE", "REMINDER_LOOKAHEAD", "REMINDER_WORKERS",
	"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL", "MEDICATION_CATALOG",
}

// Load reads configuration. serviceName is the default SERVICE_NAME.
func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVICE_NAME", serviceName)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CONSUMER_GROUP", "dosewatch")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("DUE_WINDOW", "30m")
	v.SetDefault("DEFAULT_TIMEZONE", "UTC")
	v.SetDefault("LOW_STOCK_DAYS", 7)
	v.SetDefault("REFILL_LEAD_DAYS", 3)
	v.SetDefault("REMINDER_SCHEDULE", "@every 1m")
	v.SetDefault("REMINDER_LOOKAHEAD", "30m")
	v.SetDefault("REMINDER_WORKERS", 8)
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")

	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	// a missing .env file is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.APIKeys = splitList(v.GetString("API_KEYS"), cfg.APIKeys)
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"), cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with
func (c *Config) Validate() error {
	if c.DueWindow <= 0 {
		return fmt.Errorf("DUE_WINDOW must be positive, got %s", c.DueWindow)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %g", c.TraceSampleRate)
	}
	if c.ReminderWorkers <= 0 {
		return fmt.Errorf("REMINDER_WORKERS must be positive, got %d", c.ReminderWorkers)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE: %w", err)
	}
	return nil
}

// IsDev reports development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesPostgres reports whether a database is configured; otherwise the
// in-memory store is used.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

func splitList(raw string, parsed []string) []string {
	if raw == "" {
		return parsed
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
