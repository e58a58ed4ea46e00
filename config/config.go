// Package config loads service configuration from a YAML file with
// environment variable overrides, and validates it before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config is the full switchd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Envelope  EnvelopeConfig  `yaml:"envelope"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type StoreConfig struct {
	Type  string      `yaml:"type"` // "memory" or "redis"
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LedgerConfig struct {
	Type         string        `yaml:"type"` // "memory" or "redis"
	Redis        RedisConfig   `yaml:"redis"`
	StaleTimeout time.Duration `yaml:"stale_timeout"`
	Retention    time.Duration `yaml:"retention"`
}

type EnvelopeConfig struct {
	// KeyHex is the 64-character hex encoding of the 256-bit envelope key.
	// Mutually exclusive with Passphrase.
	KeyHex string `yaml:"key_hex"`

	// Passphrase derives the key with Argon2id when KeyHex is unset.
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
}

type NotifierConfig struct {
	Type       string        `yaml:"type"` // "log" or "webhook"
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ReminderRule configures one reminder offset. Style "absolute" fires Before
// the deadline; style "percent" fires once PercentElapsed percent of the
// current period has passed. The period length is always threaded in from
// the secret being evaluated, never from a default.
type ReminderRule struct {
	Kind           string        `yaml:"kind"`
	Style          string        `yaml:"style"`
	Before         time.Duration `yaml:"before"`
	PercentElapsed int           `yaml:"percent_elapsed"`
}

type SchedulerConfig struct {
	PollInterval time.Duration  `yaml:"poll_interval"`
	Concurrency  int            `yaml:"concurrency"`
	Reminders    []ReminderRule `yaml:"reminders"`
}

// Default returns the configuration used when no file or overrides are
// supplied. The default reminder set mirrors the common cadence: a week, three
// days, a day, and an hour before the deadline, plus a half-way percentage
// warning.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  "127.0.0.1:8080",
			MetricsAddr: "127.0.0.1:8090",
		},
		Store: StoreConfig{
			Type:  "memory",
			Redis: RedisConfig{Addr: "localhost:6379"},
		},
		Ledger: LedgerConfig{
			Type:         "memory",
			Redis:        RedisConfig{Addr: "localhost:6379"},
			StaleTimeout: 15 * time.Minute,
			Retention:    90 * 24 * time.Hour,
		},
		Notifier: NotifierConfig{
			Type:    "log",
			Timeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Minute,
			Concurrency:  8,
			Reminders: []ReminderRule{
				{Kind: "7d", Style: "absolute", Before: 7 * 24 * time.Hour},
				{Kind: "3d", Style: "absolute", Before: 3 * 24 * time.Hour},
				{Kind: "24h", Style: "absolute", Before: 24 * time.Hour},
				{Kind: "1h", Style: "absolute", Before: time.Hour},
				{Kind: "50pct", Style: "percent", PercentElapsed: 50},
			},
		},
	}
}

// Load reads the optional YAML file at path, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("KEYFALL_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("KEYFALL_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
	if v := os.Getenv("KEYFALL_STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("KEYFALL_LEDGER_TYPE"); v != "" {
		c.Ledger.Type = v
	}
	if v := os.Getenv("KEYFALL_REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
		c.Ledger.Redis.Addr = v
	}
	if v := os.Getenv("KEYFALL_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
		c.Ledger.Redis.Password = v
	}
	if v := os.Getenv("KEYFALL_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
			c.Ledger.Redis.DB = db
		}
	}
	if v := os.Getenv("KEYFALL_ENVELOPE_KEY"); v != "" {
		c.Envelope.KeyHex = v
	}
	if v := os.Getenv("KEYFALL_ENVELOPE_PASSPHRASE"); v != "" {
		c.Envelope.Passphrase = v
	}
	if v := os.Getenv("KEYFALL_ENVELOPE_SALT"); v != "" {
		c.Envelope.Salt = v
	}
	if v := os.Getenv("KEYFALL_NOTIFIER_TYPE"); v != "" {
		c.Notifier.Type = v
	}
	if v := os.Getenv("KEYFALL_WEBHOOK_URL"); v != "" {
		c.Notifier.WebhookURL = v
	}
	if v := os.Getenv("KEYFALL_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.PollInterval = d
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.Store.Type != "memory" && c.Store.Type != "redis" {
		return fmt.Errorf("config: invalid store type %q (must be 'memory' or 'redis')", c.Store.Type)
	}
	if c.Store.Type == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required for the redis store")
	}
	if c.Ledger.Type != "memory" && c.Ledger.Type != "redis" {
		return fmt.Errorf("config: invalid ledger type %q (must be 'memory' or 'redis')", c.Ledger.Type)
	}
	if c.Ledger.Type == "redis" && c.Ledger.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required for the redis ledger")
	}
	if c.Envelope.KeyHex == "" && c.Envelope.Passphrase == "" {
		return fmt.Errorf("config: an envelope key_hex or passphrase is required")
	}
	if c.Envelope.Passphrase != "" && c.Envelope.Salt == "" {
		return fmt.Errorf("config: a salt is required with a passphrase-derived key")
	}
	if c.Notifier.Type != "log" && c.Notifier.Type != "webhook" {
		return fmt.Errorf("config: invalid notifier type %q (must be 'log' or 'webhook')", c.Notifier.Type)
	}
	if c.Notifier.Type == "webhook" && c.Notifier.WebhookURL == "" {
		return fmt.Errorf("config: webhook_url is required for the webhook notifier")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be at least 1")
	}

	seen := make(map[string]bool)
	for i, rule := range c.Scheduler.Reminders {
		if rule.Kind == "" {
			return fmt.Errorf("config: reminder %d has no kind", i)
		}
		if rule.Kind == "disclosure" {
			return fmt.Errorf("config: reminder kind 'disclosure' is reserved")
		}
		if seen[rule.Kind] {
			return fmt.Errorf("config: duplicate reminder kind %q", rule.Kind)
		}
		seen[rule.Kind] = true

		switch rule.Style {
		case "absolute":
			if rule.Before <= 0 {
				return fmt.Errorf("config: reminder %q needs a positive 'before' duration", rule.Kind)
			}
		case "percent":
			if rule.PercentElapsed < 1 || rule.PercentElapsed > 99 {
				return fmt.Errorf("config: reminder %q percent_elapsed must be in 1..99, got %d", rule.Kind, rule.PercentElapsed)
			}
		default:
			return fmt.Errorf("config: reminder %q has invalid style %q (must be 'absolute' or 'percent')", rule.Kind, rule.Style)
		}
	}
	return nil
}

// Options converts a RedisConfig into go-redis client options.
func (r RedisConfig) Options() *redis.Options {
	return &redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB}
}
