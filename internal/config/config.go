// Package config loads and validates relay configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DB         DBConfig         `mapstructure:"db"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the request store. Provider "memory" runs
// without Postgres for local development.
type DBConfig struct {
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MetricsTable string `mapstructure:"metrics_table"`
	MaxConns     int    `mapstructure:"max_conns"`
	MinConns     int    `mapstructure:"min_conns"`
}

// QueueConfig sizes the job queue.
type QueueConfig struct {
	Depth int `mapstructure:"depth"`
}

// DispatcherConfig governs reconciliation and queue hygiene.
type DispatcherConfig struct {
	ReconcileIntervalSec int `mapstructure:"reconcile_interval_seconds"`
	CleanIntervalSec     int `mapstructure:"clean_interval_seconds"`
	RetentionMinutes     int `mapstructure:"retention_minutes"`
	StaleAfterMinutes    int `mapstructure:"stale_after_minutes"`
}

// WorkerConfig governs the processing pool.
type WorkerConfig struct {
	Concurrency     int  `mapstructure:"concurrency"`
	MaxRetries      int  `mapstructure:"max_retries"`
	SettleDelayMs   int  `mapstructure:"settle_delay_ms"`
	NotifyExhausted bool `mapstructure:"notify_exhausted"`
}

// FetcherConfig selects and configures the media fetcher.
type FetcherConfig struct {
	Provider       string `mapstructure:"provider"`
	Endpoint       string `mapstructure:"endpoint"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxParallel    int    `mapstructure:"max_parallel"`
}

// TelegramConfig configures delivery via the Bot API.
type TelegramConfig struct {
	Token          string `mapstructure:"token"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
// An empty project ID disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.table", "content_requests")
	v.SetDefault("db.metrics_table", "relay_metrics")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("queue.depth", 64)
	v.SetDefault("dispatcher.reconcile_interval_seconds", 60)
	v.SetDefault("dispatcher.clean_interval_seconds", 60)
	v.SetDefault("dispatcher.retention_minutes", 60)
	v.SetDefault("dispatcher.stale_after_minutes", 15)
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.max_retries", 5)
	v.SetDefault("worker.settle_delay_ms", 500)
	v.SetDefault("worker.notify_exhausted", false)
	v.SetDefault("fetcher.provider", "fastdl")
	v.SetDefault("fetcher.user_agent", "media-relay/0.1")
	v.SetDefault("fetcher.timeout_seconds", 30)
	v.SetDefault("fetcher.max_parallel", 2)
	v.SetDefault("telegram.timeout_seconds", 30)
	v.SetDefault("pubsub.topic_name", "content.processed")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	default:
		return fmt.Errorf("db.provider must be memory or postgres, got %q", c.DB.Provider)
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0")
	}
	switch c.Fetcher.Provider {
	case "fastdl":
		if c.Fetcher.Endpoint == "" {
			return fmt.Errorf("fetcher.endpoint must be set when fetcher.provider is fastdl")
		}
	case "headless":
		if c.Fetcher.MaxParallel <= 0 {
			return fmt.Errorf("fetcher.max_parallel must be > 0 when fetcher.provider is headless")
		}
	default:
		return fmt.Errorf("fetcher.provider must be fastdl or headless, got %q", c.Fetcher.Provider)
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token must be set")
	}
	return nil
}

// ReconcileInterval returns the dispatcher reconcile period.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Dispatcher.ReconcileIntervalSec) * time.Second
}

// CleanInterval returns the queue hygiene period.
func (c Config) CleanInterval() time.Duration {
	return time.Duration(c.Dispatcher.CleanIntervalSec) * time.Second
}

// Retention returns how long finished queue bookkeeping is kept.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Dispatcher.RetentionMinutes) * time.Minute
}

// StaleAfter returns the in-flight age after which a request is released
// back to the backlog.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Dispatcher.StaleAfterMinutes) * time.Minute
}

// SettleDelay returns the pause applied after a successful fetch before
// delivery.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Worker.SettleDelayMs) * time.Millisecond
}

// FetchTimeout returns the per-fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}
