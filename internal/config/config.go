package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nexus-trading/pumpsignal/internal/chaindata"
	"github.com/nexus-trading/pumpsignal/internal/clickhouse"
	"github.com/nexus-trading/pumpsignal/internal/conviction"
	"github.com/nexus-trading/pumpsignal/internal/feed"
	"github.com/nexus-trading/pumpsignal/internal/kol"
	"github.com/nexus-trading/pumpsignal/internal/rugguard"
	"github.com/nexus-trading/pumpsignal/internal/signal"
	"github.com/nexus-trading/pumpsignal/internal/solana"
	"github.com/nexus-trading/pumpsignal/internal/storage/postgres"
	"github.com/nexus-trading/pumpsignal/internal/tracker"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for pumpsignal.
type Config struct {
	General    GeneralConfig          `yaml:"general"`
	Feed       feed.Config            `yaml:"feed"`
	Solana     solana.RPCConfig       `yaml:"solana"`
	MarketData chaindata.MarketConfig `yaml:"market_data"`
	Cache      chaindata.Config       `yaml:"cache"`
	Scoring    ScoringConfig          `yaml:"scoring"`
	RugGuard   rugguard.Config        `yaml:"rug_guard"`
	Tracker    tracker.Config         `yaml:"tracker"`
	KOL        kol.Config             `yaml:"kol"`
	Kafka      signal.KafkaConfig     `yaml:"kafka"`
	Postgres   postgres.Config        `yaml:"postgres"`
	ClickHouse clickhouse.Config      `yaml:"clickhouse"`
	Metrics    MetricsConfig          `yaml:"metrics"`
}

type GeneralConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	Environment     string        `yaml:"environment"` // production|staging|development
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"` // json|text
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	StatsInterval   time.Duration `yaml:"stats_interval"`
}

type ScoringConfig struct {
	conviction.Config `yaml:",inline"`
	Dispatch          signal.DispatcherConfig `yaml:"dispatch"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Port           int           `yaml:"port"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// Default returns a configuration with every section at its defaults.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			InstanceID:      "pumpsignal-1",
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "json",
			CleanupInterval: time.Minute,
			StatsInterval:   time.Minute,
		},
		Feed:       feed.DefaultConfig(),
		Solana:     solana.DefaultRPCConfig(),
		MarketData: chaindata.DefaultMarketConfig(),
		Cache:      chaindata.DefaultConfig(),
		Scoring: ScoringConfig{
			Config:   conviction.DefaultConfig(),
			Dispatch: signal.DefaultDispatcherConfig(),
		},
		RugGuard:   rugguard.DefaultConfig(),
		Tracker:    tracker.DefaultConfig(),
		KOL:        kol.DefaultConfig(),
		Kafka:      signal.DefaultKafkaConfig(),
		ClickHouse: clickhouse.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:        true,
			Port:           9090,
			HealthInterval: 30 * time.Second,
		},
	}
}

// Load reads a YAML configuration file over the defaults, expanding
// environment variables first, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for values explicitly set to zero.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = def.General.InstanceID
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = def.General.LogLevel
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = def.General.LogFormat
	}
	if cfg.General.CleanupInterval <= 0 {
		cfg.General.CleanupInterval = def.General.CleanupInterval
	}
	if cfg.General.StatsInterval <= 0 {
		cfg.General.StatsInterval = def.General.StatsInterval
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = def.Metrics.Port
	}
	if cfg.Metrics.HealthInterval <= 0 {
		cfg.Metrics.HealthInterval = def.Metrics.HealthInterval
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = def.Kafka.Topic
	}
	if cfg.ClickHouse.BatchSize <= 0 {
		cfg.ClickHouse.BatchSize = def.ClickHouse.BatchSize
	}
	if cfg.ClickHouse.FlushInterval <= 0 {
		cfg.ClickHouse.FlushInterval = def.ClickHouse.FlushInterval
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if err := c.Scoring.Config.Validate(); err != nil {
		return fmt.Errorf("config: scoring: %w", err)
	}
	if c.Feed.Endpoint == "" {
		return fmt.Errorf("config: feed.endpoint is required")
	}
	if c.Solana.Endpoint == "" {
		return fmt.Errorf("config: solana.endpoint is required")
	}
	if c.MarketData.BaseURL == "" {
		return fmt.Errorf("config: market_data.base_url is required")
	}
	for name, ttl := range map[string]time.Duration{
		"metadata_ttl": c.Cache.MetadataTTL,
		"curve_ttl":    c.Cache.CurveTTL,
		"market_ttl":   c.Cache.MarketTTL,
		"holder_ttl":   c.Cache.HolderTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("config: cache.%s must be positive", name)
		}
	}
	if c.RugGuard.PreExitGate < 0 || c.RugGuard.PostExitGate < 0 {
		return fmt.Errorf("config: rug_guard gates must not be negative")
	}
	if c.RugGuard.GateMinKOLs <= 0 || c.RugGuard.GateMinBuyers <= 0 {
		return fmt.Errorf("config: rug_guard gate_min_kols and gate_min_buyers must be positive")
	}
	if c.Tracker.MaxAge <= 0 || c.Tracker.PostSignalWindow <= 0 {
		return fmt.Errorf("config: tracker max_age and post_signal_window must be positive")
	}
	if c.Feed.MaxTokenSubscriptions <= 0 {
		return fmt.Errorf("config: feed.max_token_subscriptions must be positive")
	}
	switch c.General.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: general.log_format must be json or text, got %q", c.General.LogFormat)
	}
	for _, w := range c.KOL.Wallets {
		if _, err := solana.ParsePubkey(w.Address); err != nil {
			return fmt.Errorf("config: kol wallet %q: %w", w.Address, err)
		}
	}
	return nil
}

// KafkaEnabled reports whether signals are published to Kafka.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

// PostgresEnabled reports whether signals are persisted.
func (c *Config) PostgresEnabled() bool { return c.Postgres.DSN != "" }

// ClickHouseEnabled reports whether evaluations are written to ClickHouse.
func (c *Config) ClickHouseEnabled() bool { return c.ClickHouse.DSN != "" }
