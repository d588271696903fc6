// Package config loads process configuration from the environment
// (optionally seeded from a .env file).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Feed sources.
const (
	SourceFile  = "file"
	SourceWS    = "ws"
	SourceKafka = "kafka"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Engine  EngineConfig  `envPrefix:"OHLC_"`
	Feed    FeedConfig    `envPrefix:"FEED_"`
	Kafka   KafkaConfig   `envPrefix:"KAFKA_"`
	Redis   RedisConfig   `envPrefix:"REDIS_"`
	SQLite  SQLiteConfig  `envPrefix:"SQLITE_"`
	Gateway GatewayConfig `envPrefix:"GATEWAY_"`
	Alert   AlertConfig   `envPrefix:"ALERT_"`

	OutputPath  string `env:"OUTPUT_PATH"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// EngineConfig configures the rolling aggregator.
type EngineConfig struct {
	WindowMinutes uint          `env:"WINDOW_MINUTES" envDefault:"5"`
	Shards        int           `env:"SHARDS" envDefault:"16"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
}

// FeedConfig selects and configures the quote source.
type FeedConfig struct {
	Source      string  `env:"SOURCE" envDefault:"file"`
	InputPath   string  `env:"INPUT_PATH" envDefault:"data/quotes.txt"`
	ReplaySpeed float64 `env:"REPLAY_SPEED" envDefault:"0"`
	WSURL       string  `env:"WS_URL" envDefault:"ws://localhost:9001/ws"`
}

// KafkaConfig configures the Kafka quote consumer.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic   string   `env:"TOPIC" envDefault:"quotes"`
	Group   string   `env:"GROUP" envDefault:"ohlc-engine"`
}

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	Enabled      bool          `env:"ENABLED" envDefault:"true"`
	Addr         string        `env:"ADDR" envDefault:"localhost:6379"`
	Password     string        `env:"PASSWORD"`
	MaxFailures  int           `env:"BREAKER_FAILURES" envDefault:"5"`
	ResetTimeout time.Duration `env:"BREAKER_RESET" envDefault:"10s"`
	BufferSize   int           `env:"BUFFER_SIZE" envDefault:"10000"`
}

// SQLiteConfig configures the SQLite sink.
type SQLiteConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"true"`
	Path    string `env:"PATH" envDefault:"data/bars.db"`
}

// GatewayConfig configures the WebSocket/REST gateway.
type GatewayConfig struct {
	Addr       string `env:"ADDR" envDefault:":8080"`
	ReplaySize int    `env:"REPLAY_SIZE" envDefault:"500"`
	// Embedded serves the gateway from mdengine itself, fed by the bus.
	Embedded   bool   `env:"EMBEDDED" envDefault:"false"`
}

// AlertConfig configures operational alert delivery. With neither a
// webhook nor Telegram configured, alerts are only logged.
type AlertConfig struct {
	WebhookURL    string        `env:"WEBHOOK_URL"`
	TelegramToken string        `env:"TELEGRAM_TOKEN"`
	TelegramChat  string        `env:"TELEGRAM_CHAT"`
	Cooldown      time.Duration `env:"COOLDOWN" envDefault:"5m"`
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom parses configuration from the given variables only.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the aggregator and pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.WindowMinutes == 0 {
		errs = append(errs, errors.New("OHLC_WINDOW_MINUTES must be > 0"))
	}
	if c.Engine.Shards <= 0 {
		errs = append(errs, errors.New("OHLC_SHARDS must be > 0"))
	}
	if c.Engine.SweepInterval < 0 {
		errs = append(errs, errors.New("OHLC_SWEEP_INTERVAL must not be negative"))
	}
	if c.Feed.ReplaySpeed < 0 {
		errs = append(errs, errors.New("FEED_REPLAY_SPEED must not be negative"))
	}
	switch c.Feed.Source {
	case SourceFile, SourceWS, SourceKafka:
	default:
		errs = append(errs, fmt.Errorf("FEED_SOURCE %q: want file, ws or kafka", c.Feed.Source))
	}
	if c.Feed.Source == SourceKafka && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("KAFKA_BROKERS and KAFKA_TOPIC are required for the kafka source"))
	}
	if (c.Alert.TelegramToken == "") != (c.Alert.TelegramChat == "") {
		errs = append(errs, errors.New("ALERT_TELEGRAM_TOKEN and ALERT_TELEGRAM_CHAT must be set together"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: %w", s, err)
	}
	return lvl, nil
}

// Level returns the configured slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	lvl, _ := ParseLevel(c.LogLevel)
	return lvl
}
