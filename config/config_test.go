package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, uint(5), cfg.Engine.WindowMinutes)
	assert.Equal(t, 16, cfg.Engine.Shards)
	assert.Equal(t, 30*time.Second, cfg.Engine.SweepInterval)
	assert.Equal(t, SourceFile, cfg.Feed.Source)
	assert.Equal(t, "data/quotes.txt", cfg.Feed.InputPath)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "quotes", cfg.Kafka.Topic)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "data/bars.db", cfg.SQLite.Path)
	assert.Equal(t, ":8080", cfg.Gateway.Addr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 5*time.Minute, cfg.Alert.Cooldown)
	assert.False(t, cfg.Gateway.Embedded)
	assert.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"OHLC_WINDOW_MINUTES": "15",
		"OHLC_SWEEP_INTERVAL": "1m",
		"FEED_SOURCE":         "kafka",
		"KAFKA_BROKERS":       "k1:9092,k2:9092",
		"REDIS_ENABLED":       "false",
		"LOG_LEVEL":           "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, uint(15), cfg.Engine.WindowMinutes)
	assert.Equal(t, time.Minute, cfg.Engine.SweepInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestLoadFrom_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"zero window":    {"OHLC_WINDOW_MINUTES": "0"},
		"negative shard": {"OHLC_SHARDS": "-1"},
		"unknown source": {"FEED_SOURCE": "carrier-pigeon"},
		"bad level":      {"LOG_LEVEL": "loud"},
		"not a number":   {"OHLC_WINDOW_MINUTES": "five"},
		"negative speed": {"FEED_REPLAY_SPEED": "-2"},
		"telegram chat":  {"ALERT_TELEGRAM_TOKEN": "abc"},
	}
	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(environ)
			assert.Error(t, err)
		})
	}
}
