package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"ohlc-engine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// Reader serves recent bars from the keys Writer maintains, and hands out
// pub/sub subscriptions for live bars.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a new Redis Reader and pings the server.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	client := newClient(cfg.Addr, cfg.Password, cfg.DB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &Reader{client: client}, nil
}

// Client returns the underlying Redis client for health checks and pub/sub.
func (r *Reader) Client() *goredis.Client { return r.client }

// LatestBar returns the bar stored under bar:latest:<symbol>.
// ok is false when the key is missing or expired.
func (r *Reader) LatestBar(ctx context.Context, symbol string) (model.Bar, bool, error) {
	raw, err := r.client.Get(ctx, LatestKey(symbol)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return model.Bar{}, false, nil
	}
	if err != nil {
		return model.Bar{}, false, fmt.Errorf("redis GET %s: %w", LatestKey(symbol), err)
	}
	var b model.Bar
	if err := b.UnmarshalJSON(raw); err != nil {
		return model.Bar{}, false, fmt.Errorf("decode latest %s: %w", symbol, err)
	}
	return b, true, nil
}

// RecentBars returns up to count of the newest bars from the symbol's
// stream, oldest first.
func (r *Reader) RecentBars(ctx context.Context, symbol string, count int64) ([]model.Bar, error) {
	msgs, err := r.client.XRevRangeN(ctx, StreamKey(symbol), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", StreamKey(symbol), err)
	}
	bars := make([]model.Bar, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		b, err := decodeStreamValue(msgs[i].Values)
		if err != nil {
			log.Printf("[redis-reader] skip entry %s in %s: %v", msgs[i].ID, StreamKey(symbol), err)
			continue
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// Symbols lists every symbol with an unexpired latest-bar key, sorted.
func (r *Reader) Symbols(ctx context.Context) ([]string, error) {
	prefix := LatestKey("")
	var out []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN %s*: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

func decodeStreamValue(values map[string]interface{}) (model.Bar, error) {
	var b model.Bar
	raw, ok := values["data"]
	if !ok {
		return b, errors.New("missing data field")
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return b, fmt.Errorf("unexpected data type %T", raw)
	}
	err := b.UnmarshalJSON(data)
	return b, err
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.client.Close()
}
