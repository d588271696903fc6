package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"ohlc-engine/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: a few hours of bars at typical quote rates
	StreamMaxLen     = 12000
	defaultLatestTTL = 30 * time.Minute
)

// Key helpers. Every bar is written to all three.
func LatestKey(symbol string) string { return "bar:latest:" + symbol }
func StreamKey(symbol string) string { return "bar:" + symbol }

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer writes bars to Redis: latest snapshot, capped stream and pub/sub.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := newClient(cfg.Addr, cfg.Password, cfg.DB)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

func newClient(addr, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Run reads bars from barCh and writes them to Redis directly.
// Use BufferedWriter.Run to put a circuit breaker in front.
// Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			if err := w.WriteBar(ctx, bar); err != nil {
				log.Printf("[redis] %v", err)
			}
		}
	}
}

// WriteBar performs pipelined SET + XADD + PUBLISH for one bar.
func (w *Writer) WriteBar(ctx context.Context, bar model.Bar) error {
	jsonData := string(bar.JSON())

	pipe := w.client.Pipeline()

	// SET latest bar with TTL
	pipe.Set(ctx, LatestKey(bar.Symbol), jsonData, defaultLatestTTL)

	// XADD to stream with auto-trimming
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(bar.Symbol),
		MaxLen: StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": jsonData,
		},
	})

	// PUBLISH to pubsub channel
	pipe.Publish(ctx, bar.Channel(), jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline error for %s@%d: %w", bar.Symbol, bar.TS, err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
