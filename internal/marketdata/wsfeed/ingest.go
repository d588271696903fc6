// Package wsfeed connects to a WebSocket quote server (e.g. cmd/quoteserver)
// and feeds quotes into the pipeline.
//
// Each text frame carries one quote record:
//
//	{"s":"EURUSD","T":1672531200000,"b":"1.1000","a":"1.1002"}
package wsfeed

import (
	"context"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"ohlc-engine/internal/feed"
	"ohlc-engine/internal/model"
)

// Config holds configuration for the WebSocket ingest.
type Config struct {
	// URL of the quote WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Ingest reads quote frames from a WebSocket and pushes model.Quote values
// into quoteCh, reconnecting with exponential backoff on disconnect.
type Ingest struct {
	cfg Config

	// Optional hooks
	OnConnect   func()
	OnReconnect func()
	OnMalformed func(err error)
}

// New creates a new Ingest. Returns an error if the URL is unparseable.
func New(cfg Config) (*Ingest, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &Ingest{cfg: cfg}, nil
}

// Start connects to the WebSocket and streams quotes into quoteCh.
// Blocks until ctx is cancelled. Reconnects automatically on disconnect.
func (ing *Ingest) Start(ctx context.Context, quoteCh chan<- model.Quote) error {
	delay := ing.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := ing.runOnce(ctx, quoteCh)
		if err == nil {
			return nil
		}
		if connected {
			delay = ing.cfg.ReconnectDelay
		}

		log.Printf("[wsfeed] disconnected (%v), reconnecting in %s...", err, delay)
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or ctx cancel.
// A nil error means ctx was cancelled.
func (ing *Ingest) runOnce(ctx context.Context, quoteCh chan<- model.Quote) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	defer conn.Close()

	log.Printf("[wsfeed] connected to %s", ing.cfg.URL)
	if ing.OnConnect != nil {
		ing.OnConnect()
	}

	// Async context watcher: closes the connection when ctx is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		q, err := feed.Decode(raw)
		if err != nil {
			log.Printf("[wsfeed] skipping malformed frame: %v (raw: %s)", err, raw)
			if ing.OnMalformed != nil {
				ing.OnMalformed(err)
			}
			continue
		}

		select {
		case quoteCh <- q:
		case <-ctx.Done():
			return true, nil
		}
	}
}
