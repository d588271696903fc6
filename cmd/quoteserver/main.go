// cmd/quoteserver — Demo WebSocket quote server.
// Broadcasts simulated bid/ask quotes for running mdengine with
// FEED_SOURCE=ws and no real market connection.
//
// Frames use the input record format:
//
//	{"s":"EURUSD","T":1700000000000,"b":"1.10000","a":"1.10020"}
//
// Config (env vars):
//
//	QUOTE_SERVER_ADDR — listen address (default: ":9001")
//	QUOTE_SYMBOLS     — comma-separated SYMBOL:MID pairs (default: "EURUSD:1.1,GBPUSD:1.27,BTCUSDT:16500")
//	QUOTE_INTERVAL    — broadcast interval (default: "100ms")
//	QUOTE_SPREAD_BPS  — bid/ask spread in basis points (default: "2")
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/websocket"

	"ohlc-engine/internal/feed"
	"ohlc-engine/internal/model"
)

type serverConfig struct {
	Addr      string        `env:"QUOTE_SERVER_ADDR" envDefault:":9001"`
	Symbols   []string      `env:"QUOTE_SYMBOLS" envSeparator:"," envDefault:"EURUSD:1.1,GBPUSD:1.27,BTCUSDT:16500"`
	Interval  time.Duration `env:"QUOTE_INTERVAL" envDefault:"100ms"`
	SpreadBps float64       `env:"QUOTE_SPREAD_BPS" envDefault:"2"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Mid    float64
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop quote
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[quoteserver] upgrade error: %v", err)
			return
		}
		log.Printf("[quoteserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[quoteserver] client disconnected: %s", r.RemoteAddr)
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Quote generator ─────────────────────────────────────────────────────────

// walkPrice applies a small random walk (±0.05%) to the mid price.
func walkPrice(rng *rand.Rand, mid float64) float64 {
	pct := (rng.Float64()*0.1 - 0.05) / 100.0
	next := mid * (1 + pct)
	if next <= 0 {
		return mid
	}
	return next
}

func runGenerator(ctx context.Context, h *hub, instruments []instrument, interval time.Duration, spreadBps float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for i := range instruments {
				instruments[i].Mid = walkPrice(rng, instruments[i].Mid)
				half := instruments[i].Mid * spreadBps / 20000
				q := model.Quote{
					Symbol: instruments[i].Symbol,
					TS:     uint64(now.UnixMilli()),
					Bid:    instruments[i].Mid - half,
					Ask:    instruments[i].Mid + half,
				}
				b, err := feed.EncodeQuote(q, 5)
				if err != nil {
					continue
				}
				h.broadcast(b)
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[quoteserver] starting demo quote server...")

	var cfg serverConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("[quoteserver] config: %v", err)
	}
	if cfg.Interval <= 0 {
		log.Fatalf("[quoteserver] QUOTE_INTERVAL must be positive")
	}

	instruments := parseInstruments(cfg.Symbols)
	if len(instruments) == 0 {
		log.Fatalf("[quoteserver] no instruments configured via QUOTE_SYMBOLS")
	}
	log.Printf("[quoteserver] instruments: %+v", instruments)
	log.Printf("[quoteserver] broadcast interval: %s", cfg.Interval)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h := newHub()
	go runGenerator(ctx, h, instruments, cfg.Interval, cfg.SpreadBps)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"quoteserver"}`)
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Printf("[quoteserver] ✅ listening on %s  (WebSocket: ws://localhost%s/ws)", cfg.Addr, cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[quoteserver] server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(specs []string) []instrument {
	var result []instrument
	for _, part := range specs {
		part = strings.TrimSpace(part)
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Printf("[quoteserver] skipping invalid symbol spec: %q", part)
			continue
		}
		mid, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || mid <= 0 {
			log.Printf("[quoteserver] skipping %q: bad mid price", part)
			continue
		}
		result = append(result, instrument{Symbol: strings.TrimSpace(seg[0]), Mid: mid})
	}
	return result
}
