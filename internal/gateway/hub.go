package gateway

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ohlc-engine/internal/model"
)

// Hub manages WebSocket clients and fans bars out to them.
// It acts as a compositor, delegating to focused components:
//   - Broadcaster: envelope construction + symbol-filtered fan-out
//   - PubSubRouter (optional): Redis subscription feeding Publish
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry // by symbol
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64

	// Per-channel replay buffers for gap backfill
	replayBufs map[string]*ReplayBuffer
	replaySize int

	// Quote-to-broadcast latency
	Latency *LatencyTracker

	Broadcaster *Broadcaster

	// Metrics hooks (optional, set before clients connect)
	OnClients func(n int)
	OnSent    func()
	OnDropped func()
}

type latestEntry struct {
	Bar  model.Bar
	Data []byte // encoded bar
	Seq  int64  // per-channel seq at the time it was published
}

// NewHub creates a Hub. replaySize bounds each channel's replay buffer.
func NewHub(replaySize int) *Hub {
	h := &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		replaySize:  replaySize,
		Latency:     NewLatencyTracker(10000),
	}
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// Publish records bar as its symbol's latest and sends it to every
// interested client.
func (h *Hub) Publish(bar model.Bar) {
	h.Broadcaster.Broadcast(bar)
}

// Run forwards bars from barCh to Publish until ctx is done or barCh closes.
func (h *Hub) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			h.Publish(bar)
		}
	}
}

// Register adds a new WebSocket connection and starts its pumps.
// Bars newer than afterTS (0 = all) are sent as the initial state.
func (h *Hub) Register(conn *websocket.Conn, afterTS uint64) *Client {
	client := newClient(h, conn)

	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	if h.OnClients != nil {
		h.OnClients(count)
	}

	client.sendInitialState(afterTS)
	go client.writePump()
	go client.readPump()
	return client
}

// RemoveClient removes a client from the hub and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	close(c.send)

	if h.OnClients != nil {
		h.OnClients(count)
	}
}

// Latest returns the most recent bar published for symbol.
func (h *Hub) Latest(symbol string) (model.Bar, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.latest[symbol]
	return e.Bar, ok
}

// Symbols returns every symbol that has published a bar, sorted.
func (h *Hub) Symbols() []string {
	h.mu.RLock()
	out := make([]string, 0, len(h.latest))
	for s := range h.latest {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// GetReplayRange returns buffered envelopes for a channel in [fromSeq, toSeq].
// Used by the /api/missed REST endpoint for client gap backfill.
func (h *Hub) GetReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, exists := h.replayBufs[channel]
	h.mu.RUnlock()
	if !exists {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	result := make([][]byte, len(entries))
	for i, e := range entries {
		result[i] = e.Data
	}
	return result
}

// GetChannelSeq returns the current sequence number for a channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats is the /api/stats payload.
type Stats struct {
	Clients    int     `json:"clients"`
	Symbols    int     `json:"symbols"`
	Seq        int64   `json:"seq"`
	LatencyP50 float64 `json:"latency_p50_ms"`
	LatencyP95 float64 `json:"latency_p95_ms"`
	LatencyP99 float64 `json:"latency_p99_ms"`
	UptimeSec  int64   `json:"uptime_sec"`
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats(start time.Time) Stats {
	h.mu.RLock()
	s := Stats{
		Clients:   len(h.clients),
		Symbols:   len(h.latest),
		Seq:       h.seq,
		UptimeSec: int64(time.Since(start).Seconds()),
	}
	h.mu.RUnlock()
	s.LatencyP50, s.LatencyP95, s.LatencyP99 = h.Latency.Percentiles()
	return s
}
