package gateway

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxMessage    = 4096
)

// Client represents a single WebSocket peer.
// An empty subscription set means the client receives every symbol.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	subMu sync.RWMutex
	subs  map[string]struct{}
}

// controlMsg is any message a client may send.
type controlMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
	Ping    int64    `json:"ping"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		hub:  h,
		subs: make(map[string]struct{}),
	}
}

// wants reports whether a bar for symbol should be delivered.
func (c *Client) wants(symbol string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[symbol]
	return ok
}

// Subscriptions returns the subscribed symbols, sorted.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	c.subMu.RUnlock()
	sort.Strings(out)
	return out
}

// sendInitialState queues the latest bar of every symbol newer than afterTS.
func (c *Client) sendInitialState(afterTS uint64) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	now := time.Now().UTC()
	for _, entry := range c.hub.latest {
		if entry.Bar.TS <= afterTS && afterTS != 0 {
			continue
		}
		c.trySend(buildEnvelope(entry.Bar.Channel(), entry.Data, now, c.hub.seq, entry.Seq, true))
	}
}

// sendLatest queues the latest bar of each symbol, if known.
func (c *Client) sendLatest(symbols []string) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	now := time.Now().UTC()
	for _, s := range symbols {
		entry, ok := c.hub.latest[s]
		if !ok {
			continue
		}
		c.trySend(buildEnvelope(entry.Bar.Channel(), entry.Data, now, c.hub.seq, entry.Seq, true))
	}
}

func (c *Client) trySend(msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[gateway] marshal reply: %v", err)
		return
	}
	c.trySend(data)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Write coalescing: batch queued messages into a single
			// WebSocket frame with newline separators
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)

			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handle(raw)
	}
}

// handle processes one control message from the peer.
func (c *Client) handle(raw []byte) {
	var msg controlMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendJSON(map[string]string{"type": "error", "error": "invalid JSON"})
		return
	}

	switch msg.Type {
	case "SUBSCRIBE":
		if len(msg.Symbols) == 0 {
			c.sendJSON(map[string]string{"type": "error", "error": "symbols are required"})
			return
		}
		c.subMu.Lock()
		for _, s := range msg.Symbols {
			c.subs[s] = struct{}{}
		}
		c.subMu.Unlock()
		log.Printf("[gateway] client subscribed: %v", msg.Symbols)
		c.sendJSON(map[string]any{"type": "subscribed", "symbols": c.Subscriptions()})
		c.sendLatest(msg.Symbols)

	case "UNSUBSCRIBE":
		c.subMu.Lock()
		for _, s := range msg.Symbols {
			delete(c.subs, s)
		}
		c.subMu.Unlock()
		c.sendJSON(map[string]any{"type": "unsubscribed", "symbols": c.Subscriptions()})

	default:
		if msg.Ping > 0 {
			c.sendJSON(map[string]any{
				"type":      "pong",
				"ping":      msg.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			return
		}
		c.sendJSON(map[string]string{"type": "error", "error": "unknown message type"})
	}
}
