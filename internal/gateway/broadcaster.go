package gateway

import (
	"strconv"
	"time"

	"ohlc-engine/internal/model"
)

// Broadcaster constructs envelope JSON and sends filtered messages to clients.
type Broadcaster struct {
	hub *Hub
	now func() time.Time
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub, now: time.Now}
}

// Broadcast sends bar to every client subscribed to its symbol.
// The envelope is built by hand; it carries a global seq and a per-channel
// channel_seq for client-side gap detection.
func (b *Broadcaster) Broadcast(bar model.Bar) {
	now := b.now().UTC()
	if ms := now.UnixMilli(); ms >= int64(bar.TS) {
		b.hub.Latency.Record(float64(ms - int64(bar.TS)))
	}

	channel := bar.Channel()
	data := bar.JSON()

	h := b.hub
	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.latest[bar.Symbol] = latestEntry{Bar: bar, Data: data, Seq: channelSeq}
	h.seq++
	seq := h.seq
	rb, exists := h.replayBufs[channel]
	if !exists {
		rb = NewReplayBuffer(h.replaySize)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	env := buildEnvelope(channel, data, now, seq, channelSeq, false)
	rb.Push(channelSeq, env)

	// Fan out to subscribed clients
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(bar.Symbol) {
			continue
		}
		select {
		case client.send <- env:
			if h.OnSent != nil {
				h.OnSent()
			}
		default:
			if h.OnDropped != nil {
				h.OnDropped()
			}
		}
	}
}

// buildEnvelope renders
// {"channel":..,"data":..,"ts":..,"seq":..,"channel_seq":..[,"initial":true]}.
func buildEnvelope(channel string, data []byte, now time.Time, seq, channelSeq int64, initial bool) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+128)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	if initial {
		buf = append(buf, `,"initial":true`...)
	}
	buf = append(buf, '}')
	return buf
}
