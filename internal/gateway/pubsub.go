package gateway

import (
	"context"
	"log"

	goredis "github.com/go-redis/redis/v8"

	"ohlc-engine/internal/model"
)

// barPattern matches every per-symbol bar channel.
const barPattern = "pub:bar:*"

// PubSubRouter subscribes to the engine's Redis bar channels and routes
// decoded bars to the hub. Used when the gateway runs as its own process.
type PubSubRouter struct {
	rdb *goredis.Client
	hub *Hub
}

// NewPubSubRouter creates a PubSubRouter feeding hub.
func NewPubSubRouter(rdb *goredis.Client, hub *Hub) *PubSubRouter {
	return &PubSubRouter{rdb: rdb, hub: hub}
}

// Run pattern-subscribes to pub:bar:* and routes messages.
// Blocks until ctx is cancelled.
func (r *PubSubRouter) Run(ctx context.Context) {
	pubsub := r.rdb.PSubscribe(ctx, barPattern)
	defer pubsub.Close()

	log.Printf("[gateway] psubscribed to %s", barPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.route(msg.Channel, msg.Payload)
		}
	}
}

// route decodes one payload and publishes it. Payloads whose symbol does not
// match the channel are dropped.
func (r *PubSubRouter) route(channel, payload string) bool {
	var bar model.Bar
	if err := bar.UnmarshalJSON([]byte(payload)); err != nil {
		log.Printf("[gateway] bad payload on %s: %v", channel, err)
		return false
	}
	if bar.Channel() != channel {
		log.Printf("[gateway] payload symbol %q does not match channel %s", bar.Symbol, channel)
		return false
	}
	r.hub.Publish(bar)
	return true
}
