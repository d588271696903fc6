package rolling

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"ohlc-engine/internal/model"
)

// shard owns a disjoint subset of symbols. One mutex guards all three deques
// of every symbol in the shard, so an update observes a consistent window.
type shard struct {
	mu  sync.Mutex
	agg *Aggregator
}

// Sharded is a concurrency-safe Aggregator. Symbols are partitioned across
// shards by hash, so updates for symbols on different shards never contend.
type Sharded struct {
	shards []*shard
	window time.Duration
}

// NewSharded creates a Sharded aggregator with n shards (minimum 1).
func NewSharded(windowMinutes uint, n int) (*Sharded, error) {
	if n < 1 {
		n = 1
	}
	s := &Sharded{shards: make([]*shard, n)}
	for i := range s.shards {
		agg, err := New(windowMinutes)
		if err != nil {
			return nil, err
		}
		s.shards[i] = &shard{agg: agg}
	}
	s.window = s.shards[0].agg.Window()
	return s, nil
}

func (s *Sharded) shardFor(symbol string) *shard {
	return s.shards[xxhash.Sum64String(symbol)%uint64(len(s.shards))]
}

// Window returns the configured window length.
func (s *Sharded) Window() time.Duration { return s.window }

// Shards returns the number of shards.
func (s *Sharded) Shards() int { return len(s.shards) }

// Update is the concurrency-safe form of Aggregator.Update.
func (s *Sharded) Update(symbol string, ts uint64, bid, ask float64) model.OHLC {
	sh := s.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.agg.Update(symbol, ts, bid, ask)
}

// Latest returns the most recent bar for symbol.
func (s *Sharded) Latest(symbol string) (model.Bar, bool) {
	sh := s.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.agg.Latest(symbol)
}

// Symbols returns all tracked symbols across shards, sorted.
func (s *Sharded) Symbols() []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		out = append(out, sh.agg.Symbols()...)
		sh.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked symbols across shards.
func (s *Sharded) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.agg.Len()
		sh.mu.Unlock()
	}
	return n
}

// SweepIdle runs Aggregator.SweepIdle on every shard and returns the total
// removed.
func (s *Sharded) SweepIdle(idle time.Duration) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		removed += sh.agg.SweepIdle(idle)
		sh.mu.Unlock()
	}
	return removed
}
