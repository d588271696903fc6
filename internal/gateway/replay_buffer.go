package gateway

import (
	"sync"

	"ohlc-engine/internal/ringbuf"
)

// replayEntry holds a single broadcasted envelope for replay.
type replayEntry struct {
	Seq  int64
	Data []byte // pre-built envelope JSON
}

// ReplayBuffer keeps the most recent envelopes of one channel so a client
// that detects a channel_seq gap can backfill it over REST.
// Safe for concurrent use.
type ReplayBuffer struct {
	mu    sync.RWMutex
	ring  ringbuf.Deque[replayEntry]
	limit int
}

// NewReplayBuffer creates a replay buffer holding up to capacity envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{
		ring:  *ringbuf.New[replayEntry](capacity),
		limit: capacity,
	}
}

// Push appends an envelope, evicting the oldest once the buffer is full.
// Envelopes are immutable after broadcast, so data is stored without copying.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.ring.Len() >= rb.limit {
		rb.ring.PopFront()
	}
	rb.ring.PushBack(replayEntry{Seq: seq, Data: data})
}

// Range returns all entries with seq in [fromSeq, toSeq] (inclusive), in seq order.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var result []replayEntry
	for i := 0; i < rb.ring.Len(); i++ {
		e := rb.ring.At(i)
		if e.Seq > toSeq {
			break
		}
		if e.Seq >= fromSeq {
			result = append(result, e)
		}
	}
	return result
}

// Len returns the number of entries currently in the buffer.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.ring.Len()
}
