package redis

import (
	"context"
	"errors"
	"log"
	"sync"

	"ohlc-engine/internal/model"
)

// BarWriter writes a single bar. *Writer implements it.
type BarWriter interface {
	WriteBar(ctx context.Context, bar model.Bar) error
}

// BufferedWriter wraps a BarWriter with a circuit breaker.
// During circuit-open state, writes are buffered locally and flushed
// when the circuit closes again.
type BufferedWriter struct {
	writer BarWriter
	cb     *CircuitBreaker
	ctx    context.Context

	mu     sync.Mutex
	buffer []model.Bar
	maxBuf int // max buffered writes before dropping oldest (default: 10000)

	// Callbacks
	OnBuffer func()          // called when a write is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedWriter creates a BufferedWriter wrapping the given writer.
func NewBufferedWriter(ctx context.Context, w BarWriter, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]model.Bar, 0, 256),
		maxBuf: maxBufferSize,
	}

	// Register flush on circuit close
	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}

	return bw
}

// WriteBar writes a bar through the circuit breaker.
// If the circuit is open, the write is buffered locally.
// Failed writes that do not trip the breaker are returned to the caller.
func (bw *BufferedWriter) WriteBar(bar model.Bar) error {
	err := bw.cb.Execute(func() error {
		return bw.writer.WriteBar(bw.ctx, bar)
	})
	if errors.Is(err, ErrCircuitOpen) {
		bw.bufferWrite(bar)
		return nil // buffered, not lost
	}
	return err
}

// Run reads bars from barCh and writes each through the breaker.
// Blocks until ctx is cancelled or barCh is closed.
func (bw *BufferedWriter) Run(ctx context.Context, barCh <-chan model.Bar) {
	for {
		select {
		case <-ctx.Done():
			return
		case bar, ok := <-barCh:
			if !ok {
				return
			}
			if err := bw.WriteBar(bar); err != nil {
				log.Printf("[buffered-writer] write %s@%d: %v", bar.Symbol, bar.TS, err)
			}
		}
	}
}

func (bw *BufferedWriter) bufferWrite(bar model.Bar) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.buffer) >= bw.maxBuf {
		// Buffer full, drop oldest
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, bar)

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays all buffered writes through the underlying writer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	// Take ownership of the buffer
	toFlush := bw.buffer
	bw.buffer = make([]model.Bar, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for _, bar := range toFlush {
		if err := bw.writer.WriteBar(bw.ctx, bar); err != nil {
			log.Printf("[buffered-writer] replay %s@%d: %v", bar.Symbol, bar.TS, err)
			continue
		}
		flushed++
	}

	log.Printf("[buffered-writer] flushed %d buffered writes", flushed)
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}
