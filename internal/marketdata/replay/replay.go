// Package replay plays a recorded quote file back into the pipeline,
// optionally paced by the gaps between quote timestamps.
package replay

import (
	"context"
	"io"
	"log"
	"time"

	"ohlc-engine/internal/feed"
	"ohlc-engine/internal/model"
)

// maxGap caps a single scaled sleep so long pauses in a recording
// do not stall the replay.
const maxGap = 5 * time.Second

// Replayer reads line-delimited quotes and emits them at a configurable
// speed multiplier.
type Replayer struct {
	reader *feed.Reader
	speed  float64

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Replayer. speed controls the playback rate:
// 1.0 = real-time, 10.0 = 10x, 0 = as fast as possible.
func New(reader *feed.Reader, speed float64) *Replayer {
	if reader == nil {
		reader = feed.NewReader()
	}
	return &Replayer{reader: reader, speed: speed, sleep: sleepCtx}
}

// Run replays every valid quote from src into outCh in file order.
// Sends block; the function returns at EOF, on a read error, or when ctx is done.
func (r *Replayer) Run(ctx context.Context, src io.Reader, outCh chan<- model.Quote) (feed.Stats, error) {
	var prevTS uint64
	started := false
	start := time.Now()

	st, err := r.reader.Each(ctx, src, func(q model.Quote) error {
		// Simulate time gaps between quotes
		if r.speed > 0 && started && q.TS > prevTS {
			gap := time.Duration(q.TS-prevTS) * time.Millisecond
			scaled := time.Duration(float64(gap) / r.speed)
			if scaled > maxGap {
				scaled = maxGap
			}
			if err := r.sleep(ctx, scaled); err != nil {
				return err
			}
		}
		if !started || q.TS > prevTS {
			prevTS = q.TS
		}
		started = true

		select {
		case outCh <- q:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		log.Printf("[replay] stopped after %d quotes: %v", st.Quotes, err)
		return st, err
	}

	log.Printf("[replay] completed: %d quotes (%d malformed) in %s, speed=%.1fx",
		st.Quotes, st.Malformed, time.Since(start).Round(time.Millisecond), r.speed)
	return st, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
