// Package agg runs the rolling-window aggregator as a pipeline stage:
// quotes in, one bar out per quote.
package agg

import (
	"context"
	"log"
	"time"

	"ohlc-engine/internal/model"
)

// Updater is the rolling aggregator seen by the stage.
// Both rolling.Aggregator and rolling.Sharded satisfy it.
type Updater interface {
	Update(symbol string, ts uint64, bid, ask float64) model.OHLC
	SweepIdle(idle time.Duration) int
	Len() int
	Window() time.Duration
}

// Stage consumes quotes in a single goroutine and emits the trailing-window
// bar for each one, in arrival order.
type Stage struct {
	roll          Updater
	sweepInterval time.Duration

	// Metrics hooks (optional, set externally)
	OnBar    func(b model.Bar, took time.Duration)
	OnSweep  func(evicted, remaining int)
	OnQuote  func(q model.Quote)
	OnClosed func()
}

// New creates a Stage. A zero sweepInterval disables idle-symbol sweeping.
func New(roll Updater, sweepInterval time.Duration) *Stage {
	return &Stage{
		roll:          roll,
		sweepInterval: sweepInterval,
	}
}

// Run reads quotes from quoteCh and sends one bar per quote to barCh.
// Sends block so no bar is lost; backpressure propagates to the source.
// Blocks until ctx is cancelled or quoteCh is closed.
func (s *Stage) Run(ctx context.Context, quoteCh <-chan model.Quote, barCh chan<- model.Bar) {
	var sweep <-chan time.Time
	if s.sweepInterval > 0 {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}
	defer func() {
		if s.OnClosed != nil {
			s.OnClosed()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case q, ok := <-quoteCh:
			if !ok {
				return
			}
			bar := s.process(q)
			select {
			case barCh <- bar:
			case <-ctx.Done():
				return
			}

		case <-sweep:
			s.sweep()
		}
	}
}

// process folds one quote into the aggregator and builds its bar.
func (s *Stage) process(q model.Quote) model.Bar {
	if s.OnQuote != nil {
		s.OnQuote(q)
	}

	start := time.Now()
	ohlc := s.roll.Update(q.Symbol, q.TS, q.Bid, q.Ask)
	bar := model.Bar{Symbol: q.Symbol, TS: q.TS, OHLC: ohlc}
	if s.OnBar != nil {
		s.OnBar(bar, time.Since(start))
	}
	return bar
}

// sweep drops symbols that received no quote for a whole window.
func (s *Stage) sweep() {
	evicted := s.roll.SweepIdle(s.roll.Window())
	remaining := s.roll.Len()
	if evicted > 0 {
		log.Printf("[agg] swept %d idle symbols, %d active", evicted, remaining)
	}
	if s.OnSweep != nil {
		s.OnSweep(evicted, remaining)
	}
}
