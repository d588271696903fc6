// Package rolling computes trailing time-window OHLC bars from bid/ask quotes.
//
// For every symbol the Aggregator keeps three deques over the same quote
// stream: the window itself (oldest first), a max-candidate deque whose prices
// are non-increasing front to back, and a min-candidate deque whose prices are
// non-decreasing. Each quote is pushed once and popped at most once from each
// deque, so an update is amortized O(1) regardless of how many quotes the
// window holds.
package rolling

import (
	"errors"
	"sort"
	"time"

	"ohlc-engine/internal/model"
	"ohlc-engine/internal/ringbuf"
)

const msPerMinute = 60_000

// ErrInvalidWindow is returned by New for a zero-length window.
var ErrInvalidWindow = errors.New("rolling: window must be at least one minute")

// point is one quote reduced to what the window needs: its time and midpoint.
type point struct {
	ts    uint64
	price float64
}

// series is the per-symbol state. The three deques are updated as one unit.
type series struct {
	window ringbuf.Deque[point]
	maxq   ringbuf.Deque[point]
	minq   ringbuf.Deque[point]

	last model.Bar // bar produced by the most recent update
	seen time.Time // wall-clock time of the most recent update
}

// Aggregator maintains a trailing OHLC window per symbol.
// It is not safe for concurrent use; see Sharded.
type Aggregator struct {
	windowMinutes uint
	windowMs      uint64
	symbols       map[string]*series
	now           func() time.Time
}

// New creates an Aggregator with a window of windowMinutes minutes.
func New(windowMinutes uint) (*Aggregator, error) {
	if windowMinutes == 0 {
		return nil, ErrInvalidWindow
	}
	return &Aggregator{
		windowMinutes: windowMinutes,
		windowMs:      uint64(windowMinutes) * msPerMinute,
		symbols:       make(map[string]*series),
		now:           time.Now,
	}, nil
}

// Window returns the configured window length.
func (a *Aggregator) Window() time.Duration {
	return time.Duration(a.windowMinutes) * time.Minute
}

// cutoff returns the oldest timestamp still inside the window ending at ts.
// Early timestamps saturate at 0 instead of wrapping around.
func (a *Aggregator) cutoff(ts uint64) uint64 {
	if ts < a.windowMs {
		return 0
	}
	return ts - a.windowMs
}

// Update folds one quote into the symbol's window and returns the OHLC of the
// window ending at ts. Quotes for a symbol are expected in non-decreasing ts
// order. A NaN price never compares true, so it cannot displace other
// candidates and only surfaces as high/low while it is the sole candidate.
func (a *Aggregator) Update(symbol string, ts uint64, bid, ask float64) model.OHLC {
	s, ok := a.symbols[symbol]
	if !ok {
		s = &series{}
		a.symbols[symbol] = s
	}

	p := point{ts: ts, price: (bid + ask) / 2}
	s.window.PushBack(p)
	s.seen = a.now()

	cut := a.cutoff(ts)
	evict(&s.window, cut)
	evict(&s.maxq, cut)
	evict(&s.minq, cut)

	// Equal prices are popped too: the newer quote outlives the older one.
	for back, ok := s.maxq.Back(); ok && back.price <= p.price; back, ok = s.maxq.Back() {
		s.maxq.PopBack()
	}
	s.maxq.PushBack(p)

	for back, ok := s.minq.Back(); ok && back.price >= p.price; back, ok = s.minq.Back() {
		s.minq.PopBack()
	}
	s.minq.PushBack(p)

	ohlc := s.ohlc()
	s.last = model.Bar{Symbol: symbol, TS: ts, OHLC: ohlc}
	return ohlc
}

// evict pops every entry older than cut from the front of d.
func evict(d *ringbuf.Deque[point], cut uint64) {
	for front, ok := d.Front(); ok && front.ts < cut; front, ok = d.Front() {
		d.PopFront()
	}
}

func (s *series) ohlc() model.OHLC {
	first, ok1 := s.window.Front()
	last, ok2 := s.window.Back()
	hi, ok3 := s.maxq.Front()
	lo, ok4 := s.minq.Front()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return model.OHLC{}
	}
	return model.OHLC{
		Open:  first.price,
		High:  hi.price,
		Low:   lo.price,
		Close: last.price,
	}
}

// Latest returns the bar produced by the most recent update for symbol.
func (a *Aggregator) Latest(symbol string) (model.Bar, bool) {
	s, ok := a.symbols[symbol]
	if !ok {
		return model.Bar{}, false
	}
	return s.last, true
}

// Depth reports the window, max-candidate and min-candidate queue lengths.
func (a *Aggregator) Depth(symbol string) (window, maxLen, minLen int, ok bool) {
	s, ok := a.symbols[symbol]
	if !ok {
		return 0, 0, 0, false
	}
	return s.window.Len(), s.maxq.Len(), s.minq.Len(), true
}

// Symbols returns the tracked symbols in sorted order.
func (a *Aggregator) Symbols() []string {
	out := make([]string, 0, len(a.symbols))
	for sym := range a.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of tracked symbols.
func (a *Aggregator) Len() int {
	return len(a.symbols)
}

// SweepIdle drops every symbol that has not been updated for longer than idle
// of wall-clock time and returns the number removed. Symbols advance on
// independent clocks, so idleness is judged by arrival time rather than by
// comparing one symbol's timestamps against another's. With idle at least the
// window length, a symbol is only dropped once its next quote, stamped at
// least idle later, would have evicted every entry it holds.
func (a *Aggregator) SweepIdle(idle time.Duration) int {
	cut := a.now().Add(-idle)
	removed := 0
	for sym, s := range a.symbols {
		if s.seen.Before(cut) {
			delete(a.symbols, sym)
			removed++
		}
	}
	return removed
}
