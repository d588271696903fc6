package feed

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"

	"ohlc-engine/internal/model"
)

// maxLineSize bounds a single input record.
const maxLineSize = 1 << 20

// Stats summarises one pass over an input stream.
type Stats struct {
	Lines     int
	Quotes    int
	Malformed int
}

// Reader scans line-delimited quote records. Malformed records are logged,
// counted and skipped; they never stop the scan.
type Reader struct {
	// OnMalformed is called for each skipped record (optional, for metrics).
	OnMalformed func(line int, err error)
}

// NewReader creates a Reader.
func NewReader() *Reader {
	return &Reader{}
}

// Each decodes src line by line and calls fn for every valid quote, in order.
// It stops at EOF, on a read error, when ctx is done, or when fn returns an
// error, and returns that error.
func (r *Reader) Each(ctx context.Context, src io.Reader, fn func(model.Quote) error) (Stats, error) {
	var st Stats
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Lines++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		q, err := Decode(line)
		if err != nil {
			st.Malformed++
			slog.Warn("skipping malformed record",
				slog.Int("line", st.Lines),
				slog.String("error", err.Error()),
			)
			if r.OnMalformed != nil {
				r.OnMalformed(st.Lines, err)
			}
			continue
		}

		st.Quotes++
		if err := fn(q); err != nil {
			return st, err
		}
	}
	return st, sc.Err()
}

// Run is Each feeding a channel. Sends block until accepted or ctx is done.
func (r *Reader) Run(ctx context.Context, src io.Reader, out chan<- model.Quote) (Stats, error) {
	return r.Each(ctx, src, func(q model.Quote) error {
		select {
		case out <- q:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
