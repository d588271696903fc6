package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"ohlc-engine/internal/model"
)

// Sink writes bar records, one per line, through a buffered writer.
// Call Flush before the underlying writer is closed.
type Sink struct {
	w       *bufio.Writer
	written int
}

// NewSink wraps dst.
func NewSink(dst io.Writer) *Sink {
	return &Sink{w: bufio.NewWriterSize(dst, 64*1024)}
}

// Write appends one bar record.
func (s *Sink) Write(b model.Bar) error {
	line, err := Encode(b)
	if err != nil {
		return fmt.Errorf("feed: encode %s: %w", b.Symbol, err)
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("feed: write: %w", err)
	}
	s.written++
	return nil
}

// Written returns the number of records written so far.
func (s *Sink) Written() int { return s.written }

// Flush writes any buffered records to the underlying writer.
func (s *Sink) Flush() error {
	return s.w.Flush()
}

// Run writes every bar received on in until in is closed or ctx is done,
// then flushes.
func (s *Sink) Run(ctx context.Context, in <-chan model.Bar) error {
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				return err
			}
			return ctx.Err()
		case b, ok := <-in:
			if !ok {
				return s.Flush()
			}
			if err := s.Write(b); err != nil {
				return err
			}
		}
	}
}
