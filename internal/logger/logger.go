// Package logger installs the process-wide JSON logger and tags log lines
// with the quote they concern.
//
// Every binary calls Init (or InitWriter) once at startup. The returned logger
// also becomes the slog default, which the standard log package forwards to,
// so the "[component] ..." lines written with log.Printf land in the same
// JSON stream as slog records.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
)

// Init installs a JSON logger on stdout tagged with service.
func Init(service string, level slog.Level) *slog.Logger {
	return InitWriter(os.Stdout, service, level)
}

// InitWriter installs a JSON logger writing to w. Batch tools pass os.Stderr
// so stdout stays free for output records.
func InitWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).
		With(slog.String("service", service))
	slog.SetDefault(l)
	return l
}

type quoteKey struct{}

type quoteRef struct {
	symbol string
	ts     uint64
}

// WithQuote returns a context that identifies the quote being handled.
func WithQuote(ctx context.Context, symbol string, ts uint64) context.Context {
	return context.WithValue(ctx, quoteKey{}, quoteRef{symbol: symbol, ts: ts})
}

// TraceID is the "SYMBOL-TS" identifier of the quote in ctx, or "".
// A symbol and timestamp pair names one input record, so the ID joins log
// lines about the same quote across stages.
func TraceID(ctx context.Context) string {
	ref, ok := ctx.Value(quoteKey{}).(quoteRef)
	if !ok {
		return ""
	}
	return ref.symbol + "-" + strconv.FormatUint(ref.ts, 10)
}

// Attrs returns trace_id, symbol and ts attributes for the quote in ctx, or
// nil when ctx carries none:
//
//	slog.Debug("quote", logger.Attrs(ctx)...)
func Attrs(ctx context.Context) []any {
	ref, ok := ctx.Value(quoteKey{}).(quoteRef)
	if !ok {
		return nil
	}
	return []any{
		slog.String("trace_id", TraceID(ctx)),
		slog.String("symbol", ref.symbol),
		slog.Uint64("ts", ref.ts),
	}
}
