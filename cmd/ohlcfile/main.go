// cmd/ohlcfile — batch rolling-window OHLC over a quote file.
//
// Reads one quote record per line and writes one bar record per valid
// quote, in input order. Malformed lines are logged to stderr and skipped.
//
//	ohlcfile -in data/quotes.txt -out data/ohlc.txt -window 5
//
// "-" selects stdin / stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ohlc-engine/config"
	"ohlc-engine/internal/feed"
	"ohlc-engine/internal/logger"
	"ohlc-engine/internal/model"
	"ohlc-engine/internal/rolling"
)

func main() {
	in := flag.String("in", "data/quotes.txt", "input quote file (- for stdin)")
	out := flag.String("out", "data/ohlc.txt", "output bar file (- for stdout)")
	window := flag.Uint("window", 5, "window length in minutes")
	level := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	lvl, err := config.ParseLevel(*level)
	if err != nil {
		log.Fatalf("[ohlcfile] %v", err)
	}
	// Records may go to stdout; keep logs on stderr.
	log.SetOutput(os.Stderr)
	logger.InitWriter(os.Stderr, "ohlcfile", lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *in, *out, *window); err != nil {
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, inPath, outPath string, window uint) (err error) {
	roll, err := rolling.New(window)
	if err != nil {
		return err
	}

	src, closeIn, err := openInput(inPath)
	if err != nil {
		return err
	}
	defer closeIn()

	dst, closeOut, err := openOutput(outPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeOut(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", outPath, cerr)
		}
	}()

	start := time.Now()
	sink := feed.NewSink(dst)
	reader := feed.NewReader()
	st, err := reader.Each(ctx, src, func(q model.Quote) error {
		ohlc := roll.Update(q.Symbol, q.TS, q.Bid, q.Ask)
		return sink.Write(model.Bar{Symbol: q.Symbol, TS: q.TS, OHLC: ohlc})
	})
	if ferr := sink.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		return err
	}

	slog.Info("done",
		"lines", st.Lines,
		"quotes", st.Quotes,
		"malformed", st.Malformed,
		"symbols", roll.Len(),
		"elapsed", time.Since(start),
	)
	return nil
}

func noClose() error { return nil }

func openInput(path string) (io.Reader, func() error, error) {
	if path == "-" {
		return os.Stdin, noClose, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// openOutput returns the destination and a closer whose error the caller
// must report.
func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" {
		return os.Stdout, noClose, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
