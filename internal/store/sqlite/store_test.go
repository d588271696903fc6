package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlc-engine/internal/model"
)

func bar(sym string, ts uint64, o, h, l, c float64) model.Bar {
	return model.Bar{Symbol: sym, TS: ts, OHLC: model.OHLC{Open: o, High: h, Low: l, Close: c}}
}

func TestWriterReader_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := New(WriterConfig{DBPath: path, BatchSize: 2, FlushDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	var mu sync.Mutex
	committed := 0
	w.OnCommit = func(n int, _ time.Duration, err error) {
		require.NoError(t, err)
		mu.Lock()
		committed += n
		mu.Unlock()
	}

	ch := make(chan model.Bar, 8)
	ch <- bar("EURUSD", 0, 1.1001, 1.1001, 1.1001, 1.1001)
	ch <- bar("EURUSD", 60000, 1.1001, 1.1011, 1.1001, 1.1011)
	ch <- bar("GBPUSD", 60000, 1.25, 1.25, 1.25, 1.25)
	ch <- bar("EURUSD", 120000, 1.1001, 1.1011, 1.0991, 1.0991)
	ch <- bar("EURUSD", 120000, 1.1001, 1.1011, 1.0981, 1.0981) // same key, replaces
	close(ch)
	w.Run(context.Background(), ch)

	mu.Lock()
	assert.Equal(t, 5, committed)
	mu.Unlock()

	last, err := w.LastTimestamp("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, uint64(120000), last)

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	bars, err := r.ReadBars("EURUSD", 0, 10)
	require.NoError(t, err)
	require.Len(t, bars, 2, "ts > after is exclusive")
	assert.Equal(t, uint64(60000), bars[0].TS)
	assert.Equal(t, 1.0981, bars[1].Low)

	latest, ok, err := r.LatestBar("EURUSD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bar("EURUSD", 120000, 1.1001, 1.1011, 1.0981, 1.0981), latest)

	syms, err := r.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, syms)
}

func TestReader_EmptyAndLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.LatestBar("NONE")
	require.NoError(t, err)
	assert.False(t, ok)

	bars, err := r.ReadBars("NONE", 0, -1)
	require.NoError(t, err)
	assert.NotNil(t, bars)
	assert.Empty(t, bars)

	w, err := New(WriterConfig{DBPath: path})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.insertBatch([]model.Bar{
		bar("A", 1, 1, 1, 1, 1),
		bar("A", 2, 1, 1, 1, 1),
		bar("A", 3, 1, 1, 1, 1),
	}))

	bars, err = r.ReadBars("A", 1, 1)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, uint64(2), bars[0].TS)
}

func TestWriter_FlushesOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	w, err := New(WriterConfig{DBPath: path, BatchSize: 100, FlushDelay: time.Hour})
	require.NoError(t, err)
	defer w.Close()

	ch := make(chan model.Bar, 1)
	ch <- bar("A", 5, 1, 1, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, ch)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	last, err := w.LastTimestamp("A")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)
}
