package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlc-engine/internal/model"
)

func quoteServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestIngest_StreamsQuotesAndSkipsMalformed(t *testing.T) {
	srv := quoteServer(t, []string{
		`{"s":"EURUSD","T":0,"b":"1.1000","a":"1.1002"}`,
		`garbage`,
		`{"s":"EURUSD","T":60000,"b":"1.1010","a":"1.1012"}`,
	})
	defer srv.Close()

	ing, err := New(Config{URL: wsURL(srv)})
	require.NoError(t, err)
	var malformed atomic.Int32
	ing.OnMalformed = func(error) { malformed.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	quoteCh := make(chan model.Quote, 4)
	done := make(chan error, 1)
	go func() { done <- ing.Start(ctx, quoteCh) }()

	var got []model.Quote
	for len(got) < 2 {
		select {
		case q := <-quoteCh:
			got = append(got, q)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d quotes", len(got))
		}
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	assert.Equal(t, uint64(60000), got[1].TS)
	assert.InDelta(t, 1.1010, got[1].Bid, 1e-12)
	assert.Equal(t, int32(1), malformed.Load())
}

func TestIngest_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"A","T":1,"b":1,"a":1}`))
		conn.Close() // drop immediately
	}))
	defer srv.Close()

	ing, err := New(Config{URL: wsURL(srv), ReconnectDelay: 10 * time.Millisecond, MaxReconnectDelay: 20 * time.Millisecond})
	require.NoError(t, err)
	var reconnects atomic.Int32
	ing.OnReconnect = func() { reconnects.Add(1) }

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	quoteCh := make(chan model.Quote, 16)
	go ing.Start(ctx, quoteCh)

	for i := 0; i < 2; i++ {
		select {
		case <-quoteCh:
		case <-ctx.Done():
			t.Fatal("timed out waiting for quotes across reconnects")
		}
	}
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	assert.GreaterOrEqual(t, reconnects.Load(), int32(1))
}
