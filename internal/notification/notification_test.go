package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recorder) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got <- body
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "mdengine")
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "redis down", Message: "circuit open"})
	require.NoError(t, err)

	body := <-got
	assert.Equal(t, "CRITICAL", body["level"])
	assert.Equal(t, "redis down", body["title"])
	assert.Equal(t, "mdengine", body["service"])
	assert.NotEmpty(t, body["ts"])
}

func TestWebhookNotifier_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, "x").Send(context.Background(), Alert{Title: "t"})
	assert.ErrorContains(t, err, "unexpected status 502")
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `bar\.latest\_EURUSD \(5m\)`, escapeMarkdown("bar.latest_EURUSD (5m)"))
}

func TestDispatcher_CooldownSuppressesRepeats(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(time.Minute, rec)
	clock := time.Unix(0, 0)
	d.now = func() time.Time { return clock }

	assert.True(t, d.Notify(Alert{Title: "feed reconnect"}))
	assert.False(t, d.Notify(Alert{Title: "feed reconnect"}))
	assert.True(t, d.Notify(Alert{Title: "redis down"}))

	clock = clock.Add(2 * time.Minute)
	assert.True(t, d.Notify(Alert{Title: "feed reconnect"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	assert.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_ReportsBackendErrors(t *testing.T) {
	rec := &recorder{err: errors.New("boom")}
	d := NewDispatcher(0, rec)
	errs := make(chan error, 1)
	d.OnError = func(err error) { errs <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify(Alert{Title: "x"})
	select {
	case err := <-errs:
		assert.EqualError(t, err, "boom")
	case <-time.After(time.Second):
		t.Fatal("OnError not called")
	}
}
