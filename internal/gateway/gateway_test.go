package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ohlc-engine/internal/model"
)

type envelope struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         string          `json:"ts"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
	Initial    bool            `json:"initial"`
	Type       string          `json:"type"`
	Symbols    []string        `json:"symbols"`
	Ping       int64           `json:"ping"`
}

func bar(sym string, ts uint64, px float64) model.Bar {
	return model.Bar{Symbol: sym, TS: ts, OHLC: model.OHLC{Open: px, High: px, Low: px, Close: px}}
}

func TestBuildEnvelope(t *testing.T) {
	b := bar("EURUSD", 60000, 1.1)
	now := time.Date(2026, 2, 25, 10, 0, 1, 0, time.UTC)
	raw := buildEnvelope(b.Channel(), b.JSON(), now, 42, 7, true)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	assert.Equal(t, "pub:bar:EURUSD", env.Channel)
	assert.Equal(t, int64(42), env.Seq)
	assert.Equal(t, int64(7), env.ChannelSeq)
	assert.True(t, env.Initial)
	assert.Equal(t, "2026-02-25T10:00:01Z", env.TS)

	var got model.Bar
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, b, got)
}

func TestHub_PublishTracksLatestAndSequences(t *testing.T) {
	h := NewHub(3)
	for i := uint64(1); i <= 5; i++ {
		h.Publish(bar("EURUSD", i*1000, float64(i)))
	}
	h.Publish(bar("GBPUSD", 1000, 2))

	latest, ok := h.Latest("EURUSD")
	require.True(t, ok)
	assert.Equal(t, uint64(5000), latest.TS)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, h.Symbols())
	assert.Equal(t, int64(5), h.GetChannelSeq("pub:bar:EURUSD"))
	assert.Equal(t, int64(1), h.GetChannelSeq("pub:bar:GBPUSD"))

	// Replay buffer keeps the last 3 envelopes per channel.
	envs := h.GetReplayRange("pub:bar:EURUSD", 1, 5)
	require.Len(t, envs, 3)
	var first envelope
	require.NoError(t, json.Unmarshal(envs[0], &first))
	assert.Equal(t, int64(3), first.ChannelSeq)

	assert.Equal(t, int64(6), h.Stats(time.Now()).Seq)
}

// wsHarness runs the gateway routes on an httptest server.
type wsHarness struct {
	hub *Hub
	srv *httptest.Server
}

func newHarness(t *testing.T, history BarHistory) *wsHarness {
	t.Helper()
	hub := NewHub(100)
	mux := http.NewServeMux()
	RegisterRoutes(mux, hub, history, time.Now())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &wsHarness{hub: hub, srv: srv}
}

func (h *wsHarness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads the next envelope; coalesced frames carry several separated by '\n'.
type reader struct {
	conn    *websocket.Conn
	pending [][]byte
}

func (r *reader) next(t *testing.T) envelope {
	t.Helper()
	for len(r.pending) == 0 {
		r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := r.conn.ReadMessage()
		require.NoError(t, err)
		r.pending = bytes.Split(raw, []byte{'\n'})
	}
	msg := r.pending[0]
	r.pending = r.pending[1:]
	var env envelope
	require.NoError(t, json.Unmarshal(msg, &env), string(msg))
	return env
}

func TestWS_SubscribeFiltersBySymbol(t *testing.T) {
	h := newHarness(t, nil)
	h.hub.Publish(bar("EURUSD", 1000, 1.1))

	conn := h.dial(t, "?after=5000") // nothing newer than 5000 yet
	rd := &reader{conn: conn}

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "SUBSCRIBE", "symbols": []string{"EURUSD"}}))
	ack := rd.next(t)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, []string{"EURUSD"}, ack.Symbols)

	snap := rd.next(t)
	assert.True(t, snap.Initial)
	assert.Equal(t, "pub:bar:EURUSD", snap.Channel)

	// Round-trip a ping so the subscription is in place before publishing.
	require.NoError(t, conn.WriteJSON(map[string]any{"ping": 123}))
	pong := rd.next(t)
	assert.Equal(t, "pong", pong.Type)
	assert.Equal(t, int64(123), pong.Ping)

	h.hub.Publish(bar("EURUSD", 2000, 1.2))
	h.hub.Publish(bar("GBPUSD", 2000, 1.3))
	h.hub.Publish(bar("EURUSD", 3000, 1.4))

	a := rd.next(t)
	b := rd.next(t)
	assert.Equal(t, "pub:bar:EURUSD", a.Channel)
	assert.Equal(t, "pub:bar:EURUSD", b.Channel)
	assert.Equal(t, a.ChannelSeq+1, b.ChannelSeq)

	var got model.Bar
	require.NoError(t, json.Unmarshal(b.Data, &got))
	assert.Equal(t, uint64(3000), got.TS)
}

func TestWS_InitialStateAndUnsubscribedReceivesAll(t *testing.T) {
	h := newHarness(t, nil)
	h.hub.Publish(bar("EURUSD", 1000, 1.1))

	conn := h.dial(t, "")
	rd := &reader{conn: conn}

	initial := rd.next(t)
	assert.True(t, initial.Initial)
	assert.Equal(t, "pub:bar:EURUSD", initial.Channel)

	require.Eventually(t, func() bool { return h.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	h.hub.Publish(bar("XAUUSD", 2000, 2000))
	assert.Equal(t, "pub:bar:XAUUSD", rd.next(t).Channel)
}

func TestWS_BadControlMessages(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "")
	rd := &reader{conn: conn}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("nope")))
	assert.Equal(t, "error", rd.next(t).Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "SUBSCRIBE"}))
	assert.Equal(t, "error", rd.next(t).Type)
}

func TestWS_ClientRemovedOnClose(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "")
	require.Eventually(t, func() bool { return h.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type fakeHistory struct {
	bars map[string][]model.Bar
	err  error
}

func (f *fakeHistory) ReadBars(symbol string, afterTS uint64, limit int) ([]model.Bar, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []model.Bar{}
	for _, b := range f.bars[symbol] {
		if b.TS > afterTS && len(out) < limit {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeHistory) LatestBar(symbol string) (model.Bar, bool, error) {
	bs := f.bars[symbol]
	if len(bs) == 0 {
		return model.Bar{}, false, f.err
	}
	return bs[len(bs)-1], true, f.err
}

func (f *fakeHistory) Symbols() ([]string, error) {
	out := []string{}
	for s := range f.bars {
		out = append(out, s)
	}
	return out, f.err
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestREST_Endpoints(t *testing.T) {
	hist := &fakeHistory{bars: map[string][]model.Bar{
		"EURUSD": {bar("EURUSD", 1000, 1.1), bar("EURUSD", 2000, 1.2), bar("EURUSD", 3000, 1.3)},
		"USDJPY": {bar("USDJPY", 1000, 150)},
	}}
	h := newHarness(t, hist)
	h.hub.Publish(bar("GBPUSD", 5000, 1.25))

	var syms []string
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/symbols", &syms))
	assert.Equal(t, []string{"EURUSD", "GBPUSD", "USDJPY"}, syms)

	var latest model.Bar
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/latest?symbol=GBPUSD", &latest))
	assert.Equal(t, uint64(5000), latest.TS, "live bar from the hub")
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/latest?symbol=EURUSD", &latest))
	assert.Equal(t, uint64(3000), latest.TS, "falls back to stored bars")
	assert.Equal(t, http.StatusNotFound, getJSON(t, h.srv.URL+"/api/latest?symbol=NONE", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, h.srv.URL+"/api/latest", nil))

	var bars []model.Bar
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/bars?symbol=EURUSD&after=1000&limit=1", &bars))
	require.Len(t, bars, 1)
	assert.Equal(t, uint64(2000), bars[0].TS)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, h.srv.URL+"/api/bars?symbol=EURUSD&limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, h.srv.URL+"/api/bars?symbol=EURUSD&after=-1", nil))

	var missed []json.RawMessage
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/missed?symbol=GBPUSD&from=1", &missed))
	assert.Len(t, missed, 1)

	var stats Stats
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/stats", &stats))
	assert.Equal(t, 1, stats.Symbols)

	hist.err = errors.New("disk gone")
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, h.srv.URL+"/api/bars?symbol=EURUSD", nil))
}

func TestREST_NoHistory(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, h.srv.URL+"/api/bars?symbol=EURUSD", nil))

	var syms []string
	assert.Equal(t, http.StatusOK, getJSON(t, h.srv.URL+"/api/symbols", &syms))
	assert.Empty(t, syms)
}

func TestPubSubRouter_Route(t *testing.T) {
	hub := NewHub(10)
	r := NewPubSubRouter(nil, hub)

	b := bar("EURUSD", 1000, 1.1)
	assert.True(t, r.route("pub:bar:EURUSD", string(b.JSON())))
	got, ok := hub.Latest("EURUSD")
	require.True(t, ok)
	assert.Equal(t, b, got)

	assert.False(t, r.route("pub:bar:GBPUSD", string(b.JSON())), "symbol/channel mismatch")
	assert.False(t, r.route("pub:bar:EURUSD", "not json"))
}
