package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"ohlc-engine/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

const defaultBarsLimit = 500

// BarHistory serves stored bars. The SQLite reader implements it.
type BarHistory interface {
	ReadBars(symbol string, afterTS uint64, limit int) ([]model.Bar, error)
	LatestBar(symbol string) (model.Bar, bool, error)
	Symbols() ([]string, error)
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// parseUint parses an optional unsigned query parameter.
func parseUint(r *http.Request, name string) (uint64, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return v, err == nil
}

// RegisterRoutes registers all HTTP routes on the provided mux.
// history may be nil; the REST API then serves the hub's in-memory state only.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, history BarHistory, processStart time.Time) {
	// WebSocket endpoint; ?after=<ms> limits the initial state to newer bars
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		after, ok := parseUint(r, "after")
		if !ok {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade error: %v", err)
			return
		}
		hub.Register(conn, after)
	})

	// REST: known symbols (live and stored)
	mux.HandleFunc("/api/symbols", func(w http.ResponseWriter, r *http.Request) {
		seen := make(map[string]struct{})
		for _, s := range hub.Symbols() {
			seen[s] = struct{}{}
		}
		if history != nil {
			stored, err := history.Symbols()
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			for _, s := range stored {
				seen[s] = struct{}{}
			}
		}
		out := make([]string, 0, len(seen))
		for s := range seen {
			out = append(out, s)
		}
		sort.Strings(out)
		writeJSON(w, http.StatusOK, out)
	})

	// REST: latest bar for a symbol, live first then stored
	mux.HandleFunc("/api/latest", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "symbol is required")
			return
		}
		if bar, ok := hub.Latest(symbol); ok {
			writeJSON(w, http.StatusOK, bar)
			return
		}
		if history != nil {
			bar, ok, err := history.LatestBar(symbol)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if ok {
				writeJSON(w, http.StatusOK, bar)
				return
			}
		}
		writeError(w, http.StatusNotFound, "no bars for "+symbol)
	})

	// REST: stored bars with ts > after, oldest first
	mux.HandleFunc("/api/bars", func(w http.ResponseWriter, r *http.Request) {
		if history == nil {
			writeError(w, http.StatusServiceUnavailable, "history store not configured")
			return
		}
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "symbol is required")
			return
		}
		after, ok := parseUint(r, "after")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		limit := defaultBarsLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			l, err := strconv.Atoi(s)
			if err != nil || l <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = l
		}
		bars, err := history.ReadBars(symbol, after, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, bars)
	})

	// REST: replay envelopes a client missed, by channel_seq range
	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		from, okFrom := parseUint(r, "from")
		to, okTo := parseUint(r, "to")
		if symbol == "" || !okFrom || !okTo {
			writeError(w, http.StatusBadRequest, "symbol, from and to are required")
			return
		}
		channel := model.BarChannel(symbol)
		if to == 0 {
			to = uint64(hub.GetChannelSeq(channel))
		}
		envs := hub.GetReplayRange(channel, int64(from), int64(to))
		out := make([]json.RawMessage, len(envs))
		for i, e := range envs {
			out[i] = e
		}
		writeJSON(w, http.StatusOK, out)
	})

	// REST: hub counters and broadcast latency
	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Stats(processStart))
	})

	// Health endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"ws_clients": hub.ClientCount(),
			"uptime_sec": int64(time.Since(processStart).Seconds()),
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
