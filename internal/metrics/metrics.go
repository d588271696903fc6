package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the OHLC engine.
type Metrics struct {
	QuotesTotal     prometheus.Counter
	MalformedTotal  *prometheus.CounterVec // labels: source
	BarsTotal       prometheus.Counter
	UpdateDur       prometheus.Histogram
	BarLag          prometheus.Gauge
	ActiveSymbols   prometheus.Gauge
	SweptSymbols    prometheus.Counter
	FeedReconnects  prometheus.Counter
	SQLiteCommitDur prometheus.Histogram
	SQLiteErrors    prometheus.Counter

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	RedisWriteDur            prometheus.Histogram

	// Gateway
	GatewayClients      prometheus.Gauge
	GatewayMessagesSent prometheus.Counter
	GatewayDropped      prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	fastBuckets := []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001}

	m := &Metrics{
		QuotesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlc_quotes_total",
			Help: "Total quotes accepted by the aggregator",
		}),
		MalformedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlc_malformed_records_total",
			Help: "Input records skipped because they failed to decode",
		}, []string{"source"}),
		BarsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlc_bars_total",
			Help: "Total rolling bars emitted",
		}),
		UpdateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohlc_update_duration_seconds",
			Help:    "Aggregator update latency per quote",
			Buckets: fastBuckets,
		}),
		BarLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlc_bar_lag_seconds",
			Help: "Lag between the quote timestamp and bar emission time",
		}),
		ActiveSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlc_active_symbols",
			Help: "Symbols currently holding window state",
		}),
		SweptSymbols: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlc_swept_symbols_total",
			Help: "Idle symbols dropped from the aggregator",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlc_feed_reconnects_total",
			Help: "Total quote feed reconnection attempts",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohlc_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlc_sqlite_commit_errors_total",
			Help: "SQLite batches that failed to commit",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlc_fanout_drops_total",
			Help: "Bars dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ohlc_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlc_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlc_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlc_redis_buffered_writes_total",
			Help: "Writes buffered locally during Redis circuit breaker open state",
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ohlc_redis_write_duration_seconds",
			Help:    "Redis pipeline latency per bar",
			Buckets: prometheus.DefBuckets,
		}),

		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlc_gateway_clients",
			Help: "Connected WebSocket clients",
		}),
		GatewayMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlc_gateway_messages_sent_total",
			Help: "Bar messages delivered to WebSocket clients",
		}),
		GatewayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlc_gateway_dropped_total",
			Help: "Bar messages dropped for slow WebSocket clients",
		}),
	}

	reg.MustRegister(
		m.QuotesTotal,
		m.MalformedTotal,
		m.BarsTotal,
		m.UpdateDur,
		m.BarLag,
		m.ActiveSymbols,
		m.SweptSymbols,
		m.FeedReconnects,
		m.SQLiteCommitDur,
		m.SQLiteErrors,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.RedisWriteDur,
		m.GatewayClients,
		m.GatewayMessagesSent,
		m.GatewayDropped,
	)

	return m
}

// HealthStatus represents the system health.
// Only dependencies marked as required count against overall status.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastQuoteTime  time.Time `json:"last_quote_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	ActiveSymbols  int       `json:"active_symbols"`
	WindowMinutes  uint      `json:"window_minutes"`

	needFeed, needRedis, needSQLite bool

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(windowMinutes uint) *HealthStatus {
	return &HealthStatus{
		WindowMinutes: windowMinutes,
		StartedAt:     time.Now(),
	}
}

// Require marks which dependencies the process runs with.
func (h *HealthStatus) Require(feed, redis, sqlite bool) {
	h.mu.Lock()
	h.needFeed, h.needRedis, h.needSQLite = feed, redis, sqlite
	h.mu.Unlock()
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastQuoteTime(t time.Time) {
	h.mu.Lock()
	h.LastQuoteTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveSymbols(n int) {
	h.mu.Lock()
	h.ActiveSymbols = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil dependencies are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	down := 0
	required := 0
	for _, dep := range []struct{ need, ok bool }{
		{h.needFeed, h.FeedConnected},
		{h.needRedis, h.RedisConnected},
		{h.needSQLite, h.SQLiteOK},
	} {
		if !dep.need {
			continue
		}
		required++
		if !dep.ok {
			down++
		}
	}

	// A live feed that has been silent for a whole window produces no bars.
	stale := h.needFeed && !h.LastQuoteTime.IsZero() &&
		time.Since(h.LastQuoteTime) > time.Duration(h.WindowMinutes)*time.Minute

	overallStatus := "healthy"
	httpCode := http.StatusOK
	switch {
	case down > 0 && down == required:
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	case down > 0 || stale:
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	quoteAge := ""
	lastQuote := ""
	if !h.LastQuoteTime.IsZero() {
		quoteAge = time.Since(h.LastQuoteTime).Round(time.Millisecond).String()
		lastQuote = h.LastQuoteTime.Format(time.RFC3339)
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastQuoteTime   string  `json:"last_quote_time"`
		QuoteAge        string  `json:"quote_age"`
		QuoteStale      bool    `json:"quote_stale"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		ActiveSymbols   int     `json:"active_symbols"`
		WindowMinutes   uint    `json:"window_minutes"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastQuoteTime:   lastQuote,
		QuoteAge:        quoteAge,
		QuoteStale:      stale,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		ActiveSymbols:   h.ActiveSymbols,
		WindowMinutes:   h.WindowMinutes,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server. gatherer may be nil to
// expose the default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
