package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ohlc-engine/config"
	"ohlc-engine/internal/gateway"
	"ohlc-engine/internal/logger"
	"ohlc-engine/internal/metrics"
	"ohlc-engine/internal/model"
	redisstore "ohlc-engine/internal/store/redis"
	sqlitestore "ohlc-engine/internal/store/sqlite"
)

var processStart = time.Now()

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[gateway] starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[gateway] config: %v", err)
	}
	logger.Init("gateway", cfg.Level())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Live bars arrive over Redis pub/sub from mdengine.
	rr, err := redisstore.NewReader(redisstore.ReaderConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	if err != nil {
		log.Fatalf("[gateway] redis connection failed: %v", err)
	}
	defer rr.Close()

	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus(cfg.Engine.WindowMinutes)
	health.Require(false, true, false)
	health.SetRedisConnected(true)
	health.StartLivenessChecker(ctx, rr.Client(), nil, 10*time.Second)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, nil)
	metricsSrv.Start()

	hub := gateway.NewHub(cfg.Gateway.ReplaySize)
	hub.OnClients = func(n int) { prom.GatewayClients.Set(float64(n)) }
	hub.OnSent = prom.GatewayMessagesSent.Inc
	hub.OnDropped = prom.GatewayDropped.Inc

	router := gateway.NewPubSubRouter(rr.Client(), hub)
	go router.Run(ctx)

	// History: SQLite when the database is reachable on this host,
	// otherwise the capped Redis streams.
	var history gateway.BarHistory = redisHistory{r: rr}
	if cfg.SQLite.Enabled {
		if _, err := os.Stat(cfg.SQLite.Path); err == nil {
			sr, err := sqlitestore.NewReader(cfg.SQLite.Path)
			if err != nil {
				log.Printf("[gateway] WARNING: sqlite history unavailable: %v (using redis streams)", err)
			} else {
				defer sr.Close()
				history = sr
				log.Printf("[gateway] serving history from %s", cfg.SQLite.Path)
			}
		}
	}

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, hub, history, processStart)
	srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Printf("[gateway] ✅ serving at http://localhost%s", cfg.Gateway.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[gateway] server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[gateway] shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
}

// redisHistory serves the REST history endpoints from the Redis keys
// mdengine maintains. Only the capped stream tail is reachable.
type redisHistory struct {
	r *redisstore.Reader
}

const redisTimeout = 2 * time.Second

func (h redisHistory) ReadBars(symbol string, afterTS uint64, limit int) ([]model.Bar, error) {
	if limit <= 0 || limit > redisstore.StreamMaxLen {
		limit = redisstore.StreamMaxLen
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	bars, err := h.r.RecentBars(ctx, symbol, redisstore.StreamMaxLen)
	if err != nil {
		return nil, err
	}
	out := make([]model.Bar, 0, limit)
	for _, b := range bars {
		if b.TS <= afterTS {
			continue
		}
		out = append(out, b)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (h redisHistory) LatestBar(symbol string) (model.Bar, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return h.r.LatestBar(ctx, symbol)
}

func (h redisHistory) Symbols() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return h.r.Symbols(ctx)
}
