package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"ohlc-engine/config"
	"ohlc-engine/internal/feed"
	"ohlc-engine/internal/gateway"
	"ohlc-engine/internal/logger"
	"ohlc-engine/internal/marketdata/agg"
	"ohlc-engine/internal/marketdata/bus"
	"ohlc-engine/internal/marketdata/kafkafeed"
	"ohlc-engine/internal/marketdata/replay"
	"ohlc-engine/internal/marketdata/wsfeed"
	"ohlc-engine/internal/metrics"
	"ohlc-engine/internal/model"
	"ohlc-engine/internal/notification"
	"ohlc-engine/internal/rolling"
	redisstore "ohlc-engine/internal/store/redis"
	sqlitestore "ohlc-engine/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[mdengine] starting...")
	processStart := time.Now()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[mdengine] config: %v", err)
	}
	logger.Init("mdengine", cfg.Level())
	slog.Info("config loaded",
		"source", cfg.Feed.Source,
		"window_minutes", cfg.Engine.WindowMinutes,
		"shards", cfg.Engine.Shards,
		"redis", cfg.Redis.Enabled,
		"sqlite", cfg.SQLite.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus(cfg.Engine.WindowMinutes)
	health.Require(cfg.Feed.Source != config.SourceFile, cfg.Redis.Enabled, cfg.SQLite.Enabled)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, nil)
	metricsSrv.Start()

	// ---- Alerts ----
	alerts := newDispatcher(cfg)
	go alerts.Run(ctx)

	// ---- Aggregator ----
	roll, err := rolling.NewSharded(cfg.Engine.WindowMinutes, cfg.Engine.Shards)
	if err != nil {
		log.Fatalf("[mdengine] aggregator: %v", err)
	}

	quoteCh := make(chan model.Quote, 10000)
	barCh := make(chan model.Bar, 5000)

	fanout := bus.New(5000)
	fanout.OnDrop = func(name string) {
		prom.FanoutDropsTotal.WithLabelValues(name).Inc()
	}

	var pipeline sync.WaitGroup
	run := func(fn func()) {
		pipeline.Add(1)
		go func() {
			defer pipeline.Done()
			fn()
		}()
	}

	// ---- SQLite sink ----
	var sqlDB *sql.DB
	if cfg.SQLite.Enabled {
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Fatalf("[mdengine] sqlite dir: %v", err)
			}
		}
		sw, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLite.Path})
		if err != nil {
			log.Fatalf("[mdengine] sqlite: %v", err)
		}
		defer sw.Close()
		sw.OnCommit = func(n int, took time.Duration, err error) {
			if err != nil {
				prom.SQLiteErrors.Inc()
				health.SetSQLiteOK(false)
				alerts.Notify(notification.Alert{
					Level:   notification.AlertCritical,
					Title:   "sqlite commit failed",
					Message: err.Error(),
				})
				return
			}
			prom.SQLiteCommitDur.Observe(took.Seconds())
		}
		health.SetSQLiteOK(true)
		sqlDB = sw.DB()
		ch := fanout.Subscribe("sqlite")
		run(func() { sw.Run(ctx, ch) })
	}

	// ---- Redis sink ----
	var rdb *goredis.Client
	if cfg.Redis.Enabled {
		rw, err := redisstore.New(redisstore.WriterConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		if err != nil {
			log.Printf("[mdengine] WARNING: redis init failed: %v (continuing without redis)", err)
			alerts.Notify(notification.Alert{
				Level:   notification.AlertWarning,
				Title:   "redis unavailable at startup",
				Message: err.Error(),
			})
		} else {
			defer rw.Close()
			health.SetRedisConnected(true)
			rdb = rw.Client()

			cb := redisstore.NewCircuitBreaker(cfg.Redis.MaxFailures, cfg.Redis.ResetTimeout)
			cb.OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				switch to {
				case redisstore.StateOpen:
					prom.RedisCircuitBreakerTrips.Inc()
					alerts.Notify(notification.Alert{
						Level:   notification.AlertCritical,
						Title:   "redis circuit open",
						Message: "bars are buffered locally until redis recovers",
					})
				case redisstore.StateClosed:
					alerts.Notify(notification.Alert{Level: notification.AlertInfo, Title: "redis circuit closed"})
				}
				log.Printf("[mdengine] redis circuit %s -> %s", from, to)
			}
			bw := redisstore.NewBufferedWriter(ctx, timedWriter{w: rw, hist: prom.RedisWriteDur}, cb, cfg.Redis.BufferSize)
			bw.OnBuffer = prom.RedisBufferedWrites.Inc
			bw.OnFlush = func(n int) {
				log.Printf("[mdengine] redis recovered, flushed %d buffered bars", n)
			}
			ch := fanout.Subscribe("redis")
			run(func() { bw.Run(ctx, ch) })
		}
	}

	health.StartLivenessChecker(ctx, rdb, sqlDB, 10*time.Second)

	// ---- Record sink ----
	if cfg.OutputPath != "" {
		f, err := os.Create(cfg.OutputPath)
		if err != nil {
			log.Fatalf("[mdengine] output: %v", err)
		}
		sink := feed.NewSink(f)
		ch := fanout.Subscribe("output")
		run(func() {
			defer f.Close()
			if err := sink.Run(ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[mdengine] output sink: %v", err)
			}
			log.Printf("[mdengine] wrote %d records to %s", sink.Written(), cfg.OutputPath)
		})
	}

	// ---- Embedded gateway ----
	var gatewaySrv *http.Server
	if cfg.Gateway.Embedded {
		hub := newHub(cfg.Gateway.ReplaySize, prom)
		var history gateway.BarHistory
		if cfg.SQLite.Enabled {
			sr, err := sqlitestore.NewReader(cfg.SQLite.Path)
			if err != nil {
				log.Printf("[mdengine] WARNING: history reader: %v (serving live bars only)", err)
			} else {
				defer sr.Close()
				history = sr
			}
		}
		mux := http.NewServeMux()
		gateway.RegisterRoutes(mux, hub, history, processStart)
		gatewaySrv = &http.Server{Addr: cfg.Gateway.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("[mdengine] embedded gateway listening on %s", cfg.Gateway.Addr)
			if err := gatewaySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[mdengine] gateway server: %v", err)
			}
		}()
		ch := fanout.Subscribe("gateway")
		run(func() { hub.Run(ctx, ch) })
	}

	// ---- Channel saturation ----
	go reportSaturation(ctx, prom, fanout, quoteCh, barCh)

	// ---- Aggregation stage ----
	stage := agg.New(roll, cfg.Engine.SweepInterval)
	debug := slog.Default().Enabled(ctx, slog.LevelDebug)
	stage.OnQuote = func(q model.Quote) {
		prom.QuotesTotal.Inc()
		health.SetLastQuoteTime(time.Now())
		if debug {
			qctx := logger.WithQuote(ctx, q.Symbol, q.TS)
			slog.Debug("quote", append(logger.Attrs(qctx), "bid", q.Bid, "ask", q.Ask)...)
		}
	}
	stage.OnBar = func(b model.Bar, took time.Duration) {
		prom.BarsTotal.Inc()
		prom.UpdateDur.Observe(took.Seconds())
		prom.BarLag.Set(time.Since(time.UnixMilli(int64(b.TS))).Seconds())
	}
	stage.OnSweep = func(evicted, remaining int) {
		prom.SweptSymbols.Add(float64(evicted))
		prom.ActiveSymbols.Set(float64(remaining))
		health.SetActiveSymbols(remaining)
	}
	run(func() {
		stage.Run(ctx, quoteCh, barCh)
		close(barCh)
	})
	run(func() { fanout.Run(ctx, barCh) })

	// ---- Quote source ----
	run(func() {
		defer close(quoteCh)
		if err := runSource(ctx, cfg, prom, health, alerts, quoteCh); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[mdengine] source %s: %v", cfg.Feed.Source, err)
			alerts.Notify(notification.Alert{
				Level:   notification.AlertCritical,
				Title:   "quote source stopped",
				Message: fmt.Sprintf("%s: %v", cfg.Feed.Source, err),
			})
		}
	})

	log.Printf("[mdengine] pipeline running (source=%s, window=%s)", cfg.Feed.Source, roll.Window())

	// The pipeline drains on its own when a file source hits EOF,
	// or when a signal cancels ctx.
	pipeline.Wait()
	log.Printf("[mdengine] pipeline drained, %d symbols active", roll.Len())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if gatewaySrv != nil {
		gatewaySrv.Shutdown(shutdownCtx)
	}
	metricsSrv.Stop(shutdownCtx)
	log.Println("[mdengine] shutdown complete")
}

// runSource feeds quoteCh from the configured source until it is exhausted
// or ctx is done.
func runSource(ctx context.Context, cfg *config.Config, prom *metrics.Metrics, health *metrics.HealthStatus, alerts *notification.Dispatcher, quoteCh chan<- model.Quote) error {
	switch cfg.Feed.Source {
	case config.SourceWS:
		ing, err := wsfeed.New(wsfeed.Config{URL: cfg.Feed.WSURL})
		if err != nil {
			return err
		}
		ing.OnConnect = func() { health.SetFeedConnected(true) }
		ing.OnReconnect = func() {
			prom.FeedReconnects.Inc()
			health.SetFeedConnected(false)
			alerts.Notify(notification.Alert{
				Level:   notification.AlertWarning,
				Title:   "quote feed reconnecting",
				Message: cfg.Feed.WSURL,
			})
		}
		ing.OnMalformed = func(error) { prom.MalformedTotal.WithLabelValues("ws").Inc() }
		return ing.Start(ctx, quoteCh)

	case config.SourceKafka:
		c, err := kafkafeed.New(kafkafeed.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.Group,
		})
		if err != nil {
			return err
		}
		c.OnMalformed = func(error) { prom.MalformedTotal.WithLabelValues("kafka").Inc() }
		health.SetFeedConnected(true)
		defer health.SetFeedConnected(false)
		return c.Start(ctx, quoteCh)

	default:
		f, err := os.Open(cfg.Feed.InputPath)
		if err != nil {
			return err
		}
		defer f.Close()

		reader := feed.NewReader()
		reader.OnMalformed = func(int, error) { prom.MalformedTotal.WithLabelValues("file").Inc() }
		st, err := replay.New(reader, cfg.Feed.ReplaySpeed).Run(ctx, f, quoteCh)
		log.Printf("[mdengine] replay finished: lines=%d quotes=%d malformed=%d", st.Lines, st.Quotes, st.Malformed)
		return err
	}
}

func newDispatcher(cfg *config.Config) *notification.Dispatcher {
	var notifiers []notification.Notifier
	if cfg.Alert.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.Alert.WebhookURL, "mdengine"))
	}
	if cfg.Alert.TelegramToken != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.Alert.TelegramToken, cfg.Alert.TelegramChat, "mdengine"))
	}
	return notification.NewDispatcher(cfg.Alert.Cooldown, notifiers...)
}

func newHub(replaySize int, prom *metrics.Metrics) *gateway.Hub {
	hub := gateway.NewHub(replaySize)
	hub.OnClients = func(n int) { prom.GatewayClients.Set(float64(n)) }
	hub.OnSent = prom.GatewayMessagesSent.Inc
	hub.OnDropped = prom.GatewayDropped.Inc
	return hub
}

func reportSaturation(ctx context.Context, prom *metrics.Metrics, fanout *bus.FanOut, quoteCh chan model.Quote, barCh chan model.Bar) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prom.ChannelSaturationPct.WithLabelValues("quotes").Set(pct(len(quoteCh), cap(quoteCh)))
			prom.ChannelSaturationPct.WithLabelValues("bars").Set(pct(len(barCh), cap(barCh)))
			for _, st := range fanout.ChannelStats() {
				prom.ChannelSaturationPct.WithLabelValues("fanout_" + st.Name).Set(pct(st.Len, st.Cap))
			}
		}
	}
}

func pct(n, c int) float64 {
	if c == 0 {
		return 0
	}
	return float64(n) / float64(c) * 100
}

// timedWriter records Redis pipeline latency around each write.
type timedWriter struct {
	w    *redisstore.Writer
	hist prometheus.Observer
}

func (t timedWriter) WriteBar(ctx context.Context, b model.Bar) error {
	start := time.Now()
	err := t.w.WriteBar(ctx, b)
	t.hist.Observe(time.Since(start).Seconds())
	return err
}
