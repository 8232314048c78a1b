package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"acqstream/config"
	"acqstream/internal/acq"
	"acqstream/internal/bridge"
	"acqstream/internal/demux"
	"acqstream/internal/gateway"
	"acqstream/internal/logger"
	"acqstream/internal/metrics"
	"acqstream/internal/model"
	"acqstream/internal/notification"
	"acqstream/internal/producer"
	"acqstream/internal/sampleq"
	"acqstream/internal/scanpager"
	"acqstream/internal/shm"
	"acqstream/internal/store/redis"
	"acqstream/internal/store/sqlite"
	"acqstream/internal/trigger"
)

const stopTimeout = 5 * time.Second

// run wires one acquisition session and blocks until a signal arrives or
// the controller fails.
func run(cfg *config.Config) error {
	level, _ := logger.ParseLevel(cfg.Logging.Level)
	logger.Init("acqd", level)
	sessionID := logger.NewSessionID()
	start := time.Now()

	ctx, cancel := context.WithCancel(logger.WithSessionID(context.Background(), sessionID))
	defer cancel()
	slog.InfoContext(ctx, "starting acquisition session", logger.LogWithSession(ctx)...)

	// ---- Alerts ----
	notifiers := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	alerts := notification.NewDispatcher(sessionID, notifiers...)
	defer alerts.Close()

	// ---- Metrics + health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	health := metrics.NewHealthStatus()
	health.SetRedisEnabled(cfg.Redis.Enabled)
	metricsSrv := metrics.NewServer(cfg.Metrics.Addr, health, reg)
	metricsSrv.Start()

	// ---- Shared ring ----
	pg := cfg.PageGeometry()
	region, err := openRegion(cfg)
	if err != nil {
		return err
	}
	defer region.Release()

	writer, err := scanpager.NewWriter(region, pg)
	if err != nil {
		return err
	}
	defer writer.Close()
	writer.OnCommit = func(seq uint32, scans int, fake bool) {
		m.PagesWritten.Inc()
		if fake {
			m.FakePages.Inc()
		}
	}

	// ---- Producer ----
	prod, restarter, err := newProducer(cfg)
	if err != nil {
		return err
	}
	transform, err := newTransform(cfg)
	if err != nil {
		return err
	}
	pump := acq.NewPump(acq.PumpConfig{
		In:        cfg.InputGeometry(),
		Transform: transform,
		MaxErrors: cfg.Producer.MaxErrors,
	}, prod, writer)
	pump.OnPage = func(int) { health.SetLastPageTime(time.Now()) }
	pump.OnError = func(err error) {
		if errors.Is(err, acq.ErrWriterRejected) {
			m.RejectedFrames.Inc()
			return
		}
		m.ProducerErrors.Inc()
	}

	// ---- SQLite sink ----
	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	sink, err := sqlite.New(sqlite.WriterConfig{DBPath: cfg.Storage.SQLitePath, SessionID: sessionID})
	if err != nil {
		return err
	}
	defer sink.Close()
	if err := sink.StartSession(sqlite.Session{
		ID:           sessionID,
		StartedAt:    start,
		ChannelCount: cfg.Session.ChannelCount,
		SampleWidth:  cfg.Session.SampleWidth,
		SampleRate:   cfg.Session.SampleRate,
		TriggerMode:  cfg.Trigger.Mode,
	}); err != nil {
		return err
	}
	sink.OnCommit = func(n int, d time.Duration, err error) {
		m.SQLiteCommitDur.Observe(d.Seconds())
		if err != nil {
			m.SQLiteErrors.Inc()
		}
		health.SetSQLiteOK(err == nil)
	}
	health.SetSQLiteOK(true)
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		sink.Run(sinkCtx)
	}()

	ranges, err := sqlite.NewReader(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer ranges.Close()

	// ---- Display gateway ----
	hubReader, err := scanpager.NewReader(region, pg, "display")
	if err != nil {
		return err
	}
	defer hubReader.Close()
	hub := gateway.NewHub(gateway.HubConfig{
		ScrollbackScans: int(cfg.Scans(cfg.Gateway.ScrollbackSeconds)),
		ReplaySize:      cfg.Gateway.ReplaySize,
		DisplayPoints:   cfg.Gateway.DisplayPoints,
		AudioRate:       cfg.Audio.OutRate,
	}, hubReader)
	hub.OnClients = func(n int) { m.WSClients.Set(float64(n)) }
	go hub.Run(ctx)
	go hub.StartSystemBroadcast(ctx, start, config.Millis(cfg.Gateway.SystemIntervalMs))

	// ---- Redis query stream ----
	var (
		redisWriter *redis.BufferedWriter
		redisClient *goredis.Client
		pageStore   gateway.PageStore
	)
	if cfg.Redis.Enabled {
		pub, err := redis.New(redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			SessionID:    sessionID,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		redisClient = pub.Client()

		cb := redis.NewCircuitBreaker(cfg.Redis.BreakerFailures, config.Millis(cfg.Redis.BreakerResetMs))
		cb.OnStateChange = func(from, to redis.State) {
			m.RedisCircuitBreakerState.Set(float64(to))
			if to == redis.StateOpen {
				m.RedisCircuitBreakerTrips.Inc()
				alerts.Notify(notification.AlertWarning, "Redis unavailable", "circuit breaker opened; buffering pages")
			}
		}
		redisWriter = redis.NewBufferedWriter(ctx, pub, cb, cfg.Redis.BufferSize)
		redisWriter.OnBuffer = m.RedisBufferedWrites.Inc
		redisWriter.OnDrop = m.RedisDroppedWrites.Inc

		redisReader, err := scanpager.NewReader(region, pg, "redis")
		if err != nil {
			return err
		}
		defer redisReader.Close()
		go redis.Follow(ctx, redisReader, redisWriter, 0)

		pages, err := redis.NewPageReader(redis.ReaderConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer pages.Close()
		pageStore = pages
	}
	health.StartLivenessChecker(ctx, redisClient, sink.DB(), config.Millis(cfg.Metrics.HealthIntervalMs))

	// ---- Audio bridge ----
	queues := sampleq.NewRegistry()
	var audio *bridge.Bridge
	if cfg.Audio.Enabled {
		q := sampleq.New(sampleq.Config{Name: "audio", MaxDepth: cfg.Audio.QueueDepth}, queues)
		q.OnOverflow = func(name string) { m.QueueOverflows.WithLabelValues(name).Inc() }
		tapReader, err := scanpager.NewReader(region, pg, "audio")
		if err != nil {
			return err
		}
		defer tapReader.Close()
		tap := bridge.NewTap(tapReader, q, cfg.Audio.Channel, cfg.Audio.AllowFake, 0)
		tap.OnSkip = func(pages int) { m.ReaderSkips.WithLabelValues("audio").Add(float64(pages)) }
		go tap.Run(ctx)

		audio = bridge.New(bridge.Config{InRate: cfg.Session.SampleRate, OutRate: cfg.Audio.OutRate}, q, hub)
		if err := audio.Start(ctx); err != nil {
			return err
		}
	}
	go observeQueues(ctx, m, queues)

	// ---- Trigger controller ----
	acqCfg, err := cfg.AcqConfig()
	if err != nil {
		return err
	}
	ctrlReader, err := scanpager.NewReader(region, pg, "sink")
	if err != nil {
		return err
	}
	defer ctrlReader.Close()
	ctrl := acq.NewController(acqCfg, ctrlReader, sink, restarter, hub)
	ctrl.OnTransition = func(t trigger.Transition) {
		m.TriggerTransitions.WithLabelValues(t.To.String()).Inc()
		m.TriggerState.Set(float64(t.To))
		health.SetTriggerState(t.To.String())
		hub.PublishTransition(t)
		if redisWriter != nil {
			redisWriter.WriteTransition(ctx, redis.TransitionEventFrom(t))
		}
		slog.Info("trigger transition", "from", t.From.String(), "to", t.To.String(), "scan", t.Scan, "cause", t.Cause)
	}
	ctrl.OnBadData = func(first, length int64) {
		m.BadScans.Add(float64(length))
		hub.PublishBadRange(first, length)
	}
	ctrl.OnRestart = func(err error) {
		if err == nil {
			m.Restarts.Inc()
			return
		}
		m.RestartFailure.Inc()
		alerts.Notify(notification.AlertWarning, "Producer restart failed", err.Error())
	}
	ctrl.OnRange = func(r model.ScanRange) {
		m.Ranges.Inc()
		m.SinkScans.Add(float64(r.Scans))
		m.RangeScans.Observe(float64(r.Scans))
	}
	health.SetTriggerState(ctrl.State().String())

	// ---- HTTP ----
	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, gateway.Deps{
		Hub:       hub,
		Control:   ctrl,
		Ranges:    ranges,
		Pages:     pageStore,
		SessionID: sessionID,
		Start:     start,
		Status: func() map[string]interface{} {
			s := map[string]interface{}{
				"ring":           writer.Ring().DebugState(),
				"pages":          writer.PagesWritten(),
				"fake_pages":     writer.FakePages(),
				"dropped_bytes":  writer.DroppedBytes(),
				"rejected_scans": pump.Rejected(),
				"display_lag":    hubReader.Lag(),
				"queues":         queues.Stats(),
				"alerts_drops":   alerts.Dropped(),
			}
			if redisWriter != nil {
				s["redis"] = map[string]interface{}{
					"breaker": redisWriter.Breaker().CurrentState().String(),
					"pending": redisWriter.PendingCount(),
					"dropped": redisWriter.Dropped(),
				}
			}
			return s
		},
	})
	srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("[acqd] gateway listening on %s", cfg.Gateway.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[acqd] gateway error: %v", err)
		}
	}()

	// ---- Start the data path: consumers first, then the producer ----
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	if err := pump.Start(ctx); err != nil {
		return err
	}
	health.SetProducerRunning(true)
	log.Printf("[acqd] session %s running: %d ch x %d B @ %.0f Hz, trigger=%s", sessionID,
		cfg.Session.ChannelCount, cfg.Session.SampleWidth, cfg.Session.SampleRate, cfg.Trigger.Mode)

	// ---- Wait for shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Printf("[acqd] %v received, shutting down...", sig)
	case <-ctrl.Done():
		runErr = ctrl.Err()
		log.Printf("[acqd] controller stopped: %v", runErr)
		if errors.Is(runErr, acq.ErrRestartsExhausted) {
			alerts.Notify(notification.AlertCritical, "Acquisition stopped", runErr.Error())
		}
	case <-pump.Done():
		runErr = pump.Err()
		log.Printf("[acqd] producer stopped: %v", runErr)
		alerts.Notify(notification.AlertCritical, "Producer stopped", fmt.Sprint(runErr))
	}

	// Producer first so consumers drain what was already paged.
	if err := pump.Stop(stopTimeout); err != nil {
		log.Printf("[acqd] pump stop: %v", err)
	}
	health.SetProducerRunning(false)
	if c, ok := prod.(interface{ Close() error }); ok {
		c.Close()
	}
	if err := ctrl.Stop(stopTimeout); err != nil {
		log.Printf("[acqd] controller stop: %v", err)
	}
	if audio != nil {
		audio.Stop(stopTimeout)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	cancel()

	sinkCancel()
	<-sinkDone

	stats := ctrl.Stats()
	log.Printf("[acqd] session %s done: ranges=%d scans=%d bad=%d restarts=%d",
		sessionID, stats.Ranges, stats.ScansAccepted, stats.BadScans, stats.Restarts)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func openRegion(cfg *config.Config) (*shm.Region, error) {
	size := cfg.RegionBytes()
	if cfg.Session.ShmPath == "" {
		return shm.Heap(size), nil
	}
	return shm.Create(cfg.Session.ShmPath, size)
}

func newProducer(cfg *config.Config) (model.Producer, model.Restarter, error) {
	switch cfg.Producer.Kind {
	case "websocket":
		ws, err := producer.NewWebSocket(producer.WebSocketConfig{
			URL:         cfg.Producer.URL,
			Geometry:    cfg.InputGeometry(),
			DialTimeout: config.Millis(cfg.Producer.DialTimeoutMs),
		})
		if err != nil {
			return nil, nil, err
		}
		ws.OnReconnect = func() { log.Printf("[acqd] connected to %s", cfg.Producer.URL) }
		return ws, ws, nil
	default:
		syn := producer.NewSynthetic(producer.SyntheticConfig{
			Geometry:     cfg.InputGeometry(),
			SampleRate:   cfg.Session.SampleRate,
			PulseChannel: cfg.Producer.PulseChannel,
			PulsePeriod:  cfg.Producer.PulsePeriod,
			PulseWidth:   cfg.Producer.PulseWidth,
			Amplitude:    cfg.Producer.Amplitude,
			Realtime:     cfg.Producer.Realtime,
			OverrunEvery: cfg.Producer.OverrunEvery,
		})
		return syn, syn, nil
	}
}

// newTransform builds the channel reordering, nil when the producer's
// channels are paged as-is.
func newTransform(cfg *config.Config) (demux.Transform, error) {
	in := cfg.InputGeometry()
	var ts []demux.Transform
	if cfg.Demux.Chips > 1 {
		t, err := demux.Multiplexed(in, cfg.Demux.Chips)
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	if len(cfg.Demux.Order) > 0 {
		t, err := demux.Permute(in, cfg.Demux.Order)
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	switch len(ts) {
	case 0:
		return nil, nil
	case 1:
		return ts[0], nil
	default:
		return demux.Chain(ts...), nil
	}
}

func observeQueues(ctx context.Context, m *metrics.Metrics, reg *sampleq.Registry) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ObserveQueues(reg)
		}
	}
}
