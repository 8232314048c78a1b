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

// HealthStatus represents the daemon health.
type HealthStatus struct {
	mu sync.RWMutex

	ProducerRunning bool
	LastPageTime    time.Time
	TriggerState    string
	RedisEnabled    bool
	RedisConnected  bool
	SQLiteOK        bool

	// Liveness probe results
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time

	// StaleAfter marks the data path degraded when no page arrived for this long.
	StaleAfter time.Duration
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt:  time.Now(),
		StaleAfter: 5 * time.Second,
	}
}

func (h *HealthStatus) SetProducerRunning(v bool) {
	h.mu.Lock()
	h.ProducerRunning = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastPageTime(t time.Time) {
	h.mu.Lock()
	h.LastPageTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetTriggerState(s string) {
	h.mu.Lock()
	h.TriggerState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
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

// StartLivenessChecker runs periodic dependency checks. rdb may be nil.
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

// healthReport is the /healthz body.
type healthReport struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	ProducerRunning bool    `json:"producer_running"`
	LastPageTime    string  `json:"last_page_time"`
	PageAge         string  `json:"page_age"`
	TriggerState    string  `json:"trigger_state"`
	RedisEnabled    bool    `json:"redis_enabled"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	LastCheckAt     string  `json:"last_check_at"`
}

// Report evaluates overall status: unhealthy when the producer is down or
// SQLite is failing, degraded when pages are stale or Redis is unreachable.
func (h *HealthStatus) Report(now time.Time) (healthReport, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := healthReport{
		Status:          "healthy",
		Uptime:          now.Sub(h.StartedAt).Round(time.Second).String(),
		ProducerRunning: h.ProducerRunning,
		TriggerState:    h.TriggerState,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}
	stale := true
	if !h.LastPageTime.IsZero() {
		age := now.Sub(h.LastPageTime)
		r.LastPageTime = h.LastPageTime.Format(time.RFC3339Nano)
		r.PageAge = age.Round(time.Millisecond).String()
		stale = age > h.StaleAfter
	}

	code := http.StatusOK
	switch {
	case !h.ProducerRunning || !h.SQLiteOK:
		r.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case stale || (h.RedisEnabled && !h.RedisConnected):
		r.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return r, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, code := h.Report(time.Now())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server. gatherer may be nil for
// the default registry.
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

// Handler returns the server's mux.
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
