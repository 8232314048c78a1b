package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"acqstream/internal/sampleq"
)

func TestNew_RegistersAndExports(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PagesWritten.Add(3)
	m.ReaderSkips.WithLabelValues("display").Inc()
	m.TriggerTransitions.WithLabelValues("active").Inc()

	qreg := sampleq.NewRegistry()
	q := sampleq.New(sampleq.Config{Name: "audio", MaxDepth: 4}, qreg)
	defer q.Close()
	q.Push([]byte{0, 0}, 1, false, 0, nil)
	m.ObserveQueues(qreg)

	srv := NewServer(":0", NewHealthStatus(), reg)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"acq_pages_written_total 3",
		`acq_reader_skipped_pages_total{reader="display"} 1`,
		`acq_trigger_transitions_total{to="active"} 1`,
		`acq_queue_saturation_pct{queue="audio"} 25`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHealthStatus_Report(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name   string
		setup  func(h *HealthStatus)
		status string
		code   int
	}{
		{"healthy", func(h *HealthStatus) {
			h.SetProducerRunning(true)
			h.SetSQLiteOK(true)
			h.SetLastPageTime(now)
		}, "healthy", http.StatusOK},
		{"producer down", func(h *HealthStatus) {
			h.SetSQLiteOK(true)
			h.SetLastPageTime(now)
		}, "unhealthy", http.StatusServiceUnavailable},
		{"stale pages", func(h *HealthStatus) {
			h.SetProducerRunning(true)
			h.SetSQLiteOK(true)
			h.SetLastPageTime(now.Add(-time.Minute))
		}, "degraded", http.StatusServiceUnavailable},
		{"redis enabled but down", func(h *HealthStatus) {
			h.SetProducerRunning(true)
			h.SetSQLiteOK(true)
			h.SetLastPageTime(now)
			h.SetRedisEnabled(true)
		}, "degraded", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		h := NewHealthStatus()
		tc.setup(h)
		r, code := h.Report(now)
		if r.Status != tc.status || code != tc.code {
			t.Errorf("%s: got %s/%d, want %s/%d", tc.name, r.Status, code, tc.status, tc.code)
		}
	}
}

func TestHealthStatus_ServeHTTP(t *testing.T) {
	h := NewHealthStatus()
	h.SetTriggerState("armed")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"trigger_state":"armed"`) {
		t.Errorf("body %s", rec.Body.String())
	}
}
