package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recorder) Send(ctx context.Context, a Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func TestWebhookNotifier_Send(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "restart failed", Message: "3 attempts", Session: "s1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["level"] != "CRITICAL" || got["title"] != "restart failed" || got["session"] != "s1" {
		t.Errorf("payload: %v", got)
	}
}

func TestWebhookNotifier_Retries(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
		calls   int32
	}{
		{"server error retried", http.StatusBadGateway, true, 3},
		{"client error not retried", http.StatusBadRequest, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			n := NewWebhookNotifier(srv.URL)
			n.backoff = time.Millisecond
			err := n.Send(context.Background(), Alert{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if calls.Load() != tt.calls {
				t.Errorf("calls=%d, want %d", calls.Load(), tt.calls)
			}
		})
	}
}

func TestWebhookNotifier_RecoversAfterServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.backoff = time.Millisecond
	if err := n.Send(context.Background(), Alert{Title: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls=%d, want 2", calls.Load())
	}
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	d := NewDispatcher("sess", a, b)
	d.Notify(AlertWarning, "one", "")
	d.Notify(AlertCritical, "two", "")
	d.Close()
	d.Notify(AlertInfo, "after close", "")

	for _, r := range []*recorder{a, b} {
		if len(r.alerts) != 2 {
			t.Fatalf("got %d alerts, want 2", len(r.alerts))
		}
		if r.alerts[0].Title != "one" || r.alerts[1].Title != "two" {
			t.Errorf("order: %+v", r.alerts)
		}
		if r.alerts[0].Session != "sess" {
			t.Errorf("session=%q", r.alerts[0].Session)
		}
	}
}
