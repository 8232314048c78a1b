package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestInitWriter_RoutesStdLog(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitWriter(&buf, "acqd", slog.LevelInfo)
	log.Printf("[acq] range %d closed", 3)

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "acqd" || rec["msg"] != "[acq] range 3 closed" {
		t.Errorf("record = %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := SessionID(ctx); id != "" {
		t.Errorf("expected empty session id, got %q", id)
	}
	if attrs := LogWithSession(ctx); attrs != nil {
		t.Errorf("expected nil attrs, got %v", attrs)
	}

	id := NewSessionID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("NewSessionID returned %q: %v", id, err)
	}
	ctx = WithSessionID(ctx, id)
	if got := SessionID(ctx); got != id {
		t.Errorf("SessionID = %q, want %q", got, id)
	}
	if attrs := LogWithSession(ctx); len(attrs) != 1 {
		t.Errorf("expected one attr, got %v", attrs)
	}
}
