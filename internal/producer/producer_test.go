package producer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"acqstream/internal/model"

	"github.com/gorilla/websocket"
)

var geo = model.Geometry{ChannelCount: 2, SampleWidth: 2}

func TestFrame_RoundTrip(t *testing.T) {
	samples := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	raw := EncodeFrame(nil, 42, 2, FlagOverrun, samples)
	f, err := DecodeFrame(raw, geo.ScanBytes())
	if err != nil {
		t.Fatal(err)
	}
	if f.Seq != 42 || f.Scans != 2 || f.Flags != FlagOverrun || !bytes.Equal(f.Samples, samples) {
		t.Errorf("decoded %+v", f)
	}
	if _, err := DecodeFrame(raw[:10], geo.ScanBytes()); !errors.Is(err, ErrShortFrame) {
		t.Errorf("truncated frame: %v", err)
	}
	if _, err := DecodeFrame(raw[:3], geo.ScanBytes()); !errors.Is(err, ErrShortFrame) {
		t.Errorf("truncated header: %v", err)
	}
}

func TestSynthetic_PulseAndOverrun(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{
		Geometry:     geo,
		SampleRate:   1000,
		PulseChannel: 0,
		PulsePeriod:  10,
		PulseWidth:   3,
		Amplitude:    500,
		OverrunEvery: 2,
	})
	scratch := make([]byte, 20*geo.ScanBytes())
	n, err := s.FillPage(context.Background(), scratch)
	if err != nil || n != 20 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	for i := 0; i < 20; i++ {
		want := int32(0)
		if i%10 < 3 {
			want = 500
		}
		if got := geo.Sample(scratch, i, 0); got != want {
			t.Fatalf("scan %d pulse=%d, want %d", i, got, want)
		}
	}
	n, err = s.FillPage(context.Background(), scratch)
	if !errors.Is(err, model.ErrOverrun) || n != 20 {
		t.Fatalf("second call: n=%d err=%v, want overrun", n, err)
	}

	meta := make([]byte, 16)
	s.PageMetadata(meta)
	if meta[0] != 20 {
		t.Errorf("metadata first scan=%d, want 20", meta[0])
	}
}

func TestSynthetic_Restart(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Geometry: geo, SampleRate: 1000})
	s.FailRestarts(1)
	if err := s.Restart(context.Background()); err == nil {
		t.Fatal("first restart should fail")
	}
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("second restart: %v", err)
	}
	if s.Restarts() != 1 {
		t.Errorf("restarts=%d", s.Restarts())
	}
}

func TestSynthetic_RealtimeHonoursContext(t *testing.T) {
	s := NewSynthetic(SyntheticConfig{Geometry: geo, SampleRate: 1, Realtime: true})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.FillPage(ctx, make([]byte, 100*geo.ScanBytes())); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

// deviceServer sends the given frames to each client, then idles.
func deviceServer(t *testing.T, frames [][]byte) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
				return
			}
		}
		conn.ReadMessage() // block until client goes away
	}))
}

func TestWebSocket_FramesAndGap(t *testing.T) {
	scans := func(v byte, n int) []byte { return bytes.Repeat([]byte{v}, n*geo.ScanBytes()) }
	srv := deviceServer(t, [][]byte{
		EncodeFrame(nil, 1, 3, 0, scans(1, 3)),
		EncodeFrame(nil, 2, 3, 0, scans(2, 3)),
		EncodeFrame(nil, 5, 1, 0, scans(5, 1)),
		EncodeFrame(nil, 6, 1, FlagOverrun, scans(6, 1)),
	})
	defer srv.Close()

	reconnects := 0
	p, err := NewWebSocket(WebSocketConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Geometry: geo})
	if err != nil {
		t.Fatal(err)
	}
	p.OnReconnect = func() { reconnects++ }
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Scratch holds 2 scans: frame 1 splits across two calls.
	scratch := make([]byte, 2*geo.ScanBytes())
	want := []struct {
		n       int
		fill    byte
		overrun bool
	}{
		{2, 1, false}, {1, 1, false}, {2, 2, false}, {1, 2, false}, {1, 5, true}, {1, 6, true},
	}
	for i, w := range want {
		n, err := p.FillPage(ctx, scratch)
		if n != w.n || scratch[0] != w.fill {
			t.Fatalf("call %d: n=%d fill=%d, want %d/%d", i, n, scratch[0], w.n, w.fill)
		}
		if got := errors.Is(err, model.ErrOverrun); got != w.overrun {
			t.Fatalf("call %d: err=%v, want overrun=%v", i, err, w.overrun)
		}
	}

	if err := p.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	// Fresh connection replays from seq 1 without reporting a gap.
	if _, err := p.FillPage(ctx, scratch); err != nil {
		t.Fatalf("after restart: %v", err)
	}
	if reconnects != 2 {
		t.Errorf("reconnects=%d, want 2", reconnects)
	}
}

func TestWebSocket_RestartFailsWhenUnreachable(t *testing.T) {
	srv := deviceServer(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	p, _ := NewWebSocket(WebSocketConfig{URL: url, Geometry: geo, DialTimeout: 200 * time.Millisecond})
	if err := p.Restart(context.Background()); err == nil {
		t.Fatal("restart against a closed server should fail")
	}
}
