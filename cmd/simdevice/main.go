// cmd/simdevice: simulated acquisition device.
// Streams binary scan frames over WebSocket so acqd can run its websocket
// producer without hardware attached.
//
// Frame layout (little-endian) matches producer.EncodeFrame:
//
//	[u32 seq][u16 scans][u16 flags][scans * channels * width sample bytes]
//
// Config (env vars):
//
//	SIM_ADDR            listen address (default: ":9001")
//	SIM_CHANNELS        channels per scan (default: "4")
//	SIM_WIDTH           bytes per sample (default: "2")
//	SIM_RATE            scans per second (default: "10000")
//	SIM_FRAME_SCANS     scans per frame (default: "250")
//	SIM_PULSE_CHANNEL   channel carrying the trigger pulse (default: "0")
//	SIM_PULSE_PERIOD    pulse period in scans (default: "50000")
//	SIM_PULSE_WIDTH     pulse width in scans (default: "10000")
//	SIM_GAP_EVERY       skip a sequence number every N frames, 0 = never
//	SIM_OVERRUN_EVERY   set the overrun flag every N frames, 0 = never
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"acqstream/internal/model"
	"acqstream/internal/producer"
)

type simConfig struct {
	Addr         string
	Geometry     model.Geometry
	Rate         float64
	FrameScans   int
	PulseChannel int
	PulsePeriod  int64
	PulseWidth   int64
	GapEvery     int
	OverrunEvery int
}

// ---- Hub ----

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// broadcast drops the frame for clients that fall behind; the receiver sees
// the sequence gap and treats it as an overrun.
func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ---- WebSocket handler ----

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[simdevice] upgrade error: %v", err)
			return
		}
		log.Printf("[simdevice] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[simdevice] client disconnected: %s", r.RemoteAddr)
		}()

		// Drain reads so close frames are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		}
	}
}

// ---- Frame generator ----

func runGenerator(ctx context.Context, h *hub, cfg simConfig) {
	gen := producer.NewSynthetic(producer.SyntheticConfig{
		Geometry:     cfg.Geometry,
		SampleRate:   cfg.Rate,
		PulseChannel: cfg.PulseChannel,
		PulsePeriod:  cfg.PulsePeriod,
		PulseWidth:   cfg.PulseWidth,
	})

	period := time.Duration(float64(cfg.FrameScans) / cfg.Rate * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	scratch := make([]byte, cfg.FrameScans*cfg.Geometry.ScanBytes())
	var seq uint32
	frames := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := gen.FillPage(ctx, scratch)
		if err != nil {
			log.Printf("[simdevice] generator: %v", err)
			continue
		}
		frames++
		seq++
		if cfg.GapEvery > 0 && frames%cfg.GapEvery == 0 {
			seq++
		}
		var flags uint16
		if cfg.OverrunEvery > 0 && frames%cfg.OverrunEvery == 0 {
			flags |= producer.FlagOverrun
		}
		h.broadcast(producer.EncodeFrame(nil, seq, n, flags, scratch[:n*cfg.Geometry.ScanBytes()]))
	}
}

// ---- main ----

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[simdevice] starting simulated device...")

	cfg := simConfig{
		Addr: envOrDefault("SIM_ADDR", ":9001"),
		Geometry: model.Geometry{
			ChannelCount: envIntOrDefault("SIM_CHANNELS", 4),
			SampleWidth:  envIntOrDefault("SIM_WIDTH", 2),
		},
		Rate:         float64(envIntOrDefault("SIM_RATE", 10000)),
		FrameScans:   envIntOrDefault("SIM_FRAME_SCANS", 250),
		PulseChannel: envIntOrDefault("SIM_PULSE_CHANNEL", 0),
		PulsePeriod:  int64(envIntOrDefault("SIM_PULSE_PERIOD", 50000)),
		PulseWidth:   int64(envIntOrDefault("SIM_PULSE_WIDTH", 10000)),
		GapEvery:     envIntOrDefault("SIM_GAP_EVERY", 0),
		OverrunEvery: envIntOrDefault("SIM_OVERRUN_EVERY", 0),
	}
	if err := cfg.Geometry.Validate(); err != nil {
		log.Fatalf("[simdevice] %v", err)
	}
	if cfg.Rate <= 0 || cfg.FrameScans <= 0 || cfg.FrameScans > 0xffff {
		log.Fatalf("[simdevice] invalid rate %v or frame scans %d", cfg.Rate, cfg.FrameScans)
	}
	log.Printf("[simdevice] %+v", cfg)

	h := newHub()
	go runGenerator(context.Background(), h, cfg)

	http.HandleFunc("/stream", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","service":"simdevice","clients":%d}`+"\n", h.count())
	})

	log.Printf("[simdevice] listening on %s  (WebSocket: ws://localhost%s/stream)", cfg.Addr, cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		log.Fatalf("[simdevice] server error: %v", err)
	}
}

// ---- helpers ----

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
