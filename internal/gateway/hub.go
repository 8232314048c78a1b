package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"acqstream/internal/model"
	"acqstream/internal/scanpager"
	"acqstream/internal/store/redis"
	"acqstream/internal/trigger"

	"github.com/gorilla/websocket"
)

// Broadcast channels.
const (
	ChannelPages   = "pages"
	ChannelTrigger = "trigger"
	ChannelBad     = "bad"
	ChannelAudio   = "audio"
	ChannelSystem  = "system"
)

// HubConfig configures the display hub.
type HubConfig struct {
	ScrollbackScans int
	ReplaySize      int // envelopes kept per channel for /api/missed
	DisplayPoints   int // decimated points per channel per page
	PollInterval    time.Duration
	FlushWait       time.Duration // how long FlushInto waits for the display to catch up
	AudioRate       float64
}

// DisplayPage is the pages channel payload.
type DisplayPage struct {
	redis.PageEvent
	Wave [][]int32 `json:"wave"`
}

// AudioFrame is the audio channel payload.
type AudioFrame struct {
	Rate float64 `json:"rate"`
	PCM  []byte  `json:"pcm"` // little-endian int16
}

// Hub is the live display consumer. It follows its own Reader, keeps
// scrollback for manual-trigger flushes and fans envelopes out to
// WebSocket clients.
type Hub struct {
	cfg    HubConfig
	reader *scanpager.Reader
	geo    model.Geometry

	Scroll *Scrollback
	Reads  *ReadStats

	mu          sync.RWMutex
	clients     map[*Client]bool
	latest      map[string]latestEntry
	seq         int64
	channelSeqs map[string]int64
	replayBufs  map[string]*ReplayBuffer

	pages    atomic.Int64
	lastPage atomic.Int64 // unix nano

	// OnClients is called with the client count after connects and disconnects.
	OnClients func(n int)
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// NewHub creates a hub that reads pages from reader.
func NewHub(cfg HubConfig, reader *scanpager.Reader) *Hub {
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = 500
	}
	if cfg.DisplayPoints <= 0 {
		cfg.DisplayPoints = 64
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.FlushWait <= 0 {
		cfg.FlushWait = 100 * time.Millisecond
	}
	geo := reader.Geometry().Geometry
	return &Hub{
		cfg:         cfg,
		reader:      reader,
		geo:         geo,
		Scroll:      NewScrollback(cfg.ScrollbackScans, geo.ScanBytes()),
		Reads:       NewReadStats(4096),
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
	}
}

// Run follows the reader until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	for {
		c, err := h.reader.Poll(ctx, h.cfg.PollInterval)
		if err != nil {
			return nil
		}
		h.Reads.Record(c.Skipped, h.reader.Lag())

		first := h.reader.ScansSeenIncludingSkips() - int64(c.Scans)
		if c.Fake {
			h.Scroll.Break(first + int64(c.Scans))
		} else {
			h.Scroll.Add(c.Samples, first)
		}

		page := DisplayPage{
			PageEvent: redis.Summarize(h.geo, c, first),
			Wave:      decimate(h.geo, c.Samples, c.Scans, h.cfg.DisplayPoints),
		}
		data, err := json.Marshal(page)
		if err != nil {
			log.Printf("[gateway] marshal page %d: %v", c.Seq, err)
			continue
		}
		h.pages.Add(1)
		h.lastPage.Store(time.Now().UnixNano())
		h.broadcast(ChannelPages, data, true)
	}
}

// decimate picks evenly spaced samples of every channel.
func decimate(g model.Geometry, samples []byte, scans, points int) [][]int32 {
	if points > scans {
		points = scans
	}
	out := make([][]int32, g.ChannelCount)
	for ch := range out {
		out[ch] = make([]int32, points)
		for i := 0; i < points; i++ {
			out[ch][i] = g.Sample(samples, i*scans/points, ch)
		}
	}
	return out
}

// FlushInto hands the display scrollback preceding endScan to sink. It
// waits up to FlushWait for the display reader to reach endScan.
func (h *Hub) FlushInto(sink model.Sink, rangeID int, endScan int64) (int, error) {
	deadline := time.Now().Add(h.cfg.FlushWait)
	for h.Scroll.End() < endScan && time.Now().Before(deadline) {
		time.Sleep(h.cfg.PollInterval)
	}
	return h.Scroll.FlushInto(sink, rangeID, endScan)
}

// PublishTransition broadcasts a trigger state change.
func (h *Hub) PublishTransition(t trigger.Transition) {
	data, _ := json.Marshal(redis.TransitionEventFrom(t))
	h.broadcast(ChannelTrigger, data, true)
}

// PublishBadRange broadcasts a bad-data notice.
func (h *Hub) PublishBadRange(firstScan, length int64) {
	data, _ := json.Marshal(map[string]int64{"first_scan": firstScan, "length": length})
	h.broadcast(ChannelBad, data, true)
}

// Write implements bridge.Output: monitor audio goes to subscribed clients.
func (h *Hub) Write(samples []int16) error {
	pcm := make([]byte, 2*len(samples))
	model.PutInt16s(pcm, samples)
	data, err := json.Marshal(AudioFrame{Rate: h.cfg.AudioRate, PCM: pcm})
	if err != nil {
		return err
	}
	h.broadcast(ChannelAudio, data, false)
	return nil
}

// broadcast wraps data in an envelope with global and per-channel sequence
// numbers and sends it to every matching client without blocking.
func (h *Hub) broadcast(channel string, data []byte, replay bool) {
	now := time.Now().UTC()

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.seq++
	seq := h.seq
	if replay {
		h.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	}
	rb := h.replayBufs[channel]
	if rb == nil && replay {
		rb = NewReplayBuffer(h.cfg.ReplaySize)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	buf := make([]byte, 0, len(channel)+len(data)+160)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')

	if replay {
		rb.Push(channelSeq, buf)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		select {
		case client.send <- buf:
		default:
		}
	}
}

// HandleWSRequest registers an upgraded connection.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, channels []string) {
	client := newClient(h, conn, channels)
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	if h.OnClients != nil {
		h.OnClients(count)
	}

	go client.sendInitialState()
	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	if h.OnClients != nil {
		h.OnClients(count)
	}
}

// GetLatestAll returns the latest payload per channel.
func (h *Hub) GetLatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// GetReplayRange returns buffered envelopes for a channel in [fromSeq, toSeq].
func (h *Hub) GetReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replayBufs[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return rb.Range(fromSeq, toSeq)
}

// GetChannelSeq returns the current sequence number for a channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PagesShown returns how many pages were broadcast.
func (h *Hub) PagesShown() int64 { return h.pages.Load() }

// LastPageAt returns when the last page was broadcast.
func (h *Hub) LastPageAt() time.Time {
	ns := h.lastPage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// StartSystemBroadcast sends process metrics to all clients every interval.
func (h *Hub) StartSystemBroadcast(ctx context.Context, start time.Time, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := CollectSystem(start)
			m.Display = h.Reads.Health()
			data, _ := json.Marshal(m)
			h.broadcast(ChannelSystem, data, false)
		}
	}
}
