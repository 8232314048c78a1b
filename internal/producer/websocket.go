package producer

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"acqstream/internal/model"

	"github.com/gorilla/websocket"
)

// WebSocketConfig holds configuration for a remote device stream.
type WebSocketConfig struct {
	// URL of the device server, e.g. "ws://localhost:9001/stream"
	URL      string
	Geometry model.Geometry

	// DialTimeout bounds each connection attempt. Defaults to 5s.
	DialTimeout time.Duration
}

func (c *WebSocketConfig) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// WebSocket reads binary device frames from a remote server. A gap in
// frame sequence numbers or a frame carrying FlagOverrun is reported as
// model.ErrOverrun; Restart drops the connection and dials a fresh one.
type WebSocket struct {
	cfg       WebSocketConfig
	scanBytes int

	mu      sync.Mutex
	conn    *websocket.Conn
	lastSeq uint32
	haveSeq bool

	pending []byte // decoded samples that did not fit the last scratch

	// OnReconnect is called after every successful dial.
	OnReconnect func()
}

// NewWebSocket validates the URL; the connection is made lazily.
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	return &WebSocket{cfg: cfg, scanBytes: cfg.Geometry.ScanBytes()}, nil
}

func (p *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", p.cfg.URL, err)
	}
	log.Printf("[producer] connected to %s", p.cfg.URL)
	if p.OnReconnect != nil {
		p.OnReconnect()
	}
	return conn, nil
}

func (p *WebSocket) connection(ctx context.Context) (*websocket.Conn, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.conn != nil {
		// Restart won the race.
		p.mu.Unlock()
		conn.Close()
		return p.connection(ctx)
	}
	p.conn = conn
	p.haveSeq = false
	p.mu.Unlock()
	return conn, nil
}

func (p *WebSocket) drop(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
	conn.Close()
}

// FillPage copies the samples of the next frame into scratch. Samples that
// do not fit are kept for the following call.
func (p *WebSocket) FillPage(ctx context.Context, scratch []byte) (int, error) {
	scratch = scratch[:len(scratch)-len(scratch)%p.scanBytes]
	if len(p.pending) > 0 {
		n := copy(scratch, p.pending)
		p.pending = p.pending[n:]
		return n / p.scanBytes, nil
	}

	conn, err := p.connection(ctx)
	if err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	_, raw, err := conn.ReadMessage()
	stop()
	if err != nil {
		p.drop(conn)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("websocket read: %w", err)
	}

	frame, err := DecodeFrame(raw, p.scanBytes)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	gap := p.haveSeq && frame.Seq != p.lastSeq+1
	lost := frame.Seq - p.lastSeq - 1
	p.lastSeq, p.haveSeq = frame.Seq, true
	p.mu.Unlock()

	n := copy(scratch, frame.Samples)
	if n < len(frame.Samples) {
		p.pending = append(p.pending[:0], frame.Samples[n:]...)
	}
	switch {
	case gap:
		return n / p.scanBytes, fmt.Errorf("%w: %d frames missing before seq %d", model.ErrOverrun, lost, frame.Seq)
	case frame.Flags&FlagOverrun != 0:
		return n / p.scanBytes, fmt.Errorf("%w: device reported overflow at seq %d", model.ErrOverrun, frame.Seq)
	}
	return n / p.scanBytes, nil
}

// Restart replaces the connection. It fails if the device cannot be
// reached, so repeated failures surface to the controller.
func (p *WebSocket) Restart(ctx context.Context) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.conn
	p.conn = conn
	p.haveSeq = false
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Close drops the connection.
func (p *WebSocket) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
	return conn.Close()
}
