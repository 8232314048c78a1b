package trigger

import "sync"

// PreRoll is a write-through circular byte buffer holding the most recent
// capacity bytes of raw scans, independent of trigger state. On activation
// its contents are prepended to the first accepted range.
//
// Thread-safe for concurrent writes and snapshots.
type PreRoll struct {
	mu      sync.Mutex
	buf     []byte
	pos     int // next write position
	full    bool
	written int64 // total bytes ever written
}

// NewPreRoll creates a pre-roll of capacity bytes. A capacity of zero
// yields a buffer that retains nothing.
func NewPreRoll(capacity int) *PreRoll {
	if capacity < 0 {
		capacity = 0
	}
	return &PreRoll{buf: make([]byte, capacity)}
}

// PreRollBytes sizes a pre-roll from seconds of signal, rounded down to
// whole scans.
func PreRollBytes(seconds, sampleRate float64, scanBytes int) int {
	if seconds <= 0 || sampleRate <= 0 || scanBytes <= 0 {
		return 0
	}
	return int(seconds*sampleRate) * scanBytes
}

// Cap returns the capacity in bytes.
func (p *PreRoll) Cap() int { return len(p.buf) }

// Write appends data, overwriting the oldest bytes when full.
func (p *PreRoll) Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.written += int64(len(data))
	c := len(p.buf)
	if c == 0 {
		return
	}
	if len(data) >= c {
		copy(p.buf, data[len(data)-c:])
		p.pos = 0
		p.full = true
		return
	}
	n := copy(p.buf[p.pos:], data)
	if n < len(data) {
		copy(p.buf, data[n:])
	}
	p.pos = (p.pos + len(data)) % c
	if !p.full && p.written >= int64(c) {
		p.full = true
	}
}

// Len returns the number of bytes currently retained: min(capacity, written).
func (p *PreRoll) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.len()
}

func (p *PreRoll) len() int {
	if p.full {
		return len(p.buf)
	}
	return p.pos
}

// Written returns the total bytes written since creation or Reset.
func (p *PreRoll) Written() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Snapshot copies the retained bytes, oldest first, into a new slice.
func (p *PreRoll) Snapshot() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, p.len())
	if !p.full {
		copy(out, p.buf[:p.pos])
		return out
	}
	n := copy(out, p.buf[p.pos:])
	copy(out[n:], p.buf[:p.pos])
	return out
}

// Reset discards all retained bytes.
func (p *PreRoll) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = 0
	p.full = false
	p.written = 0
}
