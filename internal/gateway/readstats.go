package gateway

import "sync"

// ReadHealth summarises the display reader over its recent reads.
type ReadHealth struct {
	Reads          int     `json:"reads"`
	SkippedPages   int64   `json:"skipped_pages"`
	ReadsWithSkips int     `json:"reads_with_skips"`
	SkipRate       float64 `json:"skip_rate"`
	MaxBacklog     uint32  `json:"max_backlog"`
	MeanBacklog    float64 `json:"mean_backlog"`
}

type readSample struct {
	skipped int
	backlog uint32
}

// ReadStats keeps the last N reads of the display cursor: pages lost to
// overwrites before each read and the committed pages still unread after it.
type ReadStats struct {
	mu    sync.Mutex
	ring  []readSample
	next  int
	count int
}

// NewReadStats holds the last window reads.
func NewReadStats(window int) *ReadStats {
	if window <= 0 {
		window = 1024
	}
	return &ReadStats{ring: make([]readSample, window)}
}

// Record adds one read.
func (rs *ReadStats) Record(skipped int, backlog uint32) {
	rs.mu.Lock()
	rs.ring[rs.next] = readSample{skipped: skipped, backlog: backlog}
	rs.next = (rs.next + 1) % len(rs.ring)
	if rs.count < len(rs.ring) {
		rs.count++
	}
	rs.mu.Unlock()
}

// Health summarises the retained window.
func (rs *ReadStats) Health() ReadHealth {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	h := ReadHealth{Reads: rs.count}
	if rs.count == 0 {
		return h
	}
	var backlog uint64
	for _, s := range rs.ring[:rs.count] {
		h.SkippedPages += int64(s.skipped)
		if s.skipped > 0 {
			h.ReadsWithSkips++
		}
		h.MaxBacklog = max(h.MaxBacklog, s.backlog)
		backlog += uint64(s.backlog)
	}
	h.SkipRate = float64(h.ReadsWithSkips) / float64(rs.count)
	h.MeanBacklog = float64(backlog) / float64(rs.count)
	return h
}
