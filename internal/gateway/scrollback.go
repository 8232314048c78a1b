package gateway

import (
	"errors"
	"sync"

	"acqstream/internal/model"
	"acqstream/internal/trigger"
)

// ErrScrollbackBehind is returned by FlushInto when the display has not yet
// shown the scan the range must end at.
var ErrScrollbackBehind = errors.New("gateway: scrollback behind requested scan")

// Scrollback retains the most recent contiguous real scans shown on the
// display. Lost or placeholder pages break contiguity and restart it.
type Scrollback struct {
	mu         sync.Mutex
	buf        *trigger.PreRoll
	scanBytes  int
	end        int64 // one past the newest retained scan
	contiguous int64 // scans written since the last break
}

// NewScrollback keeps up to scans whole scans of scanBytes each.
func NewScrollback(scans, scanBytes int) *Scrollback {
	if scans < 1 {
		scans = 1
	}
	return &Scrollback{buf: trigger.NewPreRoll(scans * scanBytes), scanBytes: scanBytes}
}

// Add appends whole scans starting at absolute scan firstScan.
func (s *Scrollback) Add(samples []byte, firstScan int64) {
	n := len(samples) / s.scanBytes
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if firstScan != s.end {
		s.buf.Reset()
		s.contiguous = 0
	}
	s.buf.Write(samples[:n*s.scanBytes])
	s.end = firstScan + int64(n)
	s.contiguous += int64(n)
}

// Break discards retained scans; the next Add starts over at end.
func (s *Scrollback) Break(end int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.contiguous = 0
	s.end = end
}

// End returns the scan index one past the newest retained scan.
func (s *Scrollback) End() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Scans returns how many scans are retained.
func (s *Scrollback) Scans() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained()
}

func (s *Scrollback) retained() int64 {
	n := int64(s.buf.Len() / s.scanBytes)
	if s.contiguous < n {
		n = s.contiguous
	}
	return n
}

// FlushInto appends the retained scans that precede endScan to range
// rangeID and returns how many were written.
func (s *Scrollback) FlushInto(sink model.Sink, rangeID int, endScan int64) (int, error) {
	s.mu.Lock()
	if endScan > s.end {
		s.mu.Unlock()
		return 0, ErrScrollbackBehind
	}
	retained := s.retained()
	start := s.end - retained
	if endScan <= start {
		s.mu.Unlock()
		return 0, nil
	}
	snap := s.buf.Snapshot()
	s.mu.Unlock()

	snap = snap[len(snap)-int(retained)*s.scanBytes:]
	n := int(endScan - start)
	r := model.ScanRange{RangeID: rangeID, FirstScan: start, Scans: n}
	if err := sink.Append(snap[:n*s.scanBytes], r); err != nil {
		return 0, err
	}
	return n, nil
}
