package producer

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"acqstream/internal/model"
)

// SyntheticConfig shapes the generated signal.
type SyntheticConfig struct {
	Geometry   model.Geometry
	SampleRate float64

	// Level pulse on PulseChannel: PulseWidth scans high every PulsePeriod
	// scans. PulsePeriod 0 disables the pulse.
	PulseChannel int
	PulsePeriod  int64
	PulseWidth   int64
	Amplitude    int32

	// Realtime paces FillPage to SampleRate.
	Realtime bool

	// OverrunEvery reports ErrOverrun on every Nth call (0 = never).
	OverrunEvery int
}

// Synthetic generates a sine on every channel except the pulse channel.
// Safe for one FillPage caller plus concurrent Restart calls.
type Synthetic struct {
	cfg SyntheticConfig

	mu        sync.Mutex
	scan      int64
	pageFirst int64
	calls     int
	start     time.Time
	restarts  int
	failNext  int
}

// NewSynthetic returns a generator starting at scan 0.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Amplitude == 0 {
		cfg.Amplitude = maxFor(cfg.Geometry.SampleWidth) / 2
	}
	return &Synthetic{cfg: cfg, start: time.Now()}
}

func maxFor(width int) int32 {
	switch width {
	case 1:
		return math.MaxInt8
	case 2:
		return math.MaxInt16
	}
	return math.MaxInt32
}

// FillPage writes len(scratch)/ScanBytes scans.
func (s *Synthetic) FillPage(ctx context.Context, scratch []byte) (int, error) {
	g := s.cfg.Geometry
	n := len(scratch) / g.ScanBytes()
	if n == 0 {
		return 0, nil
	}

	s.mu.Lock()
	first := s.scan
	s.calls++
	overrun := s.cfg.OverrunEvery > 0 && s.calls%s.cfg.OverrunEvery == 0
	due := s.start.Add(time.Duration(float64(first+int64(n)) / s.cfg.SampleRate * float64(time.Second)))
	s.mu.Unlock()

	if s.cfg.Realtime && s.cfg.SampleRate > 0 {
		if wait := time.Until(due); wait > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	for i := 0; i < n; i++ {
		scan := first + int64(i)
		for ch := 0; ch < g.ChannelCount; ch++ {
			putSample(scratch[(i*g.ChannelCount+ch)*g.SampleWidth:], g.SampleWidth, s.value(scan, ch))
		}
	}

	s.mu.Lock()
	s.scan = first + int64(n)
	s.pageFirst = first
	s.mu.Unlock()
	if overrun {
		return n, model.ErrOverrun
	}
	return n, nil
}

func (s *Synthetic) value(scan int64, ch int) int32 {
	if ch == s.cfg.PulseChannel && s.cfg.PulsePeriod > 0 {
		if scan%s.cfg.PulsePeriod < s.cfg.PulseWidth {
			return s.cfg.Amplitude
		}
		return 0
	}
	rate := s.cfg.SampleRate
	if rate <= 0 {
		rate = 1000
	}
	freq := 5.0 * float64(ch+1)
	return int32(float64(s.cfg.Amplitude) * math.Sin(2*math.Pi*freq*float64(scan)/rate))
}

func putSample(dst []byte, width int, v int32) {
	switch width {
	case 1:
		dst[0] = byte(int8(v))
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(int16(v)))
	default:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	}
}

// PageMetadata records the first scan index and wall-clock time of the
// page just generated.
func (s *Synthetic) PageMetadata(dst []byte) {
	s.mu.Lock()
	scan := s.pageFirst
	s.mu.Unlock()
	clear(dst)
	if len(dst) >= 8 {
		binary.LittleEndian.PutUint64(dst, uint64(scan))
	}
	if len(dst) >= 16 {
		binary.LittleEndian.PutUint64(dst[8:], uint64(time.Now().UnixNano()))
	}
}

// FailRestarts makes the next n Restart calls fail.
func (s *Synthetic) FailRestarts(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Restart re-anchors pacing to now, as a device restart would.
func (s *Synthetic) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("synthetic: restart refused")
	}
	s.restarts++
	s.start = time.Now().Add(-time.Duration(float64(s.scan) / max(s.cfg.SampleRate, 1) * float64(time.Second)))
	return nil
}

// Restarts returns how many restarts succeeded.
func (s *Synthetic) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}
