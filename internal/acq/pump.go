package acq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"acqstream/internal/demux"
	"acqstream/internal/model"
	"acqstream/internal/scanpager"
)

// ErrWriterRejected is reported through OnError when the writer refuses a
// frame, for instance a short read or a missing metadata record on a pager
// with metadata. The scans are replaced by placeholder pages.
var ErrWriterRejected = errors.New("acq: writer rejected frame")

// PumpConfig describes the producer side of a session.
type PumpConfig struct {
	// In is the producer's scan geometry. When Transform is nil it must
	// match the writer geometry.
	In        model.Geometry
	Transform demux.Transform

	ErrorBackoff time.Duration
	MaxErrors    int // consecutive non-overrun errors before Run fails; 0 = never
}

// Pump is the single producer loop: Producer.FillPage -> transform -> Writer.
type Pump struct {
	cfg      PumpConfig
	producer model.Producer
	writer   *scanpager.Writer
	meta     model.MetadataSource
	rejected atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	// Hooks (optional).
	OnPage    func(scans int)
	OnOverrun func()
	OnError   func(err error)
}

// NewPump binds a producer to the writer it feeds.
func NewPump(cfg PumpConfig, p model.Producer, w *scanpager.Writer) *Pump {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 100 * time.Millisecond
	}
	pump := &Pump{cfg: cfg, producer: p, writer: w}
	if ms, ok := p.(model.MetadataSource); ok && w.Geometry().MetadataBytes > 0 {
		pump.meta = ms
	} else if w.Geometry().MetadataBytes > 0 {
		log.Printf("[pump] producer %T supplies no page metadata; every page will be a placeholder", p)
	}
	return pump
}

// Rejected counts scans the writer refused and the pump replaced with
// placeholder pages.
func (p *Pump) Rejected() int64 { return p.rejected.Load() }

// Run fills pages until ctx is cancelled. Overruns become placeholder
// pages; other producer errors are retried after a backoff.
func (p *Pump) Run(ctx context.Context) error {
	geo := p.writer.Geometry()
	spp := geo.ScansPerPage()
	scratch := make([]byte, spp*p.cfg.In.ScanBytes())
	var out, meta []byte
	if p.meta != nil {
		meta = make([]byte, geo.MetadataBytes)
	}
	defer p.writer.Flush()

	consecutive := 0
	for {
		n, err := p.producer.FillPage(ctx, scratch)
		if ctx.Err() != nil {
			return nil
		}
		overrun := errors.Is(err, model.ErrOverrun)
		if err != nil && !overrun {
			consecutive++
			if p.OnError != nil {
				p.OnError(err)
			}
			log.Printf("[pump] producer error (%d): %v", consecutive, err)
			if p.cfg.MaxErrors > 0 && consecutive >= p.cfg.MaxErrors {
				return fmt.Errorf("pump: %d consecutive producer errors: %w", consecutive, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}
		consecutive = 0

		if n > 0 {
			frame := scratch[:n*p.cfg.In.ScanBytes()]
			if p.cfg.Transform != nil {
				out = p.cfg.Transform(out, frame, n)
				frame = out
			}
			var m []byte
			if p.meta != nil && n == spp {
				p.meta.PageMetadata(meta)
				m = meta
			}
			if p.writer.Write(frame, n, m) {
				if p.OnPage != nil {
					p.OnPage(n)
				}
			} else {
				p.rejected.Add(int64(n))
				pages := p.writer.WriteFake(n)
				rerr := fmt.Errorf("%w: %d scans, %d placeholder pages", ErrWriterRejected, n, pages)
				log.Printf("[pump] %v", rerr)
				if p.OnError != nil {
					p.OnError(rerr)
				}
			}
		}
		if overrun {
			pages := p.writer.WriteFake(spp)
			log.Printf("[pump] producer overrun, wrote %d placeholder pages", pages)
			if p.OnOverrun != nil {
				p.OnOverrun()
			}
		}
	}
}

// Start runs the pump in its own goroutine.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		err := p.Run(ctx)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()
	return nil
}

// Done is closed when the loop started by Start exits.
func (p *Pump) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the error the loop exited with, if any.
func (p *Pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop cancels the loop and waits up to timeout for it to exit.
func (p *Pump) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	return stopWait(cancel, done, timeout)
}
