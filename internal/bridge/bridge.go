package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"acqstream/internal/acq"
	"acqstream/internal/model"
	"acqstream/internal/sampleq"
)

// Output is a sink running on its own clock, such as an audio monitor.
type Output interface {
	Write(samples []int16) error
}

// OutputFunc adapts a function to Output.
type OutputFunc func(samples []int16) error

func (f OutputFunc) Write(samples []int16) error { return f(samples) }

// Config sets the two clock domains.
type Config struct {
	InRate  float64
	OutRate float64
}

// Bridge drains a queue through a resampler into an Output.
type Bridge struct {
	queue *sampleq.Queue
	out   Output
	rs    *Resampler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	// OnFake is called with the size in samples of each placeholder played.
	OnFake func(samples int)
}

// New creates a bridge reading q and writing out.
func New(cfg Config, q *sampleq.Queue, out Output) *Bridge {
	return &Bridge{queue: q, out: out, rs: NewResampler(cfg.InRate, cfg.OutRate)}
}

// Run blocks until ctx is cancelled. Cancelling closes the queue; entries
// already queued are still played.
func (b *Bridge) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, b.queue.Close)
	defer stop()

	var out []int16
	for {
		it, ok := b.queue.Pop(true)
		if !ok {
			return nil
		}
		if it.Fake() && b.OnFake != nil {
			b.OnFake(it.FakeSize / 2)
		}
		out = b.rs.Process(out[:0], model.Int16s(it.Data))
		if len(out) == 0 {
			continue
		}
		if err := b.out.Write(out); err != nil {
			log.Printf("[bridge] %s output: %v", b.queue.Name(), err)
		}
	}
}

// Start runs the bridge in its own goroutine.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("bridge %s: %w", b.queue.Name(), acq.ErrAlreadyStarted)
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.Run(ctx)
	}()
	return nil
}

// Stop closes the queue and waits up to timeout for the backlog to play.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return acq.ErrStopTimeout
	}
}
