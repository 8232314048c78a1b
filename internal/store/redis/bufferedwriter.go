package redis

import (
	"context"
	"log"
	"sync"
)

// PageWriter is what Follow and the trigger hook publish through.
type PageWriter interface {
	WritePage(ctx context.Context, ev PageEvent) error
	WriteTransition(ctx context.Context, ev TransitionEvent) error
}

// eventPublisher is satisfied by *Publisher.
type eventPublisher interface {
	PublishPage(ctx context.Context, ev PageEvent) error
	PublishTransition(ctx context.Context, ev TransitionEvent) error
}

// pendingWrite is an event held back while the circuit is open. Exactly
// one of page and transition is set.
type pendingWrite struct {
	page       *PageEvent
	transition *TransitionEvent
}

// BufferedWriter wraps a Publisher with a circuit breaker. While the
// circuit is open, events are buffered locally (oldest dropped beyond
// maxBuf) and replayed in order once it closes.
type BufferedWriter struct {
	pub eventPublisher
	cb  *CircuitBreaker
	ctx context.Context

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int
	drops  int64

	// Callbacks
	OnBuffer func()          // called when a write is buffered
	OnDrop   func()          // called when a buffered write is discarded
	OnFlush  func(count int) // called after flushing buffered writes
}

// NewBufferedWriter creates a BufferedWriter around pub.
func NewBufferedWriter(ctx context.Context, pub eventPublisher, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		pub:    pub,
		cb:     cb,
		ctx:    ctx,
		buffer: make([]pendingWrite, 0, 256),
		maxBuf: maxBufferSize,
	}

	prevCallback := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prevCallback != nil {
			prevCallback(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}
	return bw
}

// WritePage publishes a page summary through the circuit breaker.
func (bw *BufferedWriter) WritePage(ctx context.Context, ev PageEvent) error {
	err := bw.cb.Execute(func() error { return bw.pub.PublishPage(ctx, ev) })
	if err != nil {
		bw.bufferWrite(pendingWrite{page: &ev})
	}
	if err == ErrCircuitOpen {
		return nil
	}
	return err
}

// WriteTransition publishes a trigger event through the circuit breaker.
func (bw *BufferedWriter) WriteTransition(ctx context.Context, ev TransitionEvent) error {
	err := bw.cb.Execute(func() error { return bw.pub.PublishTransition(ctx, ev) })
	if err != nil {
		bw.bufferWrite(pendingWrite{transition: &ev})
	}
	if err == ErrCircuitOpen {
		return nil
	}
	return err
}

func (bw *BufferedWriter) bufferWrite(pw pendingWrite) {
	bw.mu.Lock()
	dropped := false
	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
		bw.drops++
		dropped = true
	}
	bw.buffer = append(bw.buffer, pw)
	bw.mu.Unlock()

	if dropped && bw.OnDrop != nil {
		bw.OnDrop()
	}
	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays buffered events directly on the publisher. Events that
// still fail are put back at the head of the buffer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 256)
	bw.mu.Unlock()

	flushed := 0
	for i, pw := range toFlush {
		var err error
		if pw.page != nil {
			err = bw.pub.PublishPage(bw.ctx, *pw.page)
		} else {
			err = bw.pub.PublishTransition(bw.ctx, *pw.transition)
		}
		if err != nil {
			log.Printf("[buffered-writer] flush stopped after %d writes: %v", flushed, err)
			bw.mu.Lock()
			bw.buffer = append(append([]pendingWrite(nil), toFlush[i:]...), bw.buffer...)
			bw.mu.Unlock()
			break
		}
		flushed++
	}

	log.Printf("[buffered-writer] flushed %d buffered writes", flushed)
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Dropped returns how many buffered writes were discarded.
func (bw *BufferedWriter) Dropped() int64 {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.drops
}

// Breaker returns the circuit breaker.
func (bw *BufferedWriter) Breaker() *CircuitBreaker { return bw.cb }
