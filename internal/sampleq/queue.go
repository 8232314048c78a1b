// Package sampleq decouples two clock domains with a depth-limited queue of
// sample buffers. When the consumer falls behind, the queue either evicts
// its oldest entry or, for consumers that must keep time alignment, records
// a fake marker that later decodes to placeholder samples of known size.
package sampleq

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLockTimeout bounds Pop(false) lock attempts.
const DefaultLockTimeout = 5 * time.Millisecond

// Item is one dequeued entry.
type Item struct {
	Data        []byte
	SampleCount int
	FakeSize    int // > 0 when Data is placeholder fill
	Meta        []byte
}

// Fake reports whether the item stands in for lost data.
func (it Item) Fake() bool { return it.FakeSize > 0 }

type entry struct {
	data     []byte
	samples  int
	meta     []byte
	fakeSize int
	metaSize int
}

// Config sizes a queue.
type Config struct {
	Name        string
	MaxDepth    int
	LockTimeout time.Duration
}

// Queue is safe for one or more producers and consumers.
type Queue struct {
	name        string
	maxDepth    int
	lockTimeout time.Duration
	registry    *Registry

	mu      sync.Mutex
	cond    *sync.Cond
	entries []entry
	closed  bool

	pushed    atomic.Uint64
	overflows atomic.Uint64
	fakes     atomic.Uint64
	evicted   atomic.Uint64

	// OnOverflow is called, outside the lock, each time a push finds the
	// queue full.
	OnOverflow func(name string)

	// FakeFill writes the placeholder value into a decoded fake entry.
	// Nil leaves it zeroed.
	FakeFill func(p []byte)
}

// New creates a queue and registers it with reg (which may be nil).
func New(cfg Config, reg *Registry) *Queue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	q := &Queue{
		name:        cfg.Name,
		maxDepth:    cfg.MaxDepth,
		lockTimeout: cfg.LockTimeout,
		registry:    reg,
	}
	q.cond = sync.NewCond(&q.mu)
	if reg != nil {
		reg.add(q)
	}
	return q
}

// Name returns the queue label.
func (q *Queue) Name() string { return q.name }

// MaxDepth returns the configured depth limit.
func (q *Queue) MaxDepth() int { return q.maxDepth }

// Push enqueues a copy of buf holding sampleCount samples. When the queue
// is full the overflow hook fires; then, with allowFake, a fake marker of
// fakeSize bytes (len(buf) when fakeSize <= 0) is appended in place of
// the data, otherwise the oldest entry is evicted to make room.
// Returns false if the queue is closed.
func (q *Queue) Push(buf []byte, sampleCount int, allowFake bool, fakeSize int, meta []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	full := len(q.entries) >= q.maxDepth
	switch {
	case full && allowFake:
		if fakeSize <= 0 {
			fakeSize = len(buf)
		}
		q.entries = append(q.entries, entry{samples: sampleCount, fakeSize: fakeSize, metaSize: len(meta)})
		q.fakes.Add(1)
	default:
		if full {
			q.entries[0] = entry{}
			q.entries = q.entries[1:]
			q.evicted.Add(1)
		}
		e := entry{data: append([]byte(nil), buf...), samples: sampleCount}
		if len(meta) > 0 {
			e.meta = append([]byte(nil), meta...)
		}
		q.entries = append(q.entries, e)
	}
	q.pushed.Add(1)
	q.cond.Signal()
	q.mu.Unlock()

	if full {
		q.overflows.Add(1)
		if q.OnOverflow != nil {
			q.OnOverflow(q.name)
		} else {
			log.Printf("[sampleq] %s full at depth %d (fake=%v)", q.name, q.maxDepth, allowFake)
		}
	}
	return true
}

// Pop removes the oldest entry. With wait it blocks until an entry arrives
// or the queue is closed. Without wait it gives up after the lock timeout
// or when the queue is empty.
func (q *Queue) Pop(wait bool) (Item, bool) {
	if wait {
		q.mu.Lock()
		for len(q.entries) == 0 && !q.closed {
			q.cond.Wait()
		}
	} else if !q.tryLock() {
		return Item{}, false
	}
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return Item{}, false
	}
	e := q.entries[0]
	q.entries[0] = entry{}
	q.entries = q.entries[1:]
	q.cond.Broadcast()
	q.mu.Unlock()

	if e.fakeSize == 0 {
		return Item{Data: e.data, SampleCount: e.samples, Meta: e.meta}, true
	}
	it := Item{
		Data:        make([]byte, e.fakeSize),
		SampleCount: e.samples,
		FakeSize:    e.fakeSize,
	}
	if e.metaSize > 0 {
		it.Meta = make([]byte, e.metaSize)
	}
	if q.FakeFill != nil {
		q.FakeFill(it.Data)
	}
	return it, true
}

func (q *Queue) tryLock() bool {
	deadline := time.Now().Add(q.lockTimeout)
	for {
		if q.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// Len returns the current depth, fake markers included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// WaitForEmpty blocks until the consumer drains the queue or timeout
// elapses. Returns true if the queue emptied.
func (q *Queue) WaitForEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if q.Len() == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// Close wakes blocked consumers and unregisters the queue. Entries still
// queued can be drained with Pop.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	if q.registry != nil {
		q.registry.remove(q)
	}
}

// Stat is a point-in-time view of a queue.
type Stat struct {
	Name      string `json:"name"`
	Depth     int    `json:"depth"`
	MaxDepth  int    `json:"max_depth"`
	Pushed    uint64 `json:"pushed"`
	Overflows uint64 `json:"overflows"`
	Fakes     uint64 `json:"fakes"`
	Evicted   uint64 `json:"evicted"`
}

// Saturation returns depth as a percentage of MaxDepth.
func (s Stat) Saturation() float64 {
	if s.MaxDepth == 0 {
		return 0
	}
	return float64(s.Depth) / float64(s.MaxDepth) * 100
}

// Stat returns the queue's counters.
func (q *Queue) Stat() Stat {
	return Stat{
		Name:      q.name,
		Depth:     q.Len(),
		MaxDepth:  q.maxDepth,
		Pushed:    q.pushed.Load(),
		Overflows: q.overflows.Load(),
		Fakes:     q.fakes.Load(),
		Evicted:   q.evicted.Load(),
	}
}
