package sampleq

import (
	"sort"
	"sync"
)

// Registry tracks the live queues of one process for back-pressure
// diagnostics. It is passed to New explicitly; there is no global instance.
type Registry struct {
	mu     sync.RWMutex
	queues map[*Queue]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[*Queue]struct{})}
}

func (r *Registry) add(q *Queue) {
	r.mu.Lock()
	r.queues[q] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) remove(q *Queue) {
	r.mu.Lock()
	delete(r.queues, q)
	r.mu.Unlock()
}

// Len returns the number of live queues.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queues)
}

// AllAbove reports whether every live queue is more than pct percent full.
// It is false when no queue is registered.
func (r *Registry) AllAbove(pct float64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.queues) == 0 {
		return false
	}
	for q := range r.queues {
		if q.Stat().Saturation() <= pct {
			return false
		}
	}
	return true
}

// Stats returns a snapshot of every live queue, sorted by name.
func (r *Registry) Stats() []Stat {
	r.mu.RLock()
	out := make([]Stat, 0, len(r.queues))
	for q := range r.queues {
		out = append(out, q.Stat())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
