package gateway

import (
	"sort"
	"sync"
)

type replayEntry struct {
	seq  int64
	data []byte
}

// ReplayBuffer keeps the most recent envelopes of one channel so clients
// that see a channel_seq gap can backfill through /api/missed. Sequences
// are pushed in increasing order.
type ReplayBuffer struct {
	mu      sync.RWMutex
	entries []replayEntry
	head    int // oldest
	n       int
}

// NewReplayBuffer creates a replay buffer holding capacity envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{entries: make([]replayEntry, capacity)}
}

// Push appends an envelope, evicting the oldest when full. data is
// retained; callers must not modify it afterwards.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	c := len(rb.entries)
	if rb.n == c {
		rb.entries[rb.head] = replayEntry{seq: seq, data: data}
		rb.head = (rb.head + 1) % c
		return
	}
	rb.entries[(rb.head+rb.n)%c] = replayEntry{seq: seq, data: data}
	rb.n++
}

func (rb *ReplayBuffer) at(i int) replayEntry {
	return rb.entries[(rb.head+i)%len(rb.entries)]
}

// Range returns the envelopes with seq in [fromSeq, toSeq], oldest first.
// toSeq <= 0 means up to the newest.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) [][]byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	start := sort.Search(rb.n, func(i int) bool { return rb.at(i).seq >= fromSeq })
	var out [][]byte
	for i := start; i < rb.n; i++ {
		e := rb.at(i)
		if toSeq > 0 && e.seq > toSeq {
			break
		}
		out = append(out, e.data)
	}
	return out
}

// Oldest returns the seq of the oldest retained envelope, 0 when empty.
func (rb *ReplayBuffer) Oldest() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.n == 0 {
		return 0
	}
	return rb.at(0).seq
}

// Len returns the number of retained envelopes.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.n
}
