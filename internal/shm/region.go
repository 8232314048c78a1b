// Package shm owns the memory regions ring buffers are laid over. A region
// is either private heap memory or a file mapped MAP_SHARED so that readers
// in other processes see the same pages.
//
// Lifetime is reference counted: the creator holds the first reference and
// every Writer or Reader handle takes one more. The memory is unmapped only
// when the last reference is released.
package shm

import (
	"errors"
	"sync"
	"unsafe"
)

// ErrReleased is returned by Acquire once the region has been unmapped.
var ErrReleased = errors.New("shm: region released")

// Region is a refcounted byte region.
type Region struct {
	mu      sync.Mutex
	name    string
	mem     []byte
	refs    int
	release func() error
}

func newRegion(name string, mem []byte, release func() error) *Region {
	return &Region{name: name, mem: mem, refs: 1, release: release}
}

// Heap returns a process-private region of size bytes, 8-byte aligned so
// the ring header table can be accessed atomically.
func Heap(size int) *Region {
	if size < 0 {
		size = 0
	}
	words := make([]uint64, (size+7)/8)
	var mem []byte
	if len(words) > 0 {
		mem = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return newRegion("heap", mem, nil)
}

// Name returns the backing path, or "heap".
func (r *Region) Name() string { return r.name }

// Size returns the region length in bytes.
func (r *Region) Size() int { return len(r.mem) }

// Bytes returns the mapped memory. The slice must not be used after the
// caller's reference is released.
func (r *Region) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem
}

// Acquire takes an additional reference.
func (r *Region) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs <= 0 {
		return ErrReleased
	}
	r.refs++
	return nil
}

// Release drops one reference and unmaps the region when none remain.
// Releasing more often than acquiring is a no-op.
func (r *Region) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs <= 0 {
		return nil
	}
	r.refs--
	if r.refs > 0 {
		return nil
	}
	r.mem = nil
	if r.release != nil {
		return r.release()
	}
	return nil
}

// Refs returns the current reference count.
func (r *Region) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}
