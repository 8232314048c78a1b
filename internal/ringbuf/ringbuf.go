// Package ringbuf provides a paged, single-writer multi-reader ring buffer
// over a caller-supplied memory region. The region may be ordinary heap
// memory or an mmapped shared-memory segment; readers hold no locks and may
// live in other processes.
//
// Region layout:
//
//	[header 0][header 1]...[header N-1][payload 0][payload 1]...[payload N-1]
//
// Each header is four little-endian uint32 words: magic, sequence, length,
// flags. Headers sit in a contiguous table so every word is 4-byte aligned
// for atomic access; logically each page is still header+payload and costs
// HeaderBytes+pageBytes of the region.
package ringbuf

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

const (
	// HeaderBytes is the size of one page header.
	HeaderBytes = 16

	// PageMagic marks a committed page and doubles as the layout version.
	PageMagic uint32 = 0x50414731 // "PAG1"

	flagFake uint32 = 1 << 0
)

// header word indexes
const (
	wMagic = iota
	wSeq
	wLength
	wFlags
)

// cacheLine is the typical x86-64 cache line size used for padding.
const cacheLine = 64

// ErrBadGeometry is returned when the page size does not fit the region.
// The ring returned alongside it is disabled: every operation is a no-op.
var ErrBadGeometry = errors.New("ringbuf: bad page geometry")

// Cursor is one reader's position in the ring. It is private to the reading
// goroutine and never touched by the writer.
type Cursor struct {
	LastPageRead uint32
	Slot         int32
}

// PageInfo describes a page returned by ReadNext.
type PageInfo struct {
	Seq     uint32
	Length  int  // valid payload bytes copied into dst
	Skipped int  // pages overwritten before this reader reached them
	Fake    bool // placeholder page written in place of lost data
}

// Ring is a fixed-capacity array of equal-size pages.
type Ring struct {
	mem        []byte
	pageBytes  int
	pageCount  int
	payloadOff int

	// writer-private state
	writing   bool
	writeSlot int

	_pad0       [cacheLine]byte
	lastWritten atomic.Uint32
	_pad1       [cacheLine]byte

	// Times any reader had to resynchronise after being lapped.
	lapped atomic.Uint64
}

// New lays a ring of pageBytes-sized pages over mem. It never panics: on
// bad geometry it returns a disabled ring together with ErrBadGeometry, so
// callers can check a configuration before committing to it.
func New(mem []byte, pageBytes int) (*Ring, error) {
	r := &Ring{}
	if pageBytes <= 0 || pageBytes > len(mem) {
		return r, ErrBadGeometry
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return r, ErrBadGeometry
	}
	count := len(mem) / (pageBytes + HeaderBytes)
	if count == 0 {
		return r, ErrBadGeometry
	}
	r.mem = mem
	r.pageBytes = pageBytes
	r.pageCount = count
	r.payloadOff = count * HeaderBytes
	return r, nil
}

// PageCount returns the number of pages, zero for a disabled ring.
func (r *Ring) PageCount() int { return r.pageCount }

// PageBytes returns the payload capacity of one page.
func (r *Ring) PageBytes() int { return r.pageBytes }

// Enabled reports whether construction succeeded.
func (r *Ring) Enabled() bool { return r.pageCount > 0 }

// LastWritten returns the sequence number of the most recent commit.
func (r *Ring) LastWritten() uint32 { return r.lastWritten.Load() }

// Lapped returns how many times readers resynchronised after an overwrite.
func (r *Ring) Lapped() uint64 { return r.lapped.Load() }

// Format invalidates every page header. Only the writer calls it, once,
// before the first WritePage on a fresh or reused region.
func (r *Ring) Format() {
	for i := 0; i < r.pageCount; i++ {
		h := r.header(i)
		atomic.StoreUint32(&h[wMagic], 0)
		atomic.StoreUint32(&h[wSeq], 0)
	}
	r.lastWritten.Store(0)
	r.writing = false
}

func (r *Ring) header(slot int) *[4]uint32 {
	return (*[4]uint32)(unsafe.Pointer(&r.mem[slot*HeaderBytes]))
}

func (r *Ring) payload(slot int) []byte {
	off := r.payloadOff + slot*r.pageBytes
	return r.mem[off : off+r.pageBytes : off+r.pageBytes]
}

func (r *Ring) slotOf(seq uint32) int {
	return int(seq % uint32(r.pageCount))
}

// WritePage returns the payload of the next slot for exclusive filling and
// invalidates its header so readers skip it while it is rewritten. It must
// be followed by Commit before the next WritePage. Returns nil when disabled.
func (r *Ring) WritePage() []byte {
	if r.pageCount == 0 {
		return nil
	}
	r.writeSlot = r.slotOf(r.lastWritten.Load() + 1)
	atomic.StoreUint32(&r.header(r.writeSlot)[wMagic], 0)
	r.writing = true
	return r.payload(r.writeSlot)
}

// Commit publishes the page obtained by WritePage. length is the number of
// valid payload bytes. The magic word is stored last, so a reader that sees
// it also sees the stable payload.
func (r *Ring) Commit(length int, fake bool) bool {
	if r.pageCount == 0 || !r.writing {
		return false
	}
	if length < 0 || length > r.pageBytes {
		length = r.pageBytes
	}
	var flags uint32
	if fake {
		flags |= flagFake
	}
	seq := r.lastWritten.Load() + 1
	h := r.header(r.writeSlot)
	atomic.StoreUint32(&h[wLength], uint32(length))
	atomic.StoreUint32(&h[wFlags], flags)
	atomic.StoreUint32(&h[wSeq], seq)
	atomic.StoreUint32(&h[wMagic], PageMagic)
	r.lastWritten.Store(seq)
	r.writing = false
	return true
}

// ReadNext copies the next unread page for cursor c into dst and advances
// the cursor. It never blocks: false means nothing new is readable yet and
// the caller should back off. dst should hold PageBytes bytes.
func (r *Ring) ReadNext(c *Cursor, dst []byte) (PageInfo, bool) {
	if r.pageCount == 0 {
		return PageInfo{}, false
	}
	expected := c.LastPageRead + 1
	slot := r.slotOf(expected)
	seq, ok := r.validSeq(slot)
	if !ok || seq < expected {
		return PageInfo{}, false
	}
	if seq > expected {
		// The writer lapped this reader; restart from the oldest intact page.
		slot, seq, ok = r.oldest(expected)
		if !ok {
			return PageInfo{}, false
		}
		r.lapped.Add(1)
	}
	info, ok := r.copyOut(slot, seq, dst)
	if !ok {
		return PageInfo{}, false
	}
	info.Skipped = int(seq - expected)
	c.LastPageRead = seq
	c.Slot = int32(slot)
	return info, true
}

// Reset rewinds c to the start of the stream.
func (r *Ring) Reset(c *Cursor) {
	c.LastPageRead = 0
	c.Slot = 0
}

func (r *Ring) validSeq(slot int) (uint32, bool) {
	h := r.header(slot)
	if atomic.LoadUint32(&h[wMagic]) != PageMagic {
		return 0, false
	}
	return atomic.LoadUint32(&h[wSeq]), true
}

// oldest finds the committed page with the smallest sequence >= min.
func (r *Ring) oldest(min uint32) (int, uint32, bool) {
	bestSlot, bestSeq, found := 0, uint32(0), false
	for i := 0; i < r.pageCount; i++ {
		seq, ok := r.validSeq(i)
		if !ok || seq < min {
			continue
		}
		if !found || seq < bestSeq {
			bestSlot, bestSeq, found = i, seq, true
		}
	}
	return bestSlot, bestSeq, found
}

// Newest returns the highest committed sequence visible in the header
// table. Unlike LastWritten it is meaningful on any handle over a shared
// region, not just the writer's.
func (r *Ring) Newest() (uint32, bool) {
	var best uint32
	found := false
	for i := 0; i < r.pageCount; i++ {
		seq, ok := r.validSeq(i)
		if ok && (!found || seq > best) {
			best, found = seq, true
		}
	}
	return best, found
}

// copyOut copies a page and re-validates its header afterwards; a header
// that changed during the copy means the writer overwrote the slot.
func (r *Ring) copyOut(slot int, seq uint32, dst []byte) (PageInfo, bool) {
	h := r.header(slot)
	length := int(atomic.LoadUint32(&h[wLength]))
	flags := atomic.LoadUint32(&h[wFlags])
	if length > r.pageBytes {
		return PageInfo{}, false
	}
	n := copy(dst, r.payload(slot)[:length])
	if atomic.LoadUint32(&h[wMagic]) != PageMagic || atomic.LoadUint32(&h[wSeq]) != seq {
		return PageInfo{}, false
	}
	return PageInfo{Seq: seq, Length: n, Fake: flags&flagFake != 0}, true
}

// State is a snapshot of ring geometry and progress for diagnostics.
type State struct {
	PageCount   int    `json:"page_count"`
	PageBytes   int    `json:"page_bytes"`
	LastWritten uint32 `json:"last_written"`
	Lapped      uint64 `json:"lapped"`
}

// DebugState returns the current State.
func (r *Ring) DebugState() State {
	return State{
		PageCount:   r.pageCount,
		PageBytes:   r.pageBytes,
		LastWritten: r.lastWritten.Load(),
		Lapped:      r.lapped.Load(),
	}
}
