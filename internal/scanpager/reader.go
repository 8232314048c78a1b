package scanpager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"acqstream/internal/ringbuf"
	"acqstream/internal/shm"
)

// Chunk is one page as seen by a Reader. Samples and Meta alias the
// reader's scratch buffer and are only valid until the next call to Next.
type Chunk struct {
	Seq     uint32
	Samples []byte // Scans whole scans
	Meta    []byte // nil unless metadata is configured
	Scans   int
	Skipped int // pages lost before this one
	Fake    bool
}

// Reader is one independent consumer cursor. Each consumer goroutine owns
// its own Reader; Readers never coordinate with each other or the Writer.
type Reader struct {
	name      string
	geo       Geometry
	scanBytes int
	payload   int

	region *shm.Region
	ring   *ringbuf.Ring
	cursor ringbuf.Cursor
	buf    []byte

	view     *ringbuf.Ring // never cleared; backs Lag
	closed   atomic.Bool
	lastRead atomic.Uint32

	scansSeen      atomic.Int64
	scansWithSkips atomic.Int64
	pagesSkipped   atomic.Int64
	closeOnce      sync.Once
}

// NewReader binds a new cursor to region. The region may be shared with a
// Writer in this or another process.
func NewReader(region *shm.Region, g Geometry, name string) (*Reader, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	ring, err := ringbuf.New(region.Bytes(), g.PageBytes)
	if err != nil {
		return nil, fmt.Errorf("scanpager: reader %s: %w", name, err)
	}
	if err := region.Acquire(); err != nil {
		return nil, err
	}
	return &Reader{
		name:      name,
		geo:       g,
		scanBytes: g.ScanBytes(),
		payload:   g.PayloadBytes(),
		region:    region,
		ring:      ring,
		view:      ring,
		buf:       make([]byte, g.PageBytes),
	}, nil
}

// Name returns the consumer label used in logs and metrics.
func (r *Reader) Name() string { return r.name }

// Geometry returns the page framing.
func (r *Reader) Geometry() Geometry { return r.geo }

// Next returns the next unread page. It never blocks.
func (r *Reader) Next() (Chunk, bool) {
	if r.ring == nil {
		return Chunk{}, false
	}
	info, ok := r.ring.ReadNext(&r.cursor, r.buf)
	if !ok {
		return Chunk{}, false
	}
	n := info.Length
	if n > r.payload {
		n = r.payload
	}
	scans := n / r.scanBytes
	c := Chunk{
		Seq:     info.Seq,
		Samples: r.buf[:scans*r.scanBytes],
		Scans:   scans,
		Skipped: info.Skipped,
		Fake:    info.Fake,
	}
	if r.geo.MetadataBytes > 0 {
		c.Meta = r.buf[r.geo.PageBytes-r.geo.MetadataBytes : r.geo.PageBytes]
	}
	r.lastRead.Store(info.Seq)
	r.scansSeen.Add(int64(scans))
	r.scansWithSkips.Add(int64(scans + info.Skipped*r.geo.ScansPerPage()))
	r.pagesSkipped.Add(int64(info.Skipped))
	return c, true
}

// Poll waits for the next page, sleeping interval between empty polls.
func (r *Reader) Poll(ctx context.Context, interval time.Duration) (Chunk, error) {
	for {
		if c, ok := r.Next(); ok {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Reset rewinds the cursor to the start of the stream and clears counters.
func (r *Reader) Reset() {
	if r.ring != nil {
		r.ring.Reset(&r.cursor)
	}
	r.lastRead.Store(0)
	r.scansSeen.Store(0)
	r.scansWithSkips.Store(0)
	r.pagesSkipped.Store(0)
}

// ScansSeen counts scans actually returned by Next.
func (r *Reader) ScansSeen() int64 { return r.scansSeen.Load() }

// ScansSeenIncludingSkips adds the scans of skipped pages, assuming they
// were full.
func (r *Reader) ScansSeenIncludingSkips() int64 { return r.scansWithSkips.Load() }

// PagesSkipped counts pages lost to overwrites.
func (r *Reader) PagesSkipped() int64 { return r.pagesSkipped.Load() }

// LastPageRead returns the sequence of the most recently read page. Safe
// from any goroutine.
func (r *Reader) LastPageRead() uint32 { return r.lastRead.Load() }

// Lag returns how many committed pages this reader has not consumed yet.
// The newest sequence comes from the shared header table, so it is correct
// on a region written by another handle or process. Safe from any
// goroutine.
func (r *Reader) Lag() uint32 {
	if r.closed.Load() {
		return 0
	}
	newest, ok := r.view.Newest()
	last := r.lastRead.Load()
	if !ok || newest <= last {
		return 0
	}
	return newest - last
}

// Close drops the region reference. Next returns false afterwards.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.ring = nil
		err = r.region.Release()
	})
	return err
}
