package scanpager

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"acqstream/internal/model"
	"acqstream/internal/ringbuf"
	"acqstream/internal/shm"
)

// Writer is the single producer side of a paged scan stream. It is not
// safe for concurrent use; exactly one goroutine (the Pump) owns it.
type Writer struct {
	geo          Geometry
	scanBytes    int
	scansPerPage int
	payload      int

	region *shm.Region
	ring   *ringbuf.Ring

	page []byte // open page, nil when none
	off  int

	pages        atomic.Uint64
	fakePages    atomic.Uint64
	droppedBytes atomic.Uint64
	closeOnce    sync.Once

	// OnCommit is called after every committed page (metrics hook).
	OnCommit func(seq uint32, scans int, fake bool)
}

// NewWriter lays a ring over region and formats it. The writer holds a
// reference on region until Close.
func NewWriter(region *shm.Region, g Geometry) (*Writer, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	ring, err := ringbuf.New(region.Bytes(), g.PageBytes)
	if err != nil {
		return nil, fmt.Errorf("scanpager: region of %d bytes: %w", region.Size(), err)
	}
	if err := region.Acquire(); err != nil {
		return nil, err
	}
	ring.Format()
	return &Writer{
		geo:          g,
		scanBytes:    g.ScanBytes(),
		scansPerPage: g.ScansPerPage(),
		payload:      g.PayloadBytes(),
		region:       region,
		ring:         ring,
	}, nil
}

// Geometry returns the page framing.
func (w *Writer) Geometry() Geometry { return w.geo }

// Ring exposes the underlying ring for diagnostics.
func (w *Writer) Ring() *ringbuf.Ring { return w.ring }

// PagesWritten returns the number of committed pages, fakes included.
// Counters are safe to read from any goroutine.
func (w *Writer) PagesWritten() uint64 { return w.pages.Load() }

// FakePages returns the number of placeholder pages committed.
func (w *Writer) FakePages() uint64 { return w.fakePages.Load() }

// DroppedBytes counts partial-scan bytes discarded by Flush and WriteFake.
func (w *Writer) DroppedBytes() uint64 { return w.droppedBytes.Load() }

// Write appends scanCount scans from scans. With metadata configured, each
// call must supply exactly one full page of scans and its metadata record.
// Without metadata, scans accumulate into the open page and a page is
// committed each time it fills. Returns false when the call is rejected.
func (w *Writer) Write(scans []byte, scanCount int, meta []byte) bool {
	if w.ring == nil || scanCount < 0 || len(scans) < scanCount*w.scanBytes {
		return false
	}
	if w.geo.MetadataBytes > 0 {
		if len(meta) != w.geo.MetadataBytes || scanCount != w.scansPerPage || w.page != nil {
			return false
		}
		p := w.ring.WritePage()
		copy(p, scans[:w.payload])
		copy(p[w.geo.PageBytes-w.geo.MetadataBytes:], meta)
		w.commit(w.geo.PageBytes, false)
		return true
	}
	if len(meta) > 0 {
		return false
	}
	src := scans[:scanCount*w.scanBytes]
	for len(src) > 0 {
		dst := w.BeginPartial()
		n := copy(dst, src)
		src = src[n:]
		w.EndPartial(n)
	}
	return true
}

// BeginPartial returns the writable remainder of the open page, opening a
// new one if needed. Not available when metadata is configured.
func (w *Writer) BeginPartial() []byte {
	if w.ring == nil || w.geo.MetadataBytes > 0 {
		return nil
	}
	if w.page == nil {
		w.page = w.ring.WritePage()
		w.off = 0
	}
	return w.page[w.off:w.payload]
}

// EndPartial records n bytes written into the slice from BeginPartial and
// commits the page when it fills. It returns false when n is out of range
// or the open page is left in the middle of a scan; the caller should stop
// writing in that case.
func (w *Writer) EndPartial(n int) bool {
	if w.page == nil || n < 0 || w.off+n > w.payload {
		return false
	}
	w.off += n
	if w.off == w.payload {
		w.commit(w.payload, false)
		return true
	}
	return w.off%w.scanBytes == 0
}

// WriteStream writes an arbitrary byte run, straddling pages as needed.
// It reports false if the stream is left misaligned.
func (w *Writer) WriteStream(p []byte) bool {
	if w.ring == nil || w.geo.MetadataBytes > 0 {
		return false
	}
	ok := true
	for len(p) > 0 {
		dst := w.BeginPartial()
		n := copy(dst, p)
		p = p[n:]
		ok = w.EndPartial(n)
	}
	return ok
}

// Flush commits the open page even if it is not full, truncated to whole
// scans. It returns the number of scans committed.
func (w *Writer) Flush() int {
	if w.page == nil {
		return 0
	}
	n := w.off - w.off%w.scanBytes
	if n == 0 {
		return 0
	}
	w.droppedBytes.Add(uint64(w.off - n))
	w.commit(n, false)
	return n / w.scanBytes
}

// WriteFake commits placeholder pages covering scanCount scans, filled with
// the maximum sample value and flagged fake, so every reader can see where
// the producer lost data. Any open page is flushed first. Returns the
// number of pages committed.
func (w *Writer) WriteFake(scanCount int) int {
	if w.ring == nil || scanCount <= 0 {
		return 0
	}
	w.Flush()
	if w.page != nil {
		// Less than one scan left open. Abandon the page uncommitted; the
		// next WritePage reuses its slot.
		w.droppedBytes.Add(uint64(w.off))
		w.page = nil
		w.off = 0
	}
	pages := 0
	for scanCount > 0 {
		n := scanCount
		if n > w.scansPerPage {
			n = w.scansPerPage
		}
		p := w.ring.WritePage()
		model.FillMax(p[:n*w.scanBytes], w.geo.SampleWidth)
		if w.geo.MetadataBytes > 0 {
			clear(p[w.geo.PageBytes-w.geo.MetadataBytes:])
		}
		w.commit(n*w.scanBytes, true)
		scanCount -= n
		pages++
	}
	return pages
}

func (w *Writer) commit(length int, fake bool) {
	w.ring.Commit(length, fake)
	w.page = nil
	w.off = 0
	w.pages.Add(1)
	if fake {
		w.fakePages.Add(1)
	}
	if w.OnCommit != nil {
		w.OnCommit(w.ring.LastWritten(), length/w.scanBytes, fake)
	}
}

// Close flushes the open page and drops the region reference.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.ring == nil {
			return
		}
		if n := w.Flush(); n > 0 {
			log.Printf("[scanpager] flushed %d scans on close", n)
		}
		w.ring = nil
		err = w.region.Release()
	})
	return err
}
