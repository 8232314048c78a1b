// Package scanpager frames a ringbuf.Ring as a stream of multi-channel
// scans. Each page carries up to ScansPerPage whole scans and, optionally,
// a fixed-size metadata record in its last MetadataBytes bytes.
package scanpager

import (
	"errors"
	"fmt"
	"time"

	"acqstream/internal/model"
	"acqstream/internal/ringbuf"
)

// ErrNoScansPerPage is returned when a page cannot hold a single scan.
var ErrNoScansPerPage = errors.New("scanpager: page too small for one scan")

// Geometry is the page framing shared by a Writer and its Readers.
type Geometry struct {
	model.Geometry
	PageBytes     int `json:"page_bytes"`
	MetadataBytes int `json:"metadata_bytes"`
}

// ForScans returns the geometry whose pages hold exactly scans scans.
func ForScans(g model.Geometry, scans, metadataBytes int) Geometry {
	return Geometry{Geometry: g, PageBytes: scans*g.ScanBytes() + metadataBytes, MetadataBytes: metadataBytes}
}

// ScansPerPage is (PageBytes-MetadataBytes)/ScanBytes, truncated.
func (g Geometry) ScansPerPage() int {
	sb := g.ScanBytes()
	if sb <= 0 || g.PageBytes <= g.MetadataBytes {
		return 0
	}
	return (g.PageBytes - g.MetadataBytes) / sb
}

// PayloadBytes is the sample area of a full page.
func (g Geometry) PayloadBytes() int {
	return g.ScansPerPage() * g.ScanBytes()
}

// RegionBytes returns the region size needed for pages pages.
func (g Geometry) RegionBytes(pages int) int {
	return pages * (g.PageBytes + ringbuf.HeaderBytes)
}

// PagePeriod returns the time one full page takes to fill at sampleRate
// scans per second.
func (g Geometry) PagePeriod(sampleRate float64) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(g.ScansPerPage()) / sampleRate * float64(time.Second))
}

// Validate checks that the geometry can frame at least one scan.
func (g Geometry) Validate() error {
	if err := g.Geometry.Validate(); err != nil {
		return err
	}
	if g.MetadataBytes < 0 {
		return fmt.Errorf("metadata bytes must not be negative, got %d", g.MetadataBytes)
	}
	if g.ScansPerPage() == 0 {
		return fmt.Errorf("%w: page=%d meta=%d scan=%d", ErrNoScansPerPage, g.PageBytes, g.MetadataBytes, g.ScanBytes())
	}
	return nil
}
