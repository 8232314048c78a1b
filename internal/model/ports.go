package model

import (
	"context"
	"errors"
)

// Collaborator ports.
// The acquisition core only talks to hardware, storage and display through
// these interfaces. Concrete implementations live in internal/producer,
// internal/store and internal/gateway.

// ErrOverrun is returned by a Producer when the device lost samples
// (hardware FIFO overflow, dropped frames on the wire).
var ErrOverrun = errors.New("producer overrun")

// Producer fills scratch with whole scans read from the device.
type Producer interface {
	// FillPage blocks until data is available or ctx is done, writes whole
	// scans into scratch and returns how many scans were written.
	// Returns ErrOverrun (possibly wrapped) when samples were lost; the
	// scans already in scratch are still valid.
	FillPage(ctx context.Context, scratch []byte) (int, error)
}

// MetadataSource is implemented by producers that attach a fixed-size
// record to every full page.
type MetadataSource interface {
	PageMetadata(dst []byte)
}

// Restarter is the optional overrun-recovery capability of a Producer.
type Restarter interface {
	// Restart stops and restarts hardware reads after a buffer overflow.
	Restart(ctx context.Context) error
}

// ScanRange identifies a contiguous run of scans within one accepted
// trigger window. FirstScan is the absolute scan index since session start.
type ScanRange struct {
	RangeID   int   `json:"range_id"`
	FirstScan int64 `json:"first_scan"`
	Scans     int   `json:"scans"`
}

// End returns the index one past the last scan in the range.
func (r ScanRange) End() int64 {
	return r.FirstScan + int64(r.Scans)
}

// Sink receives finished, contiguous scan ranges.
type Sink interface {
	// Append stores scans (raw frame bytes) belonging to range r.
	// Successive calls for the same RangeID are contiguous.
	Append(scans []byte, r ScanRange) error

	// MarkBadRange records scans that were synthesized or lost.
	MarkBadRange(firstScan, length int64) error

	// CloseRange finishes the current range. The next Append with a new
	// RangeID opens another one.
	CloseRange() error
}

// DisplayFlusher is implemented by display consumers that keep their own
// scrollback and can hand it to a Sink on manual trigger.
type DisplayFlusher interface {
	// FlushInto appends the retained scans that precede endScan to range
	// rangeID and returns how many scans were written. endScan is a stream
	// position: scans counted from page lengths, skipped pages counted as
	// full, the same for every reader of the ring.
	FlushInto(sink Sink, rangeID int, endScan int64) (int, error)
}
