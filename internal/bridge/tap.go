// Package bridge moves one channel of the acquisition stream into a
// differently clocked output. The Tap follows a Reader at the acquisition
// rate and feeds a bounded queue; the Bridge drains that queue, resamples
// and writes to the output at its own pace.
package bridge

import (
	"context"
	"encoding/binary"
	"log"
	"time"

	"acqstream/internal/sampleq"
	"acqstream/internal/scanpager"
)

// Tap copies one channel of every page into a queue as 16-bit samples.
type Tap struct {
	reader    *scanpager.Reader
	queue     *sampleq.Queue
	channel   int
	allowFake bool
	poll      time.Duration

	sig []int32
	buf []byte

	// OnSkip is called with the number of pages the tap's reader lost.
	OnSkip func(pages int)
}

// NewTap builds a tap for channel ch. With allowFake the queue records
// placeholders instead of evicting when the output falls behind.
func NewTap(r *scanpager.Reader, q *sampleq.Queue, ch int, allowFake bool, poll time.Duration) *Tap {
	if poll <= 0 {
		poll = 5 * time.Millisecond
	}
	return &Tap{reader: r, queue: q, channel: ch, allowFake: allowFake, poll: poll}
}

// Run polls the reader until ctx is cancelled.
func (t *Tap) Run(ctx context.Context) error {
	g := t.reader.Geometry()
	spp := g.ScansPerPage()
	for {
		c, err := t.reader.Poll(ctx, t.poll)
		if err != nil {
			return nil
		}
		if c.Skipped > 0 {
			if t.OnSkip != nil {
				t.OnSkip(c.Skipped)
			} else {
				log.Printf("[bridge] tap lost %d pages", c.Skipped)
			}
			// Keep output time aligned: one silent page per lost page.
			silent := make([]byte, spp*2)
			for i := 0; i < c.Skipped; i++ {
				t.queue.Push(silent, spp, t.allowFake, 0, nil)
			}
		}
		t.sig = g.Channel(t.sig, c.Samples, c.Scans, t.channel)
		t.buf = toPCM16(t.buf, t.sig, g.SampleWidth)
		t.queue.Push(t.buf, c.Scans, t.allowFake, 0, c.Meta)
	}
}

// toPCM16 scales samples of the given width to 16 bits, little-endian.
func toPCM16(dst []byte, sig []int32, width int) []byte {
	n := len(sig) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, v := range sig {
		switch width {
		case 1:
			v <<= 8
		case 4:
			v >>= 16
		}
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(int16(v)))
	}
	return dst
}
