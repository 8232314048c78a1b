package acq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"acqstream/internal/demux"
	"acqstream/internal/model"
	"acqstream/internal/scanpager"
	"acqstream/internal/shm"
)

// scriptedProducer replays a fixed list of results, then blocks on ctx.
type scriptedProducer struct {
	mu    sync.Mutex
	steps []step
	next  int
}

type step struct {
	scans int
	err   error
}

func (p *scriptedProducer) FillPage(ctx context.Context, scratch []byte) (int, error) {
	p.mu.Lock()
	if p.next >= len(p.steps) {
		p.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	s := p.steps[p.next]
	p.next++
	p.mu.Unlock()
	for i := 0; i < s.scans*testGeo.ScanBytes(); i++ {
		scratch[i] = byte(i)
	}
	return s.scans, s.err
}

func TestPump_WritesPagesAndPlaceholders(t *testing.T) {
	w, r := newSession(t, 10, 16)
	prod := &scriptedProducer{steps: []step{
		{scans: 10},
		{scans: 4, err: model.ErrOverrun},
		{scans: 0, err: errors.New("transient")},
		{scans: 10},
	}}
	var overruns, errs int
	p := NewPump(PumpConfig{In: testGeo, ErrorBackoff: time.Millisecond}, prod, w)
	p.OnOverrun = func() { overruns++ }
	p.OnError = func(error) { errs++ }

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pages", func() bool { return w.PagesWritten() >= 4 })
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// 10 real, 4 real flushed ahead of the placeholder page, then 10 real.
	var real, fake int
	for {
		c, ok := r.Next()
		if !ok {
			break
		}
		if c.Fake {
			fake += c.Scans
		} else {
			real += c.Scans
		}
	}
	if real != 24 || fake != 10 {
		t.Errorf("real=%d fake=%d, want 24/10", real, fake)
	}
	if overruns != 1 || errs != 1 {
		t.Errorf("overruns=%d errs=%d", overruns, errs)
	}
}

func TestPump_FailsAfterMaxErrors(t *testing.T) {
	w, _ := newSession(t, 10, 4)
	boom := errors.New("boom")
	prod := &scriptedProducer{steps: []step{{err: boom}, {err: boom}}}
	p := NewPump(PumpConfig{In: testGeo, ErrorBackoff: time.Millisecond, MaxErrors: 2}, prod, w)
	err := p.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run: %v", err)
	}
}

func TestPump_AppliesTransform(t *testing.T) {
	in := model.Geometry{ChannelCount: 2, SampleWidth: 2}
	swap, _ := demux.Permute(in, []int{1, 0})
	g := scanpager.ForScans(in, 2, 0)
	region := shm.Heap(g.RegionBytes(4))
	w, _ := scanpager.NewWriter(region, g)
	r, _ := scanpager.NewReader(region, g, "t")

	prod := &scriptedProducer{steps: []step{{scans: 2}}}
	p := NewPump(PumpConfig{In: in, Transform: swap}, prod, w)
	p.Start(context.Background())
	waitFor(t, "page", func() bool { return w.PagesWritten() == 1 })
	p.Stop(time.Second)

	c, ok := r.Next()
	if !ok {
		t.Fatal("no page")
	}
	// producer wrote bytes 0..7; channels swapped per scan
	want := []byte{2, 3, 0, 1, 6, 7, 4, 5}
	for i := range want {
		if c.Samples[i] != want[i] {
			t.Fatalf("samples=%v, want %v", c.Samples, want)
		}
	}
}

// metaProducer is a scriptedProducer that also stamps page metadata.
type metaProducer struct {
	scriptedProducer
}

func (p *metaProducer) PageMetadata(dst []byte) {
	copy(dst, "PAGEMETA")
}

func metaSession(t *testing.T) (*scanpager.Writer, *scanpager.Reader) {
	t.Helper()
	g := scanpager.ForScans(testGeo, 10, 8)
	region := shm.Heap(g.RegionBytes(8))
	w, err := scanpager.NewWriter(region, g)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	r, err := scanpager.NewReader(region, g, "meta")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return w, r
}

func TestPump_NoMetadataSourceWritesPlaceholders(t *testing.T) {
	w, r := metaSession(t)
	prod := &scriptedProducer{steps: []step{{scans: 10}, {scans: 10}}}
	var rejects int
	p := NewPump(PumpConfig{In: testGeo}, prod, w)
	p.OnError = func(err error) {
		if errors.Is(err, ErrWriterRejected) {
			rejects++
		}
	}
	p.Start(context.Background())
	waitFor(t, "pages", func() bool { return w.PagesWritten() == 2 })
	p.Stop(time.Second)

	for i := 0; i < 2; i++ {
		c, ok := r.Next()
		if !ok {
			t.Fatalf("page %d missing", i)
		}
		if !c.Fake || c.Scans != 10 {
			t.Errorf("page %d fake=%v scans=%d, want a 10-scan placeholder", i, c.Fake, c.Scans)
		}
	}
	if rejects != 2 || p.Rejected() != 20 {
		t.Errorf("rejects=%d Rejected=%d, want 2 and 20", rejects, p.Rejected())
	}
}

func TestPump_ShortReadWithMetadataIsMarked(t *testing.T) {
	w, r := metaSession(t)
	prod := &metaProducer{scriptedProducer{steps: []step{{scans: 10}, {scans: 4}, {scans: 10}}}}
	p := NewPump(PumpConfig{In: testGeo}, prod, w)
	p.Start(context.Background())
	waitFor(t, "pages", func() bool { return w.PagesWritten() == 3 })
	p.Stop(time.Second)

	want := []struct {
		fake  bool
		scans int
	}{{false, 10}, {true, 4}, {false, 10}}
	for i, pg := range want {
		c, ok := r.Next()
		if !ok {
			t.Fatalf("page %d missing", i)
		}
		if c.Fake != pg.fake || c.Scans != pg.scans {
			t.Errorf("page %d fake=%v scans=%d, want fake=%v scans=%d", i, c.Fake, c.Scans, pg.fake, pg.scans)
		}
		if !pg.fake && string(c.Meta) != "PAGEMETA" {
			t.Errorf("page %d meta=%q", i, c.Meta)
		}
	}
	if p.Rejected() != 4 {
		t.Errorf("Rejected=%d, want 4", p.Rejected())
	}
}
