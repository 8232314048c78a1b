package acq

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"acqstream/internal/model"
	"acqstream/internal/scanpager"
	"acqstream/internal/shm"
	"acqstream/internal/trigger"
)

// Two channels of int16: ch0 carries the trigger signal, ch1 the scan index.
var testGeo = model.Geometry{ChannelCount: 2, SampleWidth: 2}

func frames(first, n int, sig func(scan int) int16) []byte {
	out := make([]byte, n*testGeo.ScanBytes())
	for i := 0; i < n; i++ {
		s := first + i
		binary.LittleEndian.PutUint16(out[i*4:], uint16(sig(s)))
		binary.LittleEndian.PutUint16(out[i*4+2:], uint16(s))
	}
	return out
}

func quiet(int) int16 { return 0 }

type appendCall struct {
	data []byte
	r    model.ScanRange
}

type memSink struct {
	mu      sync.Mutex
	appends []appendCall
	bad     [][2]int64
	closes  int
}

func (s *memSink) Append(scans []byte, r model.ScanRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, appendCall{data: append([]byte(nil), scans...), r: r})
	return nil
}

func (s *memSink) MarkBadRange(first, length int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bad = append(s.bad, [2]int64{first, length})
	return nil
}

func (s *memSink) CloseRange() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *memSink) scans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.appends {
		n += a.r.Scans
	}
	return n
}

func (s *memSink) data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, a := range s.appends {
		out = append(out, a.data...)
	}
	return out
}

type fakeRestarter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRestarter) Restart(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

type fakeFlusher struct {
	scans int
	end   int64 // last endScan requested
}

func (f *fakeFlusher) FlushInto(sink model.Sink, rangeID int, endScan int64) (int, error) {
	f.end = endScan
	data := frames(int(endScan)-f.scans, f.scans, quiet)
	err := sink.Append(data, model.ScanRange{RangeID: rangeID, FirstScan: endScan - int64(f.scans), Scans: f.scans})
	return f.scans, err
}

func newSession(t *testing.T, scansPerPage, pages int) (*scanpager.Writer, *scanpager.Reader) {
	t.Helper()
	g := scanpager.ForScans(testGeo, scansPerPage, 0)
	region := shm.Heap(g.RegionBytes(pages))
	w, err := scanpager.NewWriter(region, g)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	r, err := scanpager.NewReader(region, g, "acq")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return w, r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func runController(t *testing.T, c *Controller) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-errCh:
			return err
		case <-time.After(3 * time.Second):
			t.Fatal("controller did not stop")
			return nil
		}
	}
}

func TestController_PreRollPrepended(t *testing.T) {
	w, r := newSession(t, 10, 8)
	sink := &memSink{}
	cfg := Config{
		SampleRate:     20,
		PreRollSeconds: 0.5, // 10 scans
		PollInterval:   time.Millisecond,
		Trigger:        trigger.Config{Mode: trigger.Level, Threshold: 100, DebounceScans: 1},
	}
	c := NewController(cfg, r, sink, nil, nil)

	sig := func(s int) int16 {
		if s == 25 {
			return 1000
		}
		return 0
	}
	w.Write(frames(0, 40, sig), 40, nil)

	stop := runController(t, c)
	waitFor(t, "accepted scans", func() bool { return sink.scans() == 25 })
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if first := sink.appends[0].r; first.FirstScan != 15 || first.Scans != 10 || first.RangeID != 1 {
		t.Errorf("first append %+v, want pre-roll of scans 15..24", first)
	}
	if want := frames(15, 25, sig); !bytes.Equal(sink.data(), want) {
		t.Error("range is not pre-roll followed seamlessly by post-trigger data")
	}
	if sink.closes != 1 {
		t.Errorf("closes=%d, want 1", sink.closes)
	}
}

func TestController_PreRollShorterThanHistory(t *testing.T) {
	w, r := newSession(t, 10, 8)
	sink := &memSink{}
	cfg := Config{
		SampleRate:     20,
		PreRollSeconds: 1, // 20 scans, more than seen before the trigger
		PollInterval:   time.Millisecond,
		Trigger:        trigger.Config{Mode: trigger.Level, Threshold: 100, DebounceScans: 2},
	}
	c := NewController(cfg, r, sink, nil, nil)
	sig := func(s int) int16 {
		if s >= 6 {
			return 500
		}
		return 0
	}
	w.Write(frames(0, 10, sig), 10, nil)

	stop := runController(t, c)
	waitFor(t, "accepted scans", func() bool { return sink.scans() == 10 })
	stop()

	// W=2: triggers on scan 7, pre-roll holds scans 0..6.
	if first := sink.appends[0].r; first.FirstScan != 0 || first.Scans != 7 {
		t.Errorf("first append %+v, want scans 0..6", first)
	}
	if !bytes.Equal(sink.data(), frames(0, 10, sig)) {
		t.Error("payload mismatch")
	}
}

func TestController_OverrunFiller(t *testing.T) {
	w, r := newSession(t, 10, 8)
	sink := &memSink{}
	var badCalls int
	c := NewController(Config{SampleRate: 100, PollInterval: time.Millisecond, Trigger: trigger.Config{Mode: trigger.Immediate}}, r, sink, nil, nil)
	c.OnBadData = func(int64, int64) { badCalls++ }

	w.Write(frames(0, 10, quiet), 10, nil)
	w.WriteFake(10)
	w.Write(frames(20, 10, quiet), 10, nil)

	stop := runController(t, c)
	waitFor(t, "30 scans", func() bool { return sink.scans() == 30 })
	stop()

	if len(sink.bad) != 1 || sink.bad[0] != [2]int64{10, 10} {
		t.Fatalf("bad ranges %v, want [[10 10]]", sink.bad)
	}
	if badCalls != 1 {
		t.Errorf("OnBadData called %d times", badCalls)
	}
	data := sink.data()
	if v := testGeo.Sample(data, 10, 1); v != 0x7fff {
		t.Errorf("filler sample=%d, want max", v)
	}
	if v := testGeo.Sample(data, 20, 1); v != 20 {
		t.Errorf("post-overrun scan index=%d, want 20 (counter stays aligned)", v)
	}
	if st := c.Stats(); st.BadScans != 10 || st.Scan != 30 {
		t.Errorf("stats %+v", st)
	}
}

func TestController_ReaderSkipMarksBadData(t *testing.T) {
	w, r := newSession(t, 10, 2)
	sink := &memSink{}
	c := NewController(Config{SampleRate: 100, PollInterval: time.Millisecond, Trigger: trigger.Config{Mode: trigger.Immediate}}, r, sink, &fakeRestarter{}, nil)

	w.Write(frames(0, 30, quiet), 30, nil) // 3 pages into a 2-page ring

	stop := runController(t, c)
	waitFor(t, "30 scans", func() bool { return sink.scans() == 30 })
	stop()

	if len(sink.bad) != 1 || sink.bad[0] != [2]int64{0, 10} {
		t.Fatalf("bad ranges %v", sink.bad)
	}
	if st := c.Stats(); st.PagesSkipped != 1 || st.Restarts != 0 {
		t.Errorf("reader skips must not restart the producer: %+v", st)
	}
}

func TestController_RestartThenFiller(t *testing.T) {
	w, r := newSession(t, 10, 8)
	sink := &memSink{}
	rs := &fakeRestarter{}
	c := NewController(Config{SampleRate: 100, PollInterval: time.Millisecond, Trigger: trigger.Config{Mode: trigger.Immediate}}, r, sink, rs, nil)

	w.Write(frames(0, 10, quiet), 10, nil)
	w.WriteFake(20) // two placeholder pages from one overrun

	stop := runController(t, c)
	waitFor(t, "bad range", func() bool { return c.Stats().BadScans >= 20 })
	stop()

	if rs.calls != 1 {
		t.Errorf("restart called %d times, want once per overrun", rs.calls)
	}
	if sink.bad[0][0] != 10 || sink.bad[0][1] < 10 {
		t.Errorf("bad range %v", sink.bad[0])
	}
}

func TestController_RestartsExhausted(t *testing.T) {
	w, r := newSession(t, 10, 8)
	sink := &memSink{}
	rs := &fakeRestarter{err: errors.New("device gone")}
	cfg := Config{
		SampleRate:     100,
		PollInterval:   time.Millisecond,
		RestartBackoff: time.Millisecond,
		Trigger:        trigger.Config{Mode: trigger.Immediate},
	}
	c := NewController(cfg, r, sink, rs, nil)
	w.WriteFake(10)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRestartsExhausted) {
			t.Fatalf("Run error %v, want ErrRestartsExhausted", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not fail")
	}
	if rs.calls != DefaultMaxRestartFailures {
		t.Errorf("restart attempts=%d, want %d", rs.calls, DefaultMaxRestartFailures)
	}
	if sink.closes != 1 {
		t.Errorf("open range should be closed on fatal exit, closes=%d", sink.closes)
	}
}

func TestController_ManualStartFlushesDisplay(t *testing.T) {
	w, r := newSession(t, 10, 8)
	sink := &memSink{}
	cfg := Config{
		SampleRate:           100,
		PreRollSeconds:       0.05,
		PollInterval:         time.Millisecond,
		FlushDisplayOnManual: true,
		Trigger:              trigger.Config{Mode: trigger.Manual},
	}
	c := NewController(cfg, r, sink, nil, &fakeFlusher{scans: 3})

	w.Write(frames(0, 10, quiet), 10, nil)
	stop := runController(t, c)
	waitFor(t, "first page", func() bool { return c.Stats().Scan == 10 })
	if sink.scans() != 0 {
		t.Fatal("manual mode recorded without a request")
	}

	c.ManualStart()
	waitFor(t, "manual activation", func() bool { return c.State() == trigger.Active })
	w.Write(frames(10, 10, quiet), 10, nil)
	waitFor(t, "post-trigger scans", func() bool { return sink.scans() == 13 })
	stop()

	first := sink.appends[0].r
	if first.RangeID != 1 || first.FirstScan != 7 || first.Scans != 3 {
		t.Errorf("display flush append %+v", first)
	}
}

func TestController_ManualFlushAfterOverrunUsesStreamPosition(t *testing.T) {
	w, r := newSession(t, 10, 8)
	sink := &memSink{}
	flusher := &fakeFlusher{scans: 3}
	cfg := Config{
		SampleRate:           100,
		PollInterval:         time.Millisecond,
		FlushDisplayOnManual: true,
		Trigger:              trigger.Config{Mode: trigger.Manual},
	}
	c := NewController(cfg, r, sink, &fakeRestarter{}, flusher)
	stop := runController(t, c)

	w.Write(frames(0, 10, quiet), 10, nil)
	waitFor(t, "first page", func() bool { return c.Stats().Scan == 10 })
	time.Sleep(250 * time.Millisecond)
	w.WriteFake(10)
	w.Write(frames(20, 10, quiet), 10, nil)
	waitFor(t, "pages read", func() bool { return r.LastPageRead() == 3 })
	waitFor(t, "wall-clock filler", func() bool { return c.Stats().Scan >= 45 })
	time.Sleep(20 * time.Millisecond)
	at := c.Stats().Scan

	c.ManualStart()
	waitFor(t, "display flush", func() bool { return sink.scans() == 3 })
	stop()

	// Readers count the placeholder page as 10 scans; the controller
	// counted the whole outage.
	if flusher.end != 30 {
		t.Errorf("flush requested up to stream scan %d, want 30", flusher.end)
	}
	if first := sink.appends[0].r; first.FirstScan != at-3 || first.Scans != 3 {
		t.Errorf("flushed %+v, want 3 scans ending at controller scan %d", first, at)
	}
}

func TestController_RearmsWithFreshPreRoll(t *testing.T) {
	w, r := newSession(t, 10, 16)
	sink := &memSink{}
	cfg := Config{
		SampleRate:      20,
		PreRollSeconds:  0.25, // 5 scans
		StopTimeSeconds: 0.25,
		PollInterval:    time.Millisecond,
		Trigger: trigger.Config{
			Mode:          trigger.Level,
			Threshold:     100,
			DebounceScans: 1,
			StopOnLow:     true,
			Rearm:         true,
		},
	}
	var ranges []model.ScanRange
	c := NewController(cfg, r, sink, nil, nil)
	c.OnRange = func(rg model.ScanRange) { ranges = append(ranges, rg) }

	sig := func(s int) int16 {
		if (s >= 10 && s < 15) || (s >= 60 && s < 63) {
			return 1000
		}
		return 0
	}
	w.Write(frames(0, 100, sig), 100, nil)

	stop := runController(t, c)
	waitFor(t, "two closed ranges", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closes == 2
	})
	waitFor(t, "all scans", func() bool { return c.Stats().Scan == 100 })
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Range 1: pre-roll 5..9, high 10..14, closes at 14+5.
	// Range 2: pre-roll 55..59 taken after rearming, high 60..62, closes at 67.
	if len(ranges) != 2 {
		t.Fatalf("ranges=%+v, want 2", ranges)
	}
	if ranges[0] != (model.ScanRange{RangeID: 1, FirstScan: 5, Scans: 14}) {
		t.Errorf("range 1 = %+v", ranges[0])
	}
	if ranges[1] != (model.ScanRange{RangeID: 2, FirstScan: 55, Scans: 12}) {
		t.Errorf("range 2 = %+v", ranges[1])
	}
	var pre []model.ScanRange
	for _, a := range sink.appends {
		if a.r.Scans == 5 {
			pre = append(pre, a.r)
		}
	}
	if len(pre) != 2 || pre[1].RangeID != 2 || pre[1].FirstScan != 55 {
		t.Errorf("pre-roll appends %+v, want one per range", pre)
	}
	want := append(frames(5, 14, sig), frames(55, 12, sig)...)
	if !bytes.Equal(sink.data(), want) {
		t.Error("recorded data is not the two ranges back to back")
	}
	if sink.closes != 2 {
		t.Errorf("closes=%d, want 2", sink.closes)
	}
}

func TestController_StartStop(t *testing.T) {
	_, r := newSession(t, 10, 4)
	sink := &memSink{}
	c := NewController(Config{SampleRate: 100, PollInterval: time.Millisecond, Trigger: trigger.Config{Mode: trigger.Immediate}}, r, sink, nil, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: %v", err)
	}
	waitFor(t, "active", func() bool { return c.State() == trigger.Active })
	if err := c.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sink.closes != 1 {
		t.Errorf("closes=%d", sink.closes)
	}
	if err := c.Stop(time.Second); err != nil {
		t.Errorf("second Stop should be a no-op: %v", err)
	}
}
