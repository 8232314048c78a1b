// Package acq runs an acquisition session: the Pump moves producer data
// into the paged ring, and the Controller follows the ring with its own
// cursor, drives the trigger window, keeps the pre-roll and hands accepted
// scan ranges to a Sink.
package acq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"acqstream/internal/model"
	"acqstream/internal/scanpager"
	"acqstream/internal/trigger"
)

var (
	// ErrRestartsExhausted ends a session after MaxRestartFailures
	// consecutive failed producer restarts.
	ErrRestartsExhausted = errors.New("acq: producer restart failures exhausted")

	// ErrStopTimeout is returned by Stop when the loop does not exit in time.
	ErrStopTimeout = errors.New("acq: stop timed out")

	// ErrAlreadyStarted is returned by Start on a running component.
	ErrAlreadyStarted = errors.New("acq: already started")
)

// DefaultMaxRestartFailures is used when Config.MaxRestartFailures is zero.
const DefaultMaxRestartFailures = 3

// Config holds the time-based session settings. Trigger durations given in
// seconds here override the scan-valued fields of Trigger.
type Config struct {
	SampleRate           float64
	PreRollSeconds       float64
	StopTimeSeconds      float64
	Trigger              trigger.Config
	MaxRestartFailures   int
	RestartBackoff       time.Duration
	PollInterval         time.Duration // 0 = half a page period
	FlushDisplayOnManual bool
}

// Stats is a snapshot of controller counters.
type Stats struct {
	State           string `json:"state"`
	Scan            int64  `json:"scan"`
	RangeID         int    `json:"range_id"`
	Ranges          int64  `json:"ranges"`
	ScansAccepted   int64  `json:"scans_accepted"`
	BadScans        int64  `json:"bad_scans"`
	PagesSkipped    int64  `json:"pages_skipped"`
	Restarts        int64  `json:"restarts"`
	RestartFailures int64  `json:"restart_failures"`
}

// Controller is the consumer that decides what gets recorded.
type Controller struct {
	cfg       Config
	geo       scanpager.Geometry
	scanBytes int
	poll      time.Duration

	reader    *scanpager.Reader
	sink      model.Sink
	restarter model.Restarter
	flusher   model.DisplayFlusher

	window  *trigger.Window
	preroll *trigger.PreRoll

	// loop-owned
	scan       int64
	streamLag  int64 // filler scans beyond the page-counted stream position
	rangeID    int
	rangeFirst int64
	rangeScans int64
	open       bool
	overrun    bool // inside a run of placeholder pages
	failures   int
	lastGood   time.Time
	sig        []int32
	filler     []byte

	state           atomic.Int32
	scanPub         atomic.Int64
	rangePub        atomic.Int64
	ranges          atomic.Int64
	accepted        atomic.Int64
	badScans        atomic.Int64
	skipped         atomic.Int64
	restarts        atomic.Int64
	restartFailures atomic.Int64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	// Hooks (optional, set before Start).
	OnTransition func(t trigger.Transition)
	OnBadData    func(firstScan, length int64)
	OnRestart    func(err error)
	OnRange      func(r model.ScanRange)
}

// NewController wires a controller to its own reader and sink. restarter
// and flusher may be nil.
func NewController(cfg Config, reader *scanpager.Reader, sink model.Sink, restarter model.Restarter, flusher model.DisplayFlusher) *Controller {
	geo := reader.Geometry()
	if cfg.MaxRestartFailures <= 0 {
		cfg.MaxRestartFailures = DefaultMaxRestartFailures
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 100 * time.Millisecond
	}
	tc := cfg.Trigger
	if cfg.PreRollSeconds > 0 {
		tc.PreRollScans = int64(cfg.PreRollSeconds * cfg.SampleRate)
	}
	if cfg.StopTimeSeconds > 0 {
		tc.StopTimeScans = int64(cfg.StopTimeSeconds * cfg.SampleRate)
	}
	cfg.Trigger = tc

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = geo.PagePeriod(cfg.SampleRate) / 2
	}
	if poll <= 0 {
		poll = time.Millisecond
	}

	spp := geo.ScansPerPage()
	filler := make([]byte, spp*geo.ScanBytes())
	model.FillMax(filler, geo.SampleWidth)

	c := &Controller{
		cfg:       cfg,
		geo:       geo,
		scanBytes: geo.ScanBytes(),
		poll:      poll,
		reader:    reader,
		sink:      sink,
		restarter: restarter,
		flusher:   flusher,
		window:    trigger.NewWindow(tc),
		preroll:   trigger.NewPreRoll(trigger.PreRollBytes(cfg.PreRollSeconds, cfg.SampleRate, geo.ScanBytes())),
		filler:    filler,
	}
	return c
}

// Window exposes the trigger window for notifications.
func (c *Controller) Window() *trigger.Window { return c.window }

// NotifyExternalStart forwards an external start signal.
func (c *Controller) NotifyExternalStart() { c.window.NotifyExternalStart() }

// NotifyExternalStop forwards an external stop signal.
func (c *Controller) NotifyExternalStop() { c.window.NotifyExternalStop() }

// ManualStart opens a window now and suppresses automatic detection.
func (c *Controller) ManualStart() { c.window.ManualStart() }

// ManualStop closes the open window.
func (c *Controller) ManualStop() { c.window.ManualStop() }

// ClearOverride resumes automatic trigger detection.
func (c *Controller) ClearOverride() { c.window.ClearOverride() }

// State returns the trigger state as last published by the loop.
func (c *Controller) State() trigger.State { return trigger.State(c.state.Load()) }

// Stats returns a snapshot of counters. Safe from any goroutine.
func (c *Controller) Stats() Stats {
	return Stats{
		State:           c.State().String(),
		Scan:            c.scanPub.Load(),
		RangeID:         int(c.rangePub.Load()),
		Ranges:          c.ranges.Load(),
		ScansAccepted:   c.accepted.Load(),
		BadScans:        c.badScans.Load(),
		PagesSkipped:    c.skipped.Load(),
		Restarts:        c.restarts.Load(),
		RestartFailures: c.restartFailures.Load(),
	}
}

// Run follows the reader until ctx is cancelled or a fatal error occurs.
// An open range is closed on return.
func (c *Controller) Run(ctx context.Context) error {
	c.lastGood = time.Now()
	c.apply(c.window.Start(c.scan))
	defer c.finish()

	for {
		chunk, ok := c.reader.Next()
		if !ok {
			c.step(nil, 0)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.poll):
			}
			continue
		}

		if chunk.Skipped > 0 || chunk.Fake {
			if err := c.recover(ctx, chunk); err != nil {
				return err
			}
			if chunk.Fake {
				continue
			}
		}
		c.lastGood = time.Now()
		c.overrun = false
		c.step(chunk.Samples, chunk.Scans)
	}
}

// step runs the trigger over n scans and routes each segment by the state
// it arrived in.
func (c *Controller) step(samples []byte, n int) {
	sig := c.geo.Channel(c.sig, samples, n, c.cfg.Trigger.SignalChannel%c.geo.ChannelCount)
	c.sig = sig
	off := 0
	for {
		before := c.window.State()
		k, t, ok := c.window.Advance(sig[off:], c.scan)
		c.consume(samples[off*c.scanBytes:(off+k)*c.scanBytes], k, before.Accepting())
		off += k
		if !ok {
			return
		}
		c.apply(t)
	}
}

// consume writes scans through the pre-roll and, while accepting, to the sink.
func (c *Controller) consume(data []byte, n int, accepting bool) {
	if n == 0 {
		return
	}
	c.preroll.Write(data)
	if accepting && c.open {
		r := model.ScanRange{RangeID: c.rangeID, FirstScan: c.scan, Scans: n}
		if err := c.sink.Append(data, r); err != nil {
			log.Printf("[acq] sink append range=%d scan=%d: %v", c.rangeID, c.scan, err)
		} else {
			c.accepted.Add(int64(n))
			c.rangeScans += int64(n)
		}
	}
	c.scan += int64(n)
	c.scanPub.Store(c.scan)
}

func (c *Controller) apply(t trigger.Transition) {
	c.state.Store(int32(t.To))
	if t.From != t.To {
		log.Printf("[acq] trigger %s -> %s at scan %d (%s)", t.From, t.To, t.Scan, t.Cause)
	}
	if c.OnTransition != nil {
		c.OnTransition(t)
	}
	switch {
	case t.Opens():
		c.openRange(t)
	case t.Closes():
		c.closeRange()
	}
}

func (c *Controller) openRange(t trigger.Transition) {
	c.rangeID++
	c.rangePub.Store(int64(c.rangeID))
	c.ranges.Add(1)
	c.open = true
	c.rangeFirst = t.Scan
	c.rangeScans = 0

	if t.Cause == "manual" && c.cfg.FlushDisplayOnManual && c.flusher != nil {
		sink := shiftedSink{Sink: c.sink, by: c.streamLag}
		n, err := c.flusher.FlushInto(sink, c.rangeID, t.Scan-c.streamLag)
		if err == nil && n > 0 {
			c.accepted.Add(int64(n))
			c.rangeFirst -= int64(n)
			c.rangeScans = int64(n)
			return
		}
		if err != nil {
			log.Printf("[acq] display flush failed, using pre-roll: %v", err)
		}
	}

	pre := c.preroll.Snapshot()
	scans := len(pre) / c.scanBytes
	if scans == 0 {
		return
	}
	r := model.ScanRange{RangeID: c.rangeID, FirstScan: t.Scan - int64(scans), Scans: scans}
	if err := c.sink.Append(pre[:scans*c.scanBytes], r); err != nil {
		log.Printf("[acq] sink append pre-roll range=%d: %v", c.rangeID, err)
		return
	}
	c.accepted.Add(int64(scans))
	c.rangeFirst -= int64(scans)
	c.rangeScans = int64(scans)
}

// shiftedSink moves stream positions onto the controller's scan counter.
type shiftedSink struct {
	model.Sink
	by int64
}

func (s shiftedSink) Append(scans []byte, r model.ScanRange) error {
	r.FirstScan += s.by
	return s.Sink.Append(scans, r)
}

func (c *Controller) closeRange() {
	if !c.open {
		return
	}
	c.open = false
	if err := c.sink.CloseRange(); err != nil {
		log.Printf("[acq] sink close range=%d: %v", c.rangeID, err)
	}
	if c.OnRange != nil {
		c.OnRange(model.ScanRange{RangeID: c.rangeID, FirstScan: c.rangeFirst, Scans: int(c.rangeScans)})
	}
}

func (c *Controller) finish() {
	c.apply(c.window.End(c.scan))
}

// recover handles pages this reader lost and placeholder pages the
// producer wrote after an overrun: it logs the gap as bad data, restarts
// the producer when the page is a placeholder, and feeds max-value filler
// so the scan counter stays aligned with wall-clock time.
func (c *Controller) recover(ctx context.Context, chunk scanpager.Chunk) error {
	lost := int64(chunk.Skipped) * int64(c.geo.ScansPerPage())
	c.skipped.Add(int64(chunk.Skipped))
	if chunk.Fake {
		lost += int64(chunk.Scans)
	}

	// One restart per run of placeholder pages.
	if chunk.Fake && c.restarter != nil && !c.overrun {
		c.overrun = true
		if err := c.restart(ctx); err != nil {
			return err
		}
		elapsed := int64(time.Since(c.lastGood).Seconds() * c.cfg.SampleRate)
		if elapsed > lost {
			c.streamLag += elapsed - lost
			lost = elapsed
		}
	}
	if lost <= 0 {
		return nil
	}

	first := c.scan
	if err := c.sink.MarkBadRange(first, lost); err != nil {
		log.Printf("[acq] mark bad range scan=%d len=%d: %v", first, lost, err)
	}
	c.badScans.Add(lost)
	if c.OnBadData != nil {
		c.OnBadData(first, lost)
	}
	log.Printf("[acq] overrun: %d pages skipped, fake=%v, %d filler scans from %d", chunk.Skipped, chunk.Fake, lost, first)

	spp := int64(c.geo.ScansPerPage())
	accepting := c.window.State().Accepting()
	for lost > 0 {
		k := min(lost, spp)
		c.consume(c.filler[:k*int64(c.scanBytes)], int(k), accepting)
		lost -= k
	}
	return nil
}

func (c *Controller) restart(ctx context.Context) error {
	for {
		err := c.restarter.Restart(ctx)
		if c.OnRestart != nil {
			c.OnRestart(err)
		}
		if err == nil {
			c.restarts.Add(1)
			c.failures = 0
			return nil
		}
		c.failures++
		c.restartFailures.Add(1)
		log.Printf("[acq] producer restart failed (%d/%d): %v", c.failures, c.cfg.MaxRestartFailures, err)
		if c.failures >= c.cfg.MaxRestartFailures {
			return fmt.Errorf("%w: last error: %v", ErrRestartsExhausted, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RestartBackoff * time.Duration(c.failures)):
		}
	}
}

// Start runs the controller in its own goroutine.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		err := c.Run(ctx)
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		if err != nil {
			log.Printf("[acq] controller stopped: %v", err)
		}
	}()
	return nil
}

// Done is closed when the loop started by Start exits.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns the error the loop exited with, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop cancels the loop and waits up to timeout for it to exit.
func (c *Controller) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	return stopWait(cancel, done, timeout)
}

func stopWait(cancel context.CancelFunc, done <-chan struct{}, timeout time.Duration) error {
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}
