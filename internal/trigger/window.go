// Package trigger decides, from the sample stream itself, when a recording
// window opens and closes. Window is a pure state machine over one signal
// channel; it knows nothing about pages, sinks or goroutines beyond the
// asynchronous start/stop notifications it accepts.
package trigger

import (
	"fmt"
	"strings"
	"sync"
)

// Mode selects how a window is started and stopped.
type Mode int

const (
	Immediate Mode = iota // active from session start
	Timed                 // active from a fixed scan, optionally for a fixed run
	Level                 // active after W consecutive samples above threshold
	External              // active between external start/stop notifications
	Manual                // active only on operator request
)

var modeNames = []string{"immediate", "timed", "level", "external", "manual"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	for i, n := range modeNames {
		if strings.EqualFold(s, n) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown trigger mode %q", s)
}

// State of a window.
type State int

const (
	Idle State = iota
	Armed
	Active
	StoppingWindow
)

var stateNames = []string{"idle", "armed", "active", "stopping"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Accepting reports whether scans seen in this state belong to a range.
func (s State) Accepting() bool { return s == Active || s == StoppingWindow }

// Level signal sources. They share the threshold logic and differ only in
// how the operator labels the channel.
const (
	SourcePhotodiode = "photodiode"
	SourceTTL        = "ttl"
	SourceAnalog     = "analog"
)

// Config is the trigger part of a session configuration. All durations are
// in scans.
type Config struct {
	Mode Mode

	// Timed
	StartAtScan int64
	RunScans    int64 // 0 runs until the session ends

	// Level
	Source        string
	SignalChannel int
	Threshold     int32
	DebounceScans int // W; values below 1 are treated as 1
	StopOnLow     bool
	StopTimeScans int64

	// PreRollScans widens the stop window so a rearmed window starts with
	// a full pre-roll.
	PreRollScans int64

	// Rearm returns to Armed after a window closes instead of Idle.
	Rearm bool
}

// Transition describes a state change. Index is the offset into the signal
// slice passed to Advance where the new state begins; Scan is the same
// position as an absolute scan index.
type Transition struct {
	From  State
	To    State
	Index int
	Scan  int64
	Cause string
}

// Opens reports whether the transition starts a range.
func (t Transition) Opens() bool { return !t.From.Accepting() && t.To.Accepting() }

// Closes reports whether the transition ends a range.
func (t Transition) Closes() bool { return t.From.Accepting() && !t.To.Accepting() }

// Window is driven by a single goroutine through Advance. The Notify and
// Manual methods may be called from any goroutine; they take effect at the
// start of the next Advance.
type Window struct {
	cfg   Config
	state State

	run        int   // consecutive qualifying samples while armed
	lastHigh   int64 // scan of the last sample above threshold
	stopAtScan int64

	mu        sync.Mutex
	pendStart string // cause of a pending start, "" if none
	pendStop  string
	override  bool
}

// NewWindow returns an Idle window.
func NewWindow(cfg Config) *Window {
	if cfg.DebounceScans < 1 {
		cfg.DebounceScans = 1
	}
	return &Window{cfg: cfg, lastHigh: -1}
}

// Config returns the window configuration.
func (w *Window) Config() Config { return w.cfg }

// State returns the current state. Only the driving goroutine may call it.
func (w *Window) State() State { return w.state }

// StopAtScan returns the scan at which a stopping window closes.
func (w *Window) StopAtScan() int64 { return w.stopAtScan }

// LastSignalSeenAtScan returns the scan of the last above-threshold sample,
// or -1 if none has been seen.
func (w *Window) LastSignalSeenAtScan() int64 { return w.lastHigh }

// Start begins a session at scan: Idle to Armed, or straight to Active in
// Immediate mode.
func (w *Window) Start(scan int64) Transition {
	w.run = 0
	w.lastHigh = -1
	to := Armed
	if w.cfg.Mode == Immediate {
		to = Active
	}
	return w.move(to, 0, scan, "start")
}

// End forces the window Idle at scan, closing any open range.
func (w *Window) End(scan int64) Transition {
	return w.move(Idle, 0, scan, "end")
}

// NotifyExternalStart requests activation in External mode.
func (w *Window) NotifyExternalStart() {
	w.mu.Lock()
	w.pendStart = "external"
	w.mu.Unlock()
}

// NotifyExternalStop requests the open window to close in External mode.
func (w *Window) NotifyExternalStop() {
	w.mu.Lock()
	w.pendStop = "external"
	w.mu.Unlock()
}

// ManualStart activates immediately, bypassing debounce, and suppresses
// automatic detection until ClearOverride.
func (w *Window) ManualStart() {
	w.mu.Lock()
	w.pendStart = "manual"
	w.override = true
	w.mu.Unlock()
}

// ManualStop closes the open window. Automatic detection stays suppressed.
func (w *Window) ManualStop() {
	w.mu.Lock()
	w.pendStop = "manual"
	w.override = true
	w.mu.Unlock()
}

// ClearOverride resumes automatic detection.
func (w *Window) ClearOverride() {
	w.mu.Lock()
	w.override = false
	w.mu.Unlock()
}

// Overridden reports whether manual override is in effect.
func (w *Window) Overridden() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.override
}

func (w *Window) move(to State, idx int, scan int64, cause string) Transition {
	t := Transition{From: w.state, To: to, Index: idx, Scan: scan, Cause: cause}
	w.state = to
	return t
}

// closeTo is where a window goes when its range ends. A timed window
// never rearms: its start scan is already behind it.
func (w *Window) closeTo() State {
	if w.cfg.Rearm && w.cfg.Mode != Timed {
		return Armed
	}
	return Idle
}

// Advance feeds the signal samples of consecutive scans starting at
// firstScan. It stops at the first transition and returns how many samples
// were consumed before it (the transition's Index); the caller re-enters
// with the remainder. With no transition it consumes everything and ok is
// false.
func (w *Window) Advance(sig []int32, firstScan int64) (consumed int, t Transition, ok bool) {
	w.mu.Lock()
	start, stop, override := w.pendStart, w.pendStop, w.override
	w.pendStart, w.pendStop = "", ""
	w.mu.Unlock()

	switch {
	case start == "manual" && !w.state.Accepting(),
		start == "external" && w.state == Armed && w.cfg.Mode == External:
		w.run = 0
		w.lastHigh = firstScan
		return 0, w.move(Active, 0, firstScan, start), true
	case stop != "" && w.state.Accepting():
		return 0, w.move(w.closeTo(), 0, firstScan, stop), true
	}

	switch w.state {
	case Armed:
		if override {
			return len(sig), Transition{}, false
		}
		return w.advanceArmed(sig, firstScan)
	case Active:
		return w.advanceActive(sig, firstScan, override)
	case StoppingWindow:
		return w.advanceStopping(sig, firstScan, override)
	}
	return len(sig), Transition{}, false
}

func (w *Window) advanceArmed(sig []int32, firstScan int64) (int, Transition, bool) {
	switch w.cfg.Mode {
	case Timed:
		end := firstScan + int64(len(sig))
		if w.cfg.StartAtScan < end {
			idx := int(max(0, w.cfg.StartAtScan-firstScan))
			return idx, w.move(Active, idx, firstScan+int64(idx), "timed"), true
		}
	case Level:
		for i, v := range sig {
			if v > w.cfg.Threshold {
				w.run++
			} else {
				w.run = 0
			}
			if w.run >= w.cfg.DebounceScans {
				w.run = 0
				w.lastHigh = firstScan + int64(i)
				return i, w.move(Active, i, firstScan+int64(i), "level"), true
			}
		}
	}
	return len(sig), Transition{}, false
}

func (w *Window) advanceActive(sig []int32, firstScan int64, override bool) (int, Transition, bool) {
	switch w.cfg.Mode {
	case Timed:
		if w.cfg.RunScans <= 0 || override {
			break
		}
		end := w.cfg.StartAtScan + w.cfg.RunScans
		if end < firstScan+int64(len(sig)) {
			idx := int(max(0, end-firstScan))
			return idx, w.move(w.closeTo(), idx, firstScan+int64(idx), "timed"), true
		}
	case Level:
		for i, v := range sig {
			scan := firstScan + int64(i)
			if v > w.cfg.Threshold {
				w.lastHigh = scan
				continue
			}
			if override || !w.cfg.StopOnLow || w.lastHigh < 0 {
				continue
			}
			if scan-w.lastHigh >= w.cfg.StopTimeScans {
				w.stopAtScan = w.lastHigh + max(w.cfg.PreRollScans, w.cfg.StopTimeScans)
				return i, w.move(StoppingWindow, i, scan, "low"), true
			}
		}
	}
	return len(sig), Transition{}, false
}

func (w *Window) advanceStopping(sig []int32, firstScan int64, override bool) (int, Transition, bool) {
	for i, v := range sig {
		scan := firstScan + int64(i)
		if scan >= w.stopAtScan && !override {
			return i, w.move(w.closeTo(), i, scan, "stop"), true
		}
		if v > w.cfg.Threshold {
			w.lastHigh = scan
			return i, w.move(Active, i, scan, "resumed"), true
		}
	}
	return len(sig), Transition{}, false
}
