package trigger

import (
	"bytes"
	"testing"
)

func signal(vals ...int32) []int32 { return vals }

// run feeds sig in one go, re-entering after each transition, and returns
// every transition seen.
func run(w *Window, sig []int32, firstScan int64) []Transition {
	var out []Transition
	for len(sig) > 0 {
		n, tr, ok := w.Advance(sig, firstScan)
		if !ok {
			break
		}
		out = append(out, tr)
		sig = sig[n:]
		firstScan += int64(n)
	}
	return out
}

func TestWindow_StartStates(t *testing.T) {
	cases := []struct {
		mode Mode
		want State
	}{
		{Immediate, Active},
		{Timed, Armed},
		{Level, Armed},
		{External, Armed},
		{Manual, Armed},
	}
	for _, tc := range cases {
		w := NewWindow(Config{Mode: tc.mode})
		tr := w.Start(0)
		if tr.To != tc.want || w.State() != tc.want {
			t.Errorf("%s: start state %s, want %s", tc.mode, w.State(), tc.want)
		}
		if tc.want == Active && !tr.Opens() {
			t.Errorf("%s: start transition should open a range", tc.mode)
		}
	}
}

func TestWindow_DebounceWidth(t *testing.T) {
	const w = 4
	cfg := Config{Mode: Level, Threshold: 100, DebounceScans: w}

	// W-1 high samples then low never activates.
	win := NewWindow(cfg)
	win.Start(0)
	sig := signal(0, 0, 200, 200, 200, 0, 0, 0)
	if trs := run(win, sig, 0); len(trs) != 0 {
		t.Fatalf("W-1 qualifying samples activated: %+v", trs)
	}
	if win.State() != Armed {
		t.Fatalf("state=%s, want armed", win.State())
	}

	// Exactly W high samples activate at the W-th.
	win = NewWindow(cfg)
	win.Start(0)
	sig = signal(0, 0, 200, 200, 200, 200, 0)
	n, tr, ok := win.Advance(sig, 1000)
	if !ok || tr.To != Active {
		t.Fatalf("W qualifying samples did not activate")
	}
	if n != 5 || tr.Index != 5 || tr.Scan != 1005 {
		t.Errorf("trigger offset: consumed=%d index=%d scan=%d, want 5/5/1005", n, tr.Index, tr.Scan)
	}
}

func TestWindow_DebounceAcrossCalls(t *testing.T) {
	win := NewWindow(Config{Mode: Level, Threshold: 0, DebounceScans: 3})
	win.Start(0)
	if _, _, ok := win.Advance(signal(0, 1, 1), 0); ok {
		t.Fatal("activated early")
	}
	n, tr, ok := win.Advance(signal(1, 0), 3)
	if !ok || n != 0 || tr.Scan != 3 {
		t.Fatalf("expected activation at the first sample of the second call, got ok=%v n=%d scan=%d", ok, n, tr.Scan)
	}
}

func TestWindow_StopWindowAndRearm(t *testing.T) {
	cfg := Config{
		Mode: Level, Threshold: 10, DebounceScans: 1,
		StopOnLow: true, StopTimeScans: 3, PreRollScans: 5, Rearm: true,
	}
	win := NewWindow(cfg)
	win.Start(0)

	// high at scan 2, low from scan 3.
	sig := signal(0, 0, 20, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	trs := run(win, sig, 0)
	if len(trs) != 3 {
		t.Fatalf("want activate, stopping, close; got %+v", trs)
	}
	if trs[0].To != Active || trs[0].Scan != 2 {
		t.Errorf("activate: %+v", trs[0])
	}
	// low for 3 scans after lastHigh=2 -> stopping at scan 5
	if trs[1].To != StoppingWindow || trs[1].Scan != 5 {
		t.Errorf("stopping: %+v", trs[1])
	}
	// stopAtScan = 2 + max(5, 3) = 7
	if trs[2].To != Armed || trs[2].Scan != 7 || !trs[2].Closes() {
		t.Errorf("close: %+v", trs[2])
	}

	// Rearmed window triggers again.
	trs = run(win, signal(0, 50), 12)
	if len(trs) != 1 || trs[0].To != Active || trs[0].Scan != 13 {
		t.Fatalf("rearm: %+v", trs)
	}
}

func TestWindow_StoppingResumesOnHigh(t *testing.T) {
	win := NewWindow(Config{Mode: Level, Threshold: 10, StopOnLow: true, StopTimeScans: 2, PreRollScans: 10})
	win.Start(0)
	trs := run(win, signal(20, 0, 0, 0, 20), 0)
	if len(trs) != 3 || trs[1].To != StoppingWindow || trs[2].To != Active || trs[2].Scan != 4 {
		t.Fatalf("got %+v", trs)
	}
}

func TestWindow_NoRearmGoesIdle(t *testing.T) {
	win := NewWindow(Config{Mode: Level, Threshold: 10, StopOnLow: true, StopTimeScans: 1})
	win.Start(0)
	trs := run(win, signal(20, 0, 0, 0, 20, 20), 0)
	last := trs[len(trs)-1]
	if last.To != Idle {
		t.Fatalf("final transition %+v, want idle", last)
	}
	if win.State() != Idle {
		t.Errorf("state=%s", win.State())
	}
}

func TestWindow_Timed(t *testing.T) {
	win := NewWindow(Config{Mode: Timed, StartAtScan: 150, RunScans: 100})
	win.Start(0)
	if _, _, ok := win.Advance(make([]int32, 100), 0); ok {
		t.Fatal("activated before StartAtScan")
	}
	n, tr, ok := win.Advance(make([]int32, 100), 100)
	if !ok || n != 50 || tr.Scan != 150 {
		t.Fatalf("timed start: ok=%v n=%d %+v", ok, n, tr)
	}
	n, tr, ok = win.Advance(make([]int32, 200), 150)
	if !ok || n != 100 || tr.Scan != 250 || tr.To != Idle {
		t.Fatalf("timed end: ok=%v n=%d %+v", ok, n, tr)
	}
}

func TestWindow_External(t *testing.T) {
	win := NewWindow(Config{Mode: External})
	win.Start(0)
	if _, _, ok := win.Advance(make([]int32, 10), 0); ok {
		t.Fatal("external window opened without notification")
	}
	win.NotifyExternalStart()
	_, tr, ok := win.Advance(make([]int32, 10), 10)
	if !ok || tr.To != Active || tr.Cause != "external" {
		t.Fatalf("external start: %+v", tr)
	}
	win.NotifyExternalStop()
	_, tr, ok = win.Advance(make([]int32, 10), 20)
	if !ok || !tr.Closes() || tr.Scan != 20 {
		t.Fatalf("external stop: %+v", tr)
	}
}

func TestWindow_ExternalStartIgnoredInLevelMode(t *testing.T) {
	win := NewWindow(Config{Mode: Level, Threshold: 100})
	win.Start(0)
	win.NotifyExternalStart()
	if _, _, ok := win.Advance(make([]int32, 10), 0); ok {
		t.Fatal("level window should ignore external start")
	}
}

func TestWindow_ManualOverride(t *testing.T) {
	win := NewWindow(Config{Mode: Level, Threshold: 10, DebounceScans: 3, Rearm: true})
	win.Start(0)

	win.ManualStart()
	_, tr, ok := win.Advance(signal(0, 0), 0)
	if !ok || tr.To != Active || tr.Cause != "manual" {
		t.Fatalf("manual start: %+v", tr)
	}
	win.ManualStop()
	_, tr, ok = win.Advance(signal(0), 2)
	if !ok || !tr.Closes() {
		t.Fatalf("manual stop: %+v", tr)
	}

	// Automatic detection stays suppressed until cleared.
	if trs := run(win, signal(50, 50, 50, 50), 3); len(trs) != 0 {
		t.Fatalf("override should suppress level detection: %+v", trs)
	}
	win.ClearOverride()
	trs := run(win, signal(50, 50, 50), 7)
	if len(trs) != 1 || trs[0].Scan != 9 {
		t.Fatalf("detection should resume after ClearOverride: %+v", trs)
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Immediate, Timed, Level, External, Manual} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q)=%v,%v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestPreRoll_RetainsLastBytes(t *testing.T) {
	const c = 10
	for _, s := range []int{0, 3, 10, 11, 25} {
		p := NewPreRoll(c)
		var all []byte
		for i := 0; i < s; i++ {
			all = append(all, byte(i))
		}
		// Write in uneven pieces.
		for off := 0; off < s; {
			n := 4
			if off+n > s {
				n = s - off
			}
			p.Write(all[off : off+n])
			off += n
		}
		want := all[len(all)-min(c, s):]
		got := p.Snapshot()
		if !bytes.Equal(got, want) {
			t.Errorf("S=%d: snapshot=%v, want %v", s, got, want)
		}
	}
}

func TestPreRoll_LargeWrite(t *testing.T) {
	p := NewPreRoll(4)
	p.Write([]byte{1, 2})
	p.Write([]byte{3, 4, 5, 6, 7, 8, 9})
	if got := p.Snapshot(); !bytes.Equal(got, []byte{6, 7, 8, 9}) {
		t.Fatalf("got %v", got)
	}
	p.Write([]byte{10})
	if got := p.Snapshot(); !bytes.Equal(got, []byte{7, 8, 9, 10}) {
		t.Fatalf("after wrap got %v", got)
	}
}

func TestPreRollBytes(t *testing.T) {
	if got := PreRollBytes(0.5, 1000, 8); got != 4000 {
		t.Errorf("got %d, want 4000", got)
	}
	if got := PreRollBytes(0, 1000, 8); got != 0 {
		t.Errorf("zero seconds: got %d", got)
	}
}
