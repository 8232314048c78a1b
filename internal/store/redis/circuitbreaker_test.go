package redis

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("fail")

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Execute(func() error { return errFail })
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	if cb.CurrentState() != StateClosed {
		t.Fatalf("expected Closed, got %v", cb.CurrentState())
	}

	trip(cb, 2)
	if cb.CurrentState() != StateClosed || cb.Failures() != 2 {
		t.Fatalf("after 2 failures: state=%v failures=%d", cb.CurrentState(), cb.Failures())
	}
	trip(cb, 1)
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected Open after 3 failures, got %v", cb.CurrentState())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	trip(cb, 2)
	cb.Execute(func() error { return nil })
	trip(cb, 2)
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	cases := []struct {
		name  string
		probe error
		want  State
	}{
		{"success closes", nil, StateClosed},
		{"failure reopens", errFail, StateOpen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cb := NewCircuitBreaker(2, 30*time.Millisecond)
			trip(cb, 2)
			time.Sleep(40 * time.Millisecond)
			if err := cb.Execute(func() error { return tc.probe }); err != tc.probe {
				t.Fatalf("probe returned %v, want %v", err, tc.probe)
			}
			if cb.CurrentState() != tc.want {
				t.Errorf("state=%v, want %v", cb.CurrentState(), tc.want)
			}
		})
	}
}

func TestCircuitBreaker_SingleProbeInFlight(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond)
	trip(cb, 1)
	time.Sleep(30 * time.Millisecond)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()

	select {
	case <-inProbe:
	case <-time.After(time.Second):
		t.Fatal("probe never ran")
	}
	if err := cb.Execute(func() error { return nil }); err != ErrCircuitOpen {
		t.Errorf("second caller during probe: got %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed after probe, got %v", cb.CurrentState())
	}
}

func TestCircuitBreaker_OnStateChangeCallback(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker(1, 20*time.Millisecond)
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, to)
	}

	trip(cb, 1)
	time.Sleep(30 * time.Millisecond)
	cb.Execute(func() error { return nil })

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: got %v, want %v", i, transitions[i], want[i])
		}
	}
}
