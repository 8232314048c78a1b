package gateway

import (
	"strconv"
	"testing"
)

func TestReplayBuffer_Range(t *testing.T) {
	rb := NewReplayBuffer(100)
	for i := int64(1); i <= 10; i++ {
		rb.Push(i, []byte(strconv.FormatInt(i, 10)))
	}

	got := rb.Range(3, 7)
	if len(got) != 5 {
		t.Fatalf("Range(3,7): expected 5, got %d", len(got))
	}
	for i, data := range got {
		if want := strconv.Itoa(i + 3); string(data) != want {
			t.Errorf("entry[%d] = %s, want %s", i, data, want)
		}
	}
	if open := rb.Range(8, 0); len(open) != 3 {
		t.Errorf("open-ended Range(8,0): expected 3, got %d", len(open))
	}
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := NewReplayBuffer(5)
	for i := int64(1); i <= 8; i++ {
		rb.Push(i, []byte(strconv.FormatInt(i, 10)))
	}

	if rb.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", rb.Len())
	}
	if rb.Oldest() != 4 {
		t.Errorf("Oldest() = %d, want 4", rb.Oldest())
	}
	got := rb.Range(1, 10)
	if len(got) != 5 || string(got[0]) != "4" || string(got[4]) != "8" {
		t.Fatalf("Range(1,10) after wrap = %q", got)
	}
}

func TestReplayBuffer_Empty(t *testing.T) {
	rb := NewReplayBuffer(10)
	if got := rb.Range(1, 100); len(got) != 0 {
		t.Fatalf("empty buffer Range should return 0, got %d", len(got))
	}
	if rb.Oldest() != 0 {
		t.Errorf("empty Oldest() = %d", rb.Oldest())
	}
}
