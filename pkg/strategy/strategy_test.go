package strategy

import (
	"sync"
	"testing"

	"balancer/pkg/fleet"
)

func snaps(inFlight ...int64) []fleet.Snapshot {
	out := make([]fleet.Snapshot, len(inFlight))
	for i, v := range inFlight {
		out[i] = fleet.Snapshot{Index: i, InFlight: v, Alive: true}
	}
	return out
}

func TestRoundRobin_Rotation(t *testing.T) {
	rr := NewRoundRobin()
	s := snaps(0, 0, 0)

	want := []int{0, 1, 2, 0, 1, 2, 0, 1, 2}
	for i, w := range want {
		if got := rr.Select(s); got != w {
			t.Errorf("call %d: Select() = %d, want %d", i, got, w)
		}
	}
}

func TestRoundRobin_CursorNotResetOnShrink(t *testing.T) {
	rr := NewRoundRobin()
	big := snaps(0, 0, 0, 0)

	// Advance the cursor to 3.
	for i := 0; i < 3; i++ {
		rr.Select(big)
	}

	// Shrink to two alive snapshots; cursor keeps advancing, not resetting.
	small := snaps(0, 0)
	got := rr.Select(small)
	if got != 3%2 {
		t.Errorf("Select() after shrink = %d, want %d (cursor continues from 3)", got, 3%2)
	}
}

func TestRoundRobin_ConcurrentSelectDoesNotRace(t *testing.T) {
	rr := NewRoundRobin()
	s := snaps(0, 0, 0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx := rr.Select(s)
			if idx < 0 || idx >= len(s) {
				t.Errorf("Select() returned out-of-range index %d", idx)
			}
		}()
	}
	wg.Wait()
}

func TestRandom_SelectsInRange(t *testing.T) {
	r := NewRandom()
	s := snaps(0, 0, 0, 0, 0)
	for i := 0; i < 50; i++ {
		idx := r.Select(s)
		if idx < 0 || idx >= len(s) {
			t.Fatalf("Select() = %d, out of range [0,%d)", idx, len(s))
		}
	}
}

func TestLeastConnections_Argmin(t *testing.T) {
	lc := NewLeastConnections()
	s := snaps(3, 1, 2)

	if got, want := lc.Select(s), 1; got != want {
		t.Errorf("Select() = %d, want %d", got, want)
	}
}

func TestLeastConnections_TieBreaksLowestIndex(t *testing.T) {
	lc := NewLeastConnections()
	s := snaps(2, 2, 2)

	if got, want := lc.Select(s), 0; got != want {
		t.Errorf("Select() = %d, want %d", got, want)
	}
}

func TestLeastConnections_SingleInstance(t *testing.T) {
	lc := NewLeastConnections()
	s := snaps(5)

	if got, want := lc.Select(s), 0; got != want {
		t.Errorf("Select() = %d, want %d", got, want)
	}
}

func TestNew_ValidStrategies(t *testing.T) {
	for _, name := range []string{"round_robin", "random", "least_connections", "RANDOM"} {
		st, err := New(name)
		if err != nil {
			t.Errorf("New(%q) unexpected error: %v", name, err)
			continue
		}
		if st == nil {
			t.Errorf("New(%q) returned nil strategy", name)
		}
	}
}

func TestNew_UnrecognizedStrategyFailsClosed(t *testing.T) {
	_, err := New("most_logical")
	if err == nil {
		t.Error("New() with unrecognized strategy should return an error, not a silent default")
	}
}

func TestSelector_DelegatesAndSerializes(t *testing.T) {
	sel := NewSelector(NewRoundRobin())
	s := snaps(0, 0, 0)

	want := []int{0, 1, 2}
	for i, w := range want {
		if got := sel.Select(s); got != w {
			t.Errorf("call %d: Select() = %d, want %d", i, got, w)
		}
	}
	if sel.Name() != "round_robin" {
		t.Errorf("Name() = %s, want round_robin", sel.Name())
	}
}
