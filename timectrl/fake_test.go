package timectrl

import (
	"testing"
	"time"
)

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	var order []string
	clock.AfterFunc(30*time.Second, func() { order = append(order, "c") })
	clock.AfterFunc(10*time.Second, func() { order = append(order, "a") })
	clock.AfterFunc(20*time.Second, func() { order = append(order, "b") })

	clock.Advance(20 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order after 20s = %v, want [a b]", order)
	}

	clock.Advance(10 * time.Second)
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("order after 30s = %v, want [a b c]", order)
	}
	if got := clock.Now(); !got.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("Now() = %v, want %v", got, start.Add(30*time.Second))
	}
}

func TestFakeClockStopPreventsFire(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("Stop() = false on an armed timer")
	}
	if timer.Stop() {
		t.Fatalf("second Stop() = true, want false")
	}
	clock.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if n := clock.Pending(); n != 0 {
		t.Fatalf("Pending() = %d, want 0", n)
	}
}

func TestFakeClockCallbackSeesDeadline(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	var seen []time.Time
	clock.AfterFunc(5*time.Second, func() {
		seen = append(seen, clock.Now())
		// Re-arm relative to the deadline, still inside the advance window.
		clock.AfterFunc(5*time.Second, func() {
			seen = append(seen, clock.Now())
		})
	})

	clock.Advance(time.Minute)
	if len(seen) != 2 {
		t.Fatalf("callbacks fired = %d, want 2", len(seen))
	}
	if !seen[0].Equal(start.Add(5*time.Second)) || !seen[1].Equal(start.Add(10*time.Second)) {
		t.Fatalf("callback times = %v, want [+5s +10s]", seen)
	}
}

func TestEarliestSkipsZero(t *testing.T) {
	a := time.Date(2025, time.January, 1, 0, 0, 10, 0, time.UTC)
	b := time.Date(2025, time.January, 1, 0, 0, 5, 0, time.UTC)
	if got := Earliest(time.Time{}, a, b); !got.Equal(b) {
		t.Fatalf("Earliest = %v, want %v", got, b)
	}
	if got := Earliest(); !got.IsZero() {
		t.Fatalf("Earliest() = %v, want zero", got)
	}
}
