package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tenantd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestRealAfterFuncFires(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{})
	clock.Real{}.AfterFunc(5*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc did not fire within timeout")
	}
}

func TestManualAfterFuncFiresOnAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(1_700_000_000, 0))
	var calls atomic.Int32
	m.AfterFunc(time.Minute, func() { calls.Add(1) })
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending timer, got %d", got)
	}
	m.Advance(59 * time.Second)
	if calls.Load() != 0 {
		t.Fatal("timer fired early")
	}
	m.Advance(time.Second)
	if calls.Load() != 1 {
		t.Fatalf("expected timer to fire once, got %d", calls.Load())
	}
	m.Advance(time.Hour)
	if calls.Load() != 1 {
		t.Fatalf("timer fired more than once: %d", calls.Load())
	}
}

func TestManualTimerStopAndReset(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	var calls atomic.Int32
	timer := m.AfterFunc(10*time.Second, func() { calls.Add(1) })
	m.Advance(5 * time.Second)
	if !timer.Reset(10 * time.Second) {
		t.Fatal("expected Reset to report a pending timer")
	}
	m.Advance(9 * time.Second)
	if calls.Load() != 0 {
		t.Fatal("reset timer fired at original deadline")
	}
	if !timer.Stop() {
		t.Fatal("expected Stop to report a pending timer")
	}
	m.Advance(time.Minute)
	if calls.Load() != 0 {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
}

func TestManualAfterDeliversOnAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	ch := m.After(time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}
	m.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire after Advance")
	}
}
