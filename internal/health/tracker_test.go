package health

import (
	"testing"
	"time"

	logx "fetchd/pkg/logx"
)

func newTestTracker(cfg Config) (*Tracker, *time.Time) {
	tr := New(cfg, logx.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cur := &now
	tr.now = func() time.Time { return *cur }
	return tr, cur
}

func TestTripAfterMaxFailures(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(Config{MaxFailures: 5, Cooldown: 5 * time.Minute})

	for i := 0; i < 4; i++ {
		tr.RecordFailure("timeout")
		if !tr.ShouldUsePrimary() {
			t.Fatalf("circuit open after %d failures, want open only at 5", i+1)
		}
	}
	tr.RecordFailure("timeout")
	if tr.ShouldUsePrimary() {
		t.Fatal("circuit should be open after 5 consecutive failures")
	}
	snap := tr.Snapshot()
	if !snap.CircuitOpen || snap.FailureCount != 5 {
		t.Fatalf("snapshot = %+v, want open with 5 failures", snap)
	}
}

func TestSuccessDecrementsAndCloses(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(Config{MaxFailures: 2, Cooldown: time.Minute})

	tr.RecordFailure("a")
	tr.RecordFailure("b")
	if tr.ShouldUsePrimary() {
		t.Fatal("circuit should be open")
	}

	// Two successes bring the counter back to 0 and close the circuit
	// without waiting for the cooldown.
	tr.RecordSuccess()
	tr.RecordSuccess()
	if !tr.ShouldUsePrimary() {
		t.Fatal("circuit should close once failures reach 0")
	}
	if snap := tr.Snapshot(); snap.FailureCount != 0 || snap.CircuitOpen {
		t.Fatalf("snapshot = %+v, want closed with 0 failures", snap)
	}
}

func TestCooldownGrantsSingleProbeWindow(t *testing.T) {
	t.Parallel()
	tr, now := newTestTracker(Config{MaxFailures: 3, Cooldown: 5 * time.Minute})

	for i := 0; i < 3; i++ {
		tr.RecordFailure("down")
	}
	if tr.ShouldUsePrimary() {
		t.Fatal("circuit should be open")
	}

	// Still inside the cooldown.
	*now = now.Add(4 * time.Minute)
	if tr.ShouldUsePrimary() {
		t.Fatal("circuit should stay open during cooldown")
	}

	// Past the cooldown: reset, then one probe window.
	*now = now.Add(2 * time.Minute)
	if !tr.ShouldUsePrimary() {
		t.Fatal("expected probe window after cooldown")
	}
	if snap := tr.Snapshot(); snap.FailureCount != 0 {
		t.Fatalf("failures = %d after reset, want 0", snap.FailureCount)
	}

	// The probe window is real: a fresh run of failures is needed to re-trip.
	tr.RecordFailure("still down")
	if !tr.ShouldUsePrimary() {
		t.Fatal("one failure after reset must not re-open the circuit")
	}
	tr.RecordFailure("still down")
	tr.RecordFailure("still down")
	if tr.ShouldUsePrimary() {
		t.Fatal("circuit should re-trip after threshold failures")
	}
}

func TestFloorAtZero(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTracker(Config{})

	tr.RecordSuccess()
	tr.RecordSuccess()
	if snap := tr.Snapshot(); snap.FailureCount != 0 {
		t.Fatalf("failure count went negative: %+v", snap)
	}
}
