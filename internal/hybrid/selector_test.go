package hybrid

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "fetchd/pkg/logx"
)

type fakeTracker struct {
	primary  bool
	failures []string
}

func (f *fakeTracker) ShouldUsePrimary() bool      { return f.primary }
func (f *fakeTracker) RecordFailure(reason string) { f.failures = append(f.failures, reason) }

type fakeProber struct {
	err   error
	calls int
}

func (f *fakeProber) Probe(ctx context.Context) error {
	f.calls++
	return f.err
}

func newTestSelector(tr *fakeTracker, pr *fakeProber) (*Selector, *time.Time) {
	s := New(Config{VerdictTTL: 30 * time.Second, FallbackWindow: 60 * time.Second}, tr, pr, logx.Nop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cur := &now
	s.now = func() time.Time { return *cur }
	return s, cur
}

func TestVerdictMemoized(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{primary: true}
	pr := &fakeProber{}
	s, now := newTestSelector(tr, pr)
	ctx := context.Background()

	if !s.ShouldUsePrimary(ctx, "read") {
		t.Fatal("healthy backend should use primary")
	}
	for i := 0; i < 5; i++ {
		s.ShouldUsePrimary(ctx, "read")
	}
	if pr.calls != 1 {
		t.Fatalf("probe called %d times within TTL, want 1", pr.calls)
	}

	// TTL expiry re-probes.
	*now = now.Add(31 * time.Second)
	s.ShouldUsePrimary(ctx, "read")
	if pr.calls != 2 {
		t.Fatalf("probe calls = %d after TTL, want 2", pr.calls)
	}
}

func TestBreakerShortCircuitsProbe(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{primary: false}
	pr := &fakeProber{}
	s, _ := newTestSelector(tr, pr)

	if s.ShouldUsePrimary(context.Background(), "read") {
		t.Fatal("open circuit must force fallback")
	}
	if pr.calls != 0 {
		t.Fatal("probe must not run while the circuit is open")
	}
}

func TestProbeFailureArmsFastFallback(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{primary: true}
	pr := &fakeProber{err: errors.New("connection refused")}
	s, now := newTestSelector(tr, pr)
	ctx := context.Background()

	if s.ShouldUsePrimary(ctx, "read") {
		t.Fatal("failed probe should mean fallback")
	}
	if len(tr.failures) != 1 {
		t.Fatalf("probe failure not recorded with tracker: %v", tr.failures)
	}

	// Inside the fallback window: no more probing even past the verdict TTL.
	*now = now.Add(45 * time.Second)
	if s.ShouldUsePrimary(ctx, "read") {
		t.Fatal("fallback window should still be active")
	}
	if pr.calls != 1 {
		t.Fatalf("probe calls = %d inside fallback window, want 1", pr.calls)
	}

	// Window elapsed, backend recovered.
	*now = now.Add(20 * time.Second)
	pr.err = nil
	if !s.ShouldUsePrimary(ctx, "read") {
		t.Fatal("recovered backend should use primary after the window")
	}
}

func TestForceModePinsVerdict(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{primary: true}
	pr := &fakeProber{}
	s, now := newTestSelector(tr, pr)
	ctx := context.Background()

	s.ForceMode(ModeFallback, 10*time.Second)
	if s.ShouldUsePrimary(ctx, "read") {
		t.Fatal("forced fallback ignored")
	}
	*now = now.Add(5 * time.Second)
	if s.ShouldUsePrimary(ctx, "read") {
		t.Fatal("force should hold for its full duration")
	}
	if pr.calls != 0 {
		t.Fatal("forced mode must not probe")
	}

	// Past the pin: normal evaluation resumes.
	*now = now.Add(6 * time.Second)
	if !s.ShouldUsePrimary(ctx, "read") {
		t.Fatal("expected re-evaluation after force expires")
	}
	if pr.calls != 1 {
		t.Fatalf("probe calls = %d after force expiry, want 1", pr.calls)
	}
}

func TestClearCacheDropsEverything(t *testing.T) {
	t.Parallel()
	tr := &fakeTracker{primary: true}
	pr := &fakeProber{err: errors.New("down")}
	s, _ := newTestSelector(tr, pr)
	ctx := context.Background()

	s.ShouldUsePrimary(ctx, "read") // arms fallback window
	s.ForceMode(ModeFallback, time.Hour)
	s.ClearCache()

	snap := s.Snapshot()
	if snap.HasVerdict || snap.FallbackActive || snap.ForcedMode != "" {
		t.Fatalf("ClearCache left state behind: %+v", snap)
	}

	pr.err = nil
	if !s.ShouldUsePrimary(ctx, "read") {
		t.Fatal("expected fresh evaluation after ClearCache")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	if m, ok := ParseMode("primary"); !ok || m != ModePrimary {
		t.Fatalf("ParseMode(primary) = (%v, %v)", m, ok)
	}
	if _, ok := ParseMode("turbo"); ok {
		t.Fatal("ParseMode should reject unknown modes")
	}
}
