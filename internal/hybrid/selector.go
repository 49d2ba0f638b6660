// Package hybrid decides, per read operation, whether the fast cache-backed
// path or the slower fallback path should serve.
//
// Probing the cache on every read is itself costly, so the verdict is
// memoized globally for a short TTL. A failed liveness probe additionally
// arms a wider "fast fallback" window during which all probing is skipped,
// bounding the worst-case latency a flapping dependency can add.
package hybrid

import (
	"context"
	"sync"
	"time"

	logx "fetchd/pkg/logx"
)

// Mode of the read path.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeFallback Mode = "fallback"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModePrimary, ModeFallback:
		return Mode(s), true
	}
	return "", false
}

// Prober answers whether the cache store is alive right now.
type Prober interface {
	Probe(ctx context.Context) error
}

// HealthTracker is the slice of the circuit breaker the selector needs.
type HealthTracker interface {
	ShouldUsePrimary() bool
	RecordFailure(reason string)
}

type Config struct {
	// VerdictTTL is how long a computed verdict is memoized.
	VerdictTTL time.Duration

	// FallbackWindow is armed by a failed probe; while active the selector
	// answers fallback immediately, without probing.
	FallbackWindow time.Duration

	// ProbeTimeout bounds the liveness probe.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.VerdictTTL <= 0 {
		c.VerdictTTL = 30 * time.Second
	}
	if c.FallbackWindow <= 0 {
		c.FallbackWindow = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	return c
}

// State is a point-in-time view for the admin surface.
type State struct {
	Verdict        bool      `json:"verdict"`
	HasVerdict     bool      `json:"has_verdict"`
	VerdictAt      time.Time `json:"verdict_at,omitzero"`
	FallbackUntil  time.Time `json:"fallback_until,omitzero"`
	ForcedMode     Mode      `json:"forced_mode,omitempty"`
	ForcedUntil    time.Time `json:"forced_until,omitzero"`
	FallbackActive bool      `json:"fallback_active"`
}

type Selector struct {
	cfg     Config
	log     logx.Logger
	tracker HealthTracker
	prober  Prober

	mu  sync.Mutex
	now func() time.Time

	verdict    bool
	verdictAt  time.Time
	hasVerdict bool

	fallbackUntil time.Time

	forced      Mode
	forcedUntil time.Time

	probing bool
	probeCh chan struct{}
}

func New(cfg Config, tracker HealthTracker, prober Prober, log logx.Logger) *Selector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Selector{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "hybrid")),
		tracker: tracker,
		prober:  prober,
		now:     time.Now,
	}
}

// ShouldUsePrimary reports whether operation should take the fast path.
// The operation name is for logging only; the verdict is global.
//
// Decision order: explicit force, fast-fallback window, memoized verdict,
// circuit breaker, liveness probe. Probe failures never propagate: they
// read as "use fallback" and are recorded with the health tracker.
func (s *Selector) ShouldUsePrimary(ctx context.Context, operation string) bool {
	for {
		s.mu.Lock()
		now := s.now()

		if s.forced != "" {
			if now.Before(s.forcedUntil) {
				v := s.forced == ModePrimary
				s.mu.Unlock()
				return v
			}
			s.forced = ""
			s.forcedUntil = time.Time{}
		}

		if now.Before(s.fallbackUntil) {
			s.mu.Unlock()
			return false
		}

		if s.hasVerdict && now.Sub(s.verdictAt) < s.cfg.VerdictTTL {
			v := s.verdict
			s.mu.Unlock()
			return v
		}

		// Breaker verdict is cheap; memoize it like any other.
		if s.prober == nil || !s.tracker.ShouldUsePrimary() {
			s.storeVerdictLocked(now, false)
			s.mu.Unlock()
			return false
		}

		// Someone else is already probing: wait for their verdict rather
		// than piling more probes onto a possibly struggling backend.
		if s.probing {
			ch := s.probeCh
			s.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return false
			}
		}

		s.probing = true
		s.probeCh = make(chan struct{})
		s.mu.Unlock()
		break
	}

	// Probe outside the lock; it is I/O.
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	err := s.prober.Probe(probeCtx)
	cancel()

	s.mu.Lock()
	now := s.now()
	s.probing = false
	close(s.probeCh)

	if err != nil {
		s.fallbackUntil = now.Add(s.cfg.FallbackWindow)
		s.storeVerdictLocked(now, false)
		s.mu.Unlock()

		s.tracker.RecordFailure("probe: " + err.Error())
		s.log.Warn("liveness probe failed, fast-fallback armed",
			logx.String("op", operation),
			logx.Err(err),
			logx.Duration("window", s.cfg.FallbackWindow),
		)
		return false
	}

	s.storeVerdictLocked(now, true)
	s.mu.Unlock()
	return true
}

func (s *Selector) storeVerdictLocked(now time.Time, v bool) {
	s.verdict = v
	s.verdictAt = now
	s.hasVerdict = true
}

// ForceMode pins the verdict for d, overriding cache and breaker.
func (s *Selector) ForceMode(mode Mode, d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.forced = mode
	s.forcedUntil = s.now().Add(d)
	s.mu.Unlock()

	s.log.Info("mode forced", logx.String("mode", string(mode)), logx.Duration("for", d))
}

// ClearCache drops all memoized state, including any fast-fallback window
// and forced mode.
func (s *Selector) ClearCache() {
	s.mu.Lock()
	s.hasVerdict = false
	s.verdictAt = time.Time{}
	s.fallbackUntil = time.Time{}
	s.forced = ""
	s.forcedUntil = time.Time{}
	s.mu.Unlock()

	s.log.Info("selector cache cleared")
}

func (s *Selector) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	return State{
		Verdict:        s.verdict,
		HasVerdict:     s.hasVerdict,
		VerdictAt:      s.verdictAt,
		FallbackUntil:  s.fallbackUntil,
		ForcedMode:     s.forced,
		ForcedUntil:    s.forcedUntil,
		FallbackActive: now.Before(s.fallbackUntil),
	}
}
