// Package health tracks the primary backend's recent behavior and decides
// when to stop sending it traffic.
package health

import (
	"sync"
	"time"

	logx "fetchd/pkg/logx"
)

// Config controls the failure-counter circuit breaker.
type Config struct {
	// MaxFailures is the consecutive-failure threshold that opens the circuit.
	MaxFailures int

	// Cooldown is how long the circuit stays open once tripped.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	return c
}

// Health is a point-in-time view of the tracker.
type Health struct {
	FailureCount     int       `json:"failure_count"`
	LastSuccessAt    time.Time `json:"last_success_at,omitzero"`
	LastFailureAt    time.Time `json:"last_failure_at,omitzero"`
	CircuitOpenUntil time.Time `json:"circuit_open_until,omitzero"`
	CircuitOpen      bool      `json:"circuit_open"`
}

// Tracker is a single-counter circuit breaker.
//
// Successes decrement the failure counter (floor 0) and, once it reaches 0,
// close any open circuit. Failures increment it; at MaxFailures the circuit
// opens for Cooldown. Once the cooldown elapses the tracker resets entirely,
// granting one probe window before it can re-trip.
type Tracker struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	now func() time.Time

	failures    int
	lastSuccess time.Time
	lastFailure time.Time
	openUntil   time.Time
}

func New(cfg Config, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "health")),
		now: time.Now,
	}
}

func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.lastSuccess = now
	if t.failures > 0 {
		t.failures--
	}
	if t.failures == 0 && !t.openUntil.IsZero() {
		t.log.Info("circuit closed after recovery")
		t.openUntil = time.Time{}
	}
}

func (t *Tracker) RecordFailure(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.failures++
	t.lastFailure = now
	t.log.Warn("backend failure recorded",
		logx.String("reason", reason),
		logx.Int("failures", t.failures),
	)

	if t.failures >= t.cfg.MaxFailures && (t.openUntil.IsZero() || !now.Before(t.openUntil)) {
		t.openUntil = now.Add(t.cfg.Cooldown)
		t.log.Warn("circuit opened",
			logx.Int("failures", t.failures),
			logx.Duration("cooldown", t.cfg.Cooldown),
		)
	}
}

// ShouldUsePrimary reports whether the primary backend should receive
// traffic. When an open circuit's cooldown has elapsed, the tracker resets
// and answers true: the caller's next operation doubles as the probe.
func (t *Tracker) ShouldUsePrimary() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.openUntil.IsZero() {
		return true
	}
	now := t.now()
	if now.Before(t.openUntil) {
		return false
	}

	// Cooldown elapsed: reset and grant a probe window.
	t.failures = 0
	t.openUntil = time.Time{}
	t.log.Info("circuit cooldown elapsed, granting probe window")
	return true
}

func (t *Tracker) Snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	open := !t.openUntil.IsZero() && t.now().Before(t.openUntil)
	return Health{
		FailureCount:     t.failures,
		LastSuccessAt:    t.lastSuccess,
		LastFailureAt:    t.lastFailure,
		CircuitOpenUntil: t.openUntil,
		CircuitOpen:      open,
	}
}
