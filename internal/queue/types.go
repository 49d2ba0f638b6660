package queue

import (
	"context"
	"errors"
	"time"

	"fetchd/internal/broadcast"
)

// Status of a task in its lifecycle.
//
// Valid transitions:
//
//	QUEUED -> DOWNLOADING -> COMPLETED | FAILED | CANCELLED
//	DOWNLOADING -> RETRYING -> QUEUED      (while retries remain)
//	FAILED -> QUEUED                       (explicit Retry only)
//	QUEUED | RETRYING -> CANCELLED
//
// COMPLETED and CANCELLED are strictly terminal.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusDownloading Status = "DOWNLOADING"
	StatusRetrying    Status = "RETRYING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// ParseStatus validates a status string from an external surface.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusQueued, StatusDownloading, StatusRetrying,
		StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), true
	}
	return "", false
}

// Terminal reports whether no further automatic transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one unit of queued download work. Zero time values mean "not yet".
type Task struct {
	ID            string    `json:"id"`
	SubjectID     string    `json:"subject_id"`
	SourceLocator string    `json:"source_locator"`
	Status        Status    `json:"status"`
	Priority      int       `json:"priority"`
	CreatedAt     time.Time `json:"created_at"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	NextRetryAt   time.Time `json:"next_retry_at,omitzero"`
	Progress      int       `json:"progress"`
}

// Worker executes one download. Implementations must honor ctx cancellation
// and may call onProgress with a 0-100 percentage as work advances.
type Worker interface {
	Execute(ctx context.Context, sourceLocator string, onProgress func(percent int)) error
}

// Publisher receives one event per task transition. Events are advisory;
// the task table is the source of truth.
type Publisher interface {
	Publish(ev broadcast.Event)
}

var (
	// ErrInvalid rejects submissions with missing fields.
	ErrInvalid = errors.New("subject id and source locator are required")

	// ErrCapacity rejects submissions beyond the configured task bound.
	ErrCapacity = errors.New("task table is full")
)

// Config controls the queue.
//
// Defaults (applied in New): MaxConcurrent 2, PollInterval 1s, BaseDelay 5s,
// MaxRetries 3, RetainTerminal 24h, MaxErrorLen 500.
type Config struct {
	MaxConcurrent int

	// PollInterval is the dispatcher tick.
	PollInterval time.Duration

	// BaseDelay seeds retry backoff: delay N = BaseDelay * 2^(N-1).
	BaseDelay  time.Duration
	MaxRetries int

	// MaxTasks bounds the task table. 0 means unbounded.
	MaxTasks int

	// RetainTerminal is how long finished tasks stay queryable before the
	// sweep evicts them.
	RetainTerminal time.Duration

	// MaxErrorLen truncates stored error messages.
	MaxErrorLen int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetainTerminal <= 0 {
		c.RetainTerminal = 24 * time.Hour
	}
	if c.MaxErrorLen <= 0 {
		c.MaxErrorLen = 500
	}
	return c
}

// Stats is a lightweight diagnostic view.
type Stats struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	ByStatus map[Status]int `json:"by_status"`
}

// permanentError matches worker errors that must not be retried.
type permanentError interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) && p.Permanent()
}
