package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskRecord is the stored shape of one queued download.
// Zero time values map to NULL. Keep it compact and schema-stable.
type TaskRecord struct {
	ID            string
	SubjectID     string
	SourceLocator string
	Status        string
	Priority      int
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	ErrorMessage  string
	RetryCount    int
	MaxRetries    int
	NextRetryAt   time.Time
	Progress      int
}
