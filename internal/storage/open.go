package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "fetchd/pkg/logx"
)

// Store is the minimal persistence API used by the queue.
type Store interface {
	UpsertTask(ctx context.Context, rec TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, bool, error)
	ListTasks(ctx context.Context) ([]TaskRecord, error)
	DeleteTask(ctx context.Context, id string) error

	// DeleteTerminalBefore removes tasks in any of the given statuses whose
	// completed_at is before cutoff. Returns the number of rows removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, statuses []string) (int64, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
