package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "fetchd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertTask(ctx context.Context, rec TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("task id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, subject_id, source_locator, status, priority, created_at,
		                   started_at, completed_at, err, retry_count, max_retries, next_retry_at, progress)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status,
		   started_at=excluded.started_at,
		   completed_at=excluded.completed_at,
		   err=excluded.err,
		   retry_count=excluded.retry_count,
		   next_retry_at=excluded.next_retry_at,
		   progress=excluded.progress`,
		rec.ID, rec.SubjectID, rec.SourceLocator, rec.Status, rec.Priority, fmtTime(rec.CreatedAt),
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), nullStr(rec.ErrorMessage),
		rec.RetryCount, rec.MaxRetries, nullTime(rec.NextRetryAt), rec.Progress,
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	if s == nil || s.db == nil {
		return TaskRecord{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, statuses []string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if len(statuses) == 0 {
		return 0, nil
	}
	ph := strings.Repeat("?,", len(statuses))
	ph = ph[:len(ph)-1]
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, fmtTime(cutoff))

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN (`+ph+`) AND completed_at IS NOT NULL AND completed_at < ?`, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const taskCols = `id, subject_id, source_locator, status, priority, created_at,
	started_at, completed_at, err, retry_count, max_retries, next_retry_at, progress`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (TaskRecord, error) {
	var rec TaskRecord
	var created string
	var started, completed, errMsg, nextRetry sql.NullString
	err := row.Scan(&rec.ID, &rec.SubjectID, &rec.SourceLocator, &rec.Status, &rec.Priority, &created,
		&started, &completed, &errMsg, &rec.RetryCount, &rec.MaxRetries, &nextRetry, &rec.Progress)
	if err != nil {
		return TaskRecord{}, err
	}
	rec.CreatedAt = parseTime(created)
	rec.StartedAt = parseNullTime(started)
	rec.CompletedAt = parseNullTime(completed)
	rec.NextRetryAt = parseNullTime(nextRetry)
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	return rec, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return parseTime(s.String)
}
