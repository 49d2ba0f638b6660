package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "fetchd/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(disabled) = (%v, %v), want (nil, nil)", st, err)
	}
	if _, err := Open(Config{Driver: "mongodb"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond)
	rec := TaskRecord{
		ID:            "t1",
		SubjectID:     "ep-42",
		SourceLocator: "https://example.org/ep42",
		Status:        "QUEUED",
		Priority:      3,
		CreatedAt:     created,
		MaxRetries:    3,
	}
	if err := st.UpsertTask(ctx, rec); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	got, ok, err := st.GetTask(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("GetTask = (ok=%v, err=%v)", ok, err)
	}
	if got.SubjectID != "ep-42" || got.Priority != 3 || !got.CreatedAt.Equal(created) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.StartedAt.IsZero() || got.ErrorMessage != "" {
		t.Fatalf("expected zero optional fields, got %+v", got)
	}

	// Update in place.
	rec.Status = "DOWNLOADING"
	rec.StartedAt = created.Add(time.Second)
	rec.Progress = 40
	if err := st.UpsertTask(ctx, rec); err != nil {
		t.Fatalf("UpsertTask(update): %v", err)
	}
	got, _, _ = st.GetTask(ctx, "t1")
	if got.Status != "DOWNLOADING" || got.Progress != 40 || got.StartedAt.IsZero() {
		t.Fatalf("update not applied: %+v", got)
	}

	if _, ok, _ := st.GetTask(ctx, "missing"); ok {
		t.Fatal("expected miss for unknown id")
	}
}

func TestListAndDelete(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		rec := TaskRecord{
			ID: id, SubjectID: "s", SourceLocator: "u", Status: "QUEUED",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := st.UpsertTask(ctx, rec); err != nil {
			t.Fatalf("UpsertTask(%s): %v", id, err)
		}
	}

	recs, err := st.ListTasks(ctx)
	if err != nil || len(recs) != 3 {
		t.Fatalf("ListTasks = %d recs, err=%v", len(recs), err)
	}
	if recs[0].ID != "a" || recs[2].ID != "c" {
		t.Fatalf("list not ordered by created_at: %v, %v", recs[0].ID, recs[2].ID)
	}

	if err := st.DeleteTask(ctx, "b"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	recs, _ = st.ListTasks(ctx)
	if len(recs) != 2 {
		t.Fatalf("expected 2 tasks after delete, got %d", len(recs))
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	put := func(id, status string, completed time.Time) {
		t.Helper()
		rec := TaskRecord{ID: id, SubjectID: "s", SourceLocator: "u", Status: status, CreatedAt: now.Add(-time.Hour), CompletedAt: completed}
		if err := st.UpsertTask(ctx, rec); err != nil {
			t.Fatalf("UpsertTask(%s): %v", id, err)
		}
	}
	put("old-done", "COMPLETED", now.Add(-48*time.Hour))
	put("new-done", "COMPLETED", now.Add(-time.Minute))
	put("old-failed", "FAILED", now.Add(-48*time.Hour))
	put("queued", "QUEUED", time.Time{})

	n, err := st.DeleteTerminalBefore(ctx, now.Add(-24*time.Hour), []string{"COMPLETED", "FAILED", "CANCELLED"})
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d rows, want 2", n)
	}
	recs, _ := st.ListTasks(ctx)
	if len(recs) != 2 {
		t.Fatalf("expected 2 surviving tasks, got %d", len(recs))
	}
}
