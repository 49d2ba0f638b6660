package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fetchd/internal/broadcast"
	"fetchd/internal/storage"
	"fetchd/pkg/logx"
)

// ErrNotFound reports an unknown task id.
var ErrNotFound = errors.New("task not found")

// ErrWrongState reports an operation invalid for the task's current status.
var ErrWrongState = errors.New("operation not valid in current task state")

// handle tracks one in-flight execution.
type handle struct {
	cancel          context.CancelFunc
	done            chan struct{}
	cancelRequested bool
}

// Service owns the task table and the dispatch loop.
type Service struct {
	cfg    Config
	log    logx.Logger
	worker Worker
	events Publisher
	store  storage.Store // may be nil

	now func() time.Time

	mu            sync.Mutex
	tasks         map[string]*Task
	active        map[string]*handle
	maxConcurrent int
	started       bool
	stopping      bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Service. store may be nil when persistence is disabled;
// events may be nil when nothing listens.
func New(cfg Config, log logx.Logger, worker Worker, events Publisher, store storage.Store) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:           cfg,
		log:           log,
		worker:        worker,
		events:        events,
		store:         store,
		now:           time.Now,
		tasks:         make(map[string]*Task),
		active:        make(map[string]*handle),
		maxConcurrent: cfg.MaxConcurrent,
		stopCh:        make(chan struct{}),
	}
}

// Start reloads persisted tasks and launches the dispatcher. Tasks persisted
// as DOWNLOADING are requeued: the process that was running them is gone.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.reload(ctx); err != nil {
		return fmt.Errorf("reload tasks: %w", err)
	}

	s.wg.Add(1)
	go s.dispatchLoop()
	s.log.Info("queue.started", logx.Int("max_concurrent", s.maxConcurrent))
	return nil
}

func (s *Service) reload(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	requeued := 0
	s.mu.Lock()
	for _, r := range recs {
		t := taskFromRecord(r)
		if t.Status == StatusDownloading {
			t.Status = StatusQueued
			t.StartedAt = time.Time{}
			t.Progress = 0
			requeued++
		}
		s.tasks[t.ID] = t
	}
	total := len(s.tasks)
	s.mu.Unlock()

	for _, r := range recs {
		if Status(r.Status) == StatusDownloading {
			if err := s.persistID(ctx, r.ID); err != nil {
				s.log.Warn("queue.reload.persist_failed",
					logx.String("task_id", r.ID), logx.Err(err))
			}
		}
	}
	if total > 0 {
		s.log.Info("queue.reloaded",
			logx.Int("tasks", total), logx.Int("requeued", requeued))
	}
	return nil
}

// Stop halts dispatch, cancels in-flight work and requeues it. In-flight
// tasks go back to QUEUED without a transition event; the interruption is
// an operational detail, not a task outcome.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	for _, h := range s.active {
		h.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("queue.stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a new download.
func (s *Service) Submit(ctx context.Context, subjectID, sourceLocator string, priority int) (*Task, error) {
	if subjectID == "" || sourceLocator == "" {
		return nil, ErrInvalid
	}

	t := &Task{
		ID:            uuid.NewString(),
		SubjectID:     subjectID,
		SourceLocator: sourceLocator,
		Status:        StatusQueued,
		Priority:      priority,
		CreatedAt:     s.now(),
		MaxRetries:    s.cfg.MaxRetries,
	}

	s.mu.Lock()
	if s.cfg.MaxTasks > 0 && len(s.tasks) >= s.cfg.MaxTasks {
		s.mu.Unlock()
		return nil, ErrCapacity
	}
	s.tasks[t.ID] = t
	snap := *t
	s.mu.Unlock()

	if err := s.persist(ctx, &snap); err != nil {
		s.log.Warn("queue.persist_failed", logx.String("task_id", t.ID), logx.Err(err))
	}
	s.publishTask(&snap, broadcast.TypeTaskQueued, nil)
	s.log.Info("task.submitted",
		logx.String("task_id", t.ID),
		logx.String("subject_id", subjectID),
		logx.Int("priority", priority))
	return &snap, nil
}

// Cancel stops a task. Queued and retrying tasks cancel immediately; a
// downloading task has its context cancelled and Cancel waits for the
// worker to unwind before returning.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	switch t.Status {
	case StatusQueued, StatusRetrying:
		t.Status = StatusCancelled
		t.CompletedAt = s.now()
		t.NextRetryAt = time.Time{}
		snap := *t
		s.mu.Unlock()
		if err := s.persist(ctx, &snap); err != nil {
			s.log.Warn("queue.persist_failed", logx.String("task_id", id), logx.Err(err))
		}
		s.publishTask(&snap, broadcast.TypeTaskCancelled, nil)
		s.log.Info("task.cancelled", logx.String("task_id", id))
		return nil
	case StatusDownloading:
		h := s.active[id]
		if h == nil {
			// Dispatch won the race but the runner has not registered yet;
			// treat as wrong state and let the caller retry.
			s.mu.Unlock()
			return ErrWrongState
		}
		h.cancelRequested = true
		h.cancel()
		done := h.done
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		s.mu.Unlock()
		return ErrWrongState
	}
}

// Retry requeues a FAILED task with a fresh retry budget.
func (s *Service) Retry(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if t.Status != StatusFailed {
		s.mu.Unlock()
		return nil, ErrWrongState
	}
	t.Status = StatusQueued
	t.RetryCount = 0
	t.ErrorMessage = ""
	t.Progress = 0
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
	t.NextRetryAt = time.Time{}
	snap := *t
	s.mu.Unlock()

	if err := s.persist(ctx, &snap); err != nil {
		s.log.Warn("queue.persist_failed", logx.String("task_id", id), logx.Err(err))
	}
	s.publishTask(&snap, broadcast.TypeTaskQueued, nil)
	s.log.Info("task.requeued", logx.String("task_id", id))
	return &snap, nil
}

// Status returns a snapshot of one task.
func (s *Service) Status(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	snap := *t
	return &snap, nil
}

// List returns snapshots of all tasks, newest first. Non-empty status and
// subjectID filters narrow the result.
func (s *Service) List(status Status, subjectID string) []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		if subjectID != "" && t.SubjectID != subjectID {
			continue
		}
		snap := *t
		out = append(out, &snap)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetMaxConcurrent changes the dispatch ceiling. Running tasks are never
// interrupted; a lowered ceiling takes effect as they finish.
func (s *Service) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	old := s.maxConcurrent
	s.maxConcurrent = n
	s.mu.Unlock()
	if old != n {
		s.log.Info("queue.ceiling_changed", logx.Int("from", old), logx.Int("to", n))
	}
}

// Stats reports table counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Total:    len(s.tasks),
		Active:   len(s.active),
		ByStatus: make(map[Status]int),
	}
	for _, t := range s.tasks {
		st.ByStatus[t.Status]++
	}
	return st
}

func (s *Service) persist(ctx context.Context, t *Task) error {
	if s.store == nil {
		return nil
	}
	return s.store.UpsertTask(ctx, recordFromTask(t))
}

// persistID re-reads the task under the lock and persists the snapshot.
func (s *Service) persistID(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	snap := *t
	s.mu.Unlock()
	return s.persist(ctx, &snap)
}

// publishTask emits a transition event on the shared channel and on the
// subject's own channel. extra merges additional payload fields.
func (s *Service) publishTask(t *Task, typ string, extra map[string]any) {
	if s.events == nil {
		return
	}
	payload := map[string]any{
		"task_id":     t.ID,
		"subject_id":  t.SubjectID,
		"status":      string(t.Status),
		"priority":    t.Priority,
		"retry_count": t.RetryCount,
		"progress":    t.Progress,
	}
	if t.ErrorMessage != "" {
		payload["error"] = t.ErrorMessage
	}
	if !t.NextRetryAt.IsZero() {
		payload["next_retry_at"] = t.NextRetryAt.UTC().Format(time.RFC3339)
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.events.Publish(broadcast.Event{Type: typ, Channel: "tasks", Payload: payload})
	s.events.Publish(broadcast.Event{
		Type:    typ,
		Channel: "subject:" + t.SubjectID,
		Payload: payload,
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func recordFromTask(t *Task) storage.TaskRecord {
	return storage.TaskRecord{
		ID:            t.ID,
		SubjectID:     t.SubjectID,
		SourceLocator: t.SourceLocator,
		Status:        string(t.Status),
		Priority:      t.Priority,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		ErrorMessage:  t.ErrorMessage,
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		NextRetryAt:   t.NextRetryAt,
		Progress:      t.Progress,
	}
}

func taskFromRecord(r storage.TaskRecord) *Task {
	st, ok := ParseStatus(r.Status)
	if !ok {
		st = StatusFailed
	}
	return &Task{
		ID:            r.ID,
		SubjectID:     r.SubjectID,
		SourceLocator: r.SourceLocator,
		Status:        st,
		Priority:      r.Priority,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		ErrorMessage:  r.ErrorMessage,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		NextRetryAt:   r.NextRetryAt,
		Progress:      r.Progress,
	}
}
