package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fetchd/internal/broadcast"
	"fetchd/pkg/logx"
)

func (s *Service) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatchOnce()
		}
	}
}

// dispatchOnce promotes retrying tasks whose backoff elapsed, then starts
// queued tasks up to the concurrency ceiling. Execution goroutines are
// spawned after the lock is released.
func (s *Service) dispatchOnce() {
	now := s.now()

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	for _, t := range s.tasks {
		if t.Status == StatusRetrying && !t.NextRetryAt.After(now) {
			t.Status = StatusQueued
			t.NextRetryAt = time.Time{}
		}
	}

	free := s.maxConcurrent - len(s.active)
	if free <= 0 {
		s.mu.Unlock()
		return
	}

	eligible := make([]*Task, 0, free)
	for _, t := range s.tasks {
		if t.Status == StatusQueued {
			eligible = append(eligible, t)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(eligible) > free {
		eligible = eligible[:free]
	}

	type launch struct {
		snap Task
		h    *handle
		ctx  context.Context
	}
	launches := make([]launch, 0, len(eligible))
	for _, t := range eligible {
		t.Status = StatusDownloading
		t.StartedAt = now
		t.Progress = 0
		ctx, cancel := context.WithCancel(context.Background())
		h := &handle{cancel: cancel, done: make(chan struct{})}
		s.active[t.ID] = h
		launches = append(launches, launch{snap: *t, h: h, ctx: ctx})
	}
	s.mu.Unlock()

	for _, l := range launches {
		if err := s.persist(context.Background(), &l.snap); err != nil {
			s.log.Warn("queue.persist_failed",
				logx.String("task_id", l.snap.ID), logx.Err(err))
		}
		s.publishTask(&l.snap, broadcast.TypeTaskStarted, nil)
		s.log.Info("task.started",
			logx.String("task_id", l.snap.ID),
			logx.Int("attempt", l.snap.RetryCount+1))
		s.wg.Add(1)
		go s.runTask(l.ctx, l.snap, l.h)
	}
}

// runTask executes one attempt and settles the outcome. A worker panic is
// converted into a permanent failure rather than taking the process down.
func (s *Service) runTask(ctx context.Context, snap Task, h *handle) {
	defer s.wg.Done()
	defer h.cancel()
	defer close(h.done)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
				s.log.Error("task.panic",
					logx.String("task_id", snap.ID), logx.Any("panic", r))
			}
		}()
		return s.worker.Execute(ctx, snap.SourceLocator, func(percent int) {
			s.reportProgress(snap.ID, percent)
		})
	}()

	s.finish(snap.ID, h, err)
}

// reportProgress records a monotonic progress update and publishes it.
func (s *Service) reportProgress(id string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusDownloading || percent <= t.Progress {
		s.mu.Unlock()
		return
	}
	t.Progress = percent
	snap := *t
	s.mu.Unlock()

	s.publishTask(&snap, broadcast.TypeTaskProgress, nil)
}

// finish applies the terminal-or-retry transition for one attempt.
func (s *Service) finish(id string, h *handle, err error) {
	now := s.now()

	s.mu.Lock()
	delete(s.active, id)
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	var eventType string
	switch {
	case h.cancelRequested:
		t.Status = StatusCancelled
		t.CompletedAt = now
		eventType = broadcast.TypeTaskCancelled
	case err == nil:
		t.Status = StatusCompleted
		t.CompletedAt = now
		t.Progress = 100
		eventType = broadcast.TypeTaskCompleted
	case s.stopping:
		// Interrupted by shutdown, not by the task's own failure.
		// Requeue silently; the next process run picks it up.
		t.Status = StatusQueued
		t.StartedAt = time.Time{}
		t.Progress = 0
		snap := *t
		s.mu.Unlock()
		if perr := s.persist(context.Background(), &snap); perr != nil {
			s.log.Warn("queue.persist_failed",
				logx.String("task_id", id), logx.Err(perr))
		}
		return
	default:
		if isPermanent(err) || t.RetryCount >= t.MaxRetries {
			t.Status = StatusFailed
			t.CompletedAt = now
			t.ErrorMessage = truncate(err.Error(), s.cfg.MaxErrorLen)
			eventType = broadcast.TypeTaskFailed
		} else {
			t.RetryCount++
			delay := s.cfg.BaseDelay * time.Duration(1<<(t.RetryCount-1))
			t.Status = StatusRetrying
			t.NextRetryAt = now.Add(delay)
			t.ErrorMessage = truncate(err.Error(), s.cfg.MaxErrorLen)
			eventType = broadcast.TypeTaskRetrying
		}
	}
	snap := *t
	s.mu.Unlock()

	if perr := s.persist(context.Background(), &snap); perr != nil {
		s.log.Warn("queue.persist_failed", logx.String("task_id", id), logx.Err(perr))
	}
	s.publishTask(&snap, eventType, nil)

	switch snap.Status {
	case StatusCompleted:
		s.log.Info("task.completed", logx.String("task_id", id))
	case StatusCancelled:
		s.log.Info("task.cancelled", logx.String("task_id", id))
	case StatusFailed:
		s.log.Warn("task.failed",
			logx.String("task_id", id),
			logx.Int("retry_count", snap.RetryCount),
			logx.String("error", snap.ErrorMessage))
	case StatusRetrying:
		s.log.Info("task.retrying",
			logx.String("task_id", id),
			logx.Int("retry_count", snap.RetryCount),
			logx.Time("next_retry_at", snap.NextRetryAt))
	}
}
