package queue

import (
	"context"

	"fetchd/pkg/logx"
)

// SweepTerminal evicts terminal tasks whose completion is older than the
// retention window, both from the in-memory table and from persistence.
// Returns the number of tasks removed.
func (s *Service) SweepTerminal(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.RetainTerminal)

	s.mu.Lock()
	evicted := make([]string, 0)
	for id, t := range s.tasks {
		if t.Status.Terminal() && !t.CompletedAt.IsZero() && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()

	if s.store != nil && len(evicted) > 0 {
		statuses := []string{
			string(StatusCompleted), string(StatusFailed), string(StatusCancelled),
		}
		if _, err := s.store.DeleteTerminalBefore(ctx, cutoff, statuses); err != nil {
			s.log.Warn("queue.sweep.persist_failed", logx.Err(err))
		}
	}
	if len(evicted) > 0 {
		s.log.Info("queue.swept",
			logx.Int("evicted", len(evicted)),
			logx.Time("cutoff", cutoff))
	}
	return len(evicted)
}
