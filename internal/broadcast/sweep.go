package broadcast

import (
	"time"

	logx "fetchd/pkg/logx"
)

// SweepStale evicts clients whose last delivery is older than the client
// timeout. This catches consumers whose transport died without a disconnect
// signal. Returns the number of clients evicted.
func (s *Service) SweepStale(now time.Time) int {
	cutoff := now.Add(-s.cfg.ClientTimeout)

	s.mu.Lock()
	stale := make([]*client, 0, 2)
	for _, c := range s.clients {
		if c.lastActive().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()

	for _, c := range stale {
		c.close()
		s.log.Info("stale client evicted",
			logx.String("client", c.id),
			logx.Time("last_activity", c.lastActive()),
		)
	}
	return len(stale)
}
