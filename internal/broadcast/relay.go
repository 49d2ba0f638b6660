package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logx "fetchd/pkg/logx"
)

// relayWriter drains the relay queue onto the transport. Publish failures
// are logged and dropped; they never affect local delivery.
func (s *Service) relayWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.relayQ:
			payload, err := json.Marshal(ev)
			if err != nil {
				s.relayDropped.Add(1)
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = s.relay.Publish(pubCtx, s.cfg.RelayChannel, payload)
			cancel()
			if err != nil {
				s.relayDropped.Add(1)
				s.log.Warn("relay publish failed", logx.Err(err))
				continue
			}
			s.relayed.Add(1)
		}
	}
}

// relayConsumer fans peer-instance events into the local client queues.
// It reconnects with a flat delay when the subscription drops.
func (s *Service) relayConsumer(ctx context.Context) {
	const retryDelay = 5 * time.Second

	for {
		msgs, stop, err := s.relay.Subscribe(ctx, s.cfg.RelayChannel)
		if err != nil {
			s.log.Warn("relay subscribe failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		s.consumeRelayMessages(ctx, msgs)
		stop()

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func (s *Service) consumeRelayMessages(ctx context.Context, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil || ev.Type == "" || ev.ID == "" {
				// Malformed transport payload: log and drop, never crash.
				s.relayDropped.Add(1)
				s.log.Warn("malformed relay payload dropped", logx.Err(err))
				continue
			}
			if ev.Origin == s.instanceID {
				continue // our own echo
			}
			if s.seen.remember(ev.ID) {
				continue // transport redelivery
			}
			s.relayReceived.Add(1)
			s.deliverLocal(ev)
		}
	}
}

// seenRing remembers the last N event ids.
type seenRing struct {
	mu  sync.Mutex
	ids []string
	idx int
	set map[string]struct{}
}

func newSeenRing(n int) *seenRing {
	if n <= 0 {
		n = 256
	}
	return &seenRing{
		ids: make([]string, n),
		set: make(map[string]struct{}, n),
	}
}

// remember records id and reports whether it was already present.
func (r *seenRing) remember(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.set[id]; ok {
		return true
	}
	if old := r.ids[r.idx]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.idx] = id
	r.set[id] = struct{}{}
	r.idx = (r.idx + 1) % len(r.ids)
	return false
}
