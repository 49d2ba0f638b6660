package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "fetchd/pkg/logx"
)

type Service struct {
	cfg        Config
	log        logx.Logger
	relay      Relay
	instanceID string
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]*client

	published     atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	relayed       atomic.Uint64
	relayReceived atomic.Uint64
	relayDropped  atomic.Uint64

	seen *seenRing

	relayQ chan Event

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// New creates the broadcaster. relay may be nil for single-instance use.
func New(cfg Config, relay Relay, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg.withDefaults(),
		log:        log.With(logx.String("comp", "broadcast")),
		relay:      relay,
		instanceID: uuid.NewString(),
		now:        time.Now,
		clients:    map[string]*client{},
		seen:       newSeenRing(1024),
		relayQ:     make(chan Event, 256),
	}
}

// InstanceID is this process's origin tag on relayed events.
func (s *Service) InstanceID() string { return s.instanceID }

// Start launches the relay writer/consumer goroutines. Safe to call when no
// relay is configured; it is then a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.mu.Unlock()

	if s.relay == nil || s.cfg.RelayChannel == "" {
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.relayWriter(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.relayConsumer(runCtx)
	}()
	s.log.Info("relay enabled",
		logx.String("channel", s.cfg.RelayChannel),
		logx.String("instance", s.instanceID),
	)
}

// Stop disconnects all clients and waits for relay goroutines.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = map[string]*client{}
	s.started = false
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()
}

// Subscribe registers a client for the given channels and returns its event
// stream. The stream's first event is always "connected"; afterwards data
// events interleave with heartbeats. The stream closes when ctx ends, on
// Unsubscribe, or when the client is evicted.
//
// Re-subscribing an existing client id replaces the old subscription.
func (s *Service) Subscribe(ctx context.Context, clientID string, channels []string) (<-chan Event, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	now := s.now()
	c := newClient(clientID, channels, s.cfg.QueueSize, now)

	s.mu.Lock()
	if old := s.clients[clientID]; old != nil {
		old.close()
	} else if len(s.clients) >= s.cfg.MaxClients {
		s.mu.Unlock()
		return nil, ErrSubscriberLimit
	}
	s.clients[clientID] = c
	s.mu.Unlock()

	// Guaranteed-first connected event, straight into the queue.
	c.push(Event{
		ID:             uuid.NewString(),
		Origin:         s.instanceID,
		Type:           TypeConnected,
		TargetClientID: clientID,
		Time:           now,
		Payload: map[string]any{
			"client_id": clientID,
			"channels":  c.channelList(),
		},
	})

	out := make(chan Event)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pump(ctx, c, out)
	}()

	s.log.Debug("client subscribed",
		logx.String("client", clientID),
		logx.Any("channels", c.channelList()),
	)
	return out, nil
}

// Unsubscribe disconnects a client. Returns false for unknown ids.
func (s *Service) Unsubscribe(clientID string) bool {
	s.mu.Lock()
	c := s.clients[clientID]
	delete(s.clients, clientID)
	s.mu.Unlock()

	if c == nil {
		return false
	}
	c.close()
	s.log.Debug("client unsubscribed", logx.String("client", clientID))
	return true
}

// Publish delivers ev to every subscribed, channel-matching (or explicitly
// targeted) client and, when a relay is configured, forwards it to peer
// instances. It never blocks on a slow client.
func (s *Service) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Origin == "" {
		ev.Origin = s.instanceID
	}
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.published.Add(1)
	s.seen.remember(ev.ID)

	s.deliverLocal(ev)

	if s.relay == nil || s.cfg.RelayChannel == "" {
		return
	}
	select {
	case s.relayQ <- ev:
	default:
		// Relay is best-effort; local delivery already happened.
		s.relayDropped.Add(1)
	}
}

func (s *Service) deliverLocal(ev Event) {
	s.mu.Lock()
	targets := make([]*client, 0, 4)
	if ev.TargetClientID != "" {
		if c := s.clients[ev.TargetClientID]; c != nil {
			targets = append(targets, c)
		}
	} else {
		for _, c := range s.clients {
			if c.subscribed(ev.Channel) {
				targets = append(targets, c)
			}
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if c.push(ev) {
			continue
		}
		// Queue is saturated with undeliverable terminal events; the
		// consumer is gone for good. Evict instead of losing one.
		s.log.Warn("client queue overflow, disconnecting",
			logx.String("client", c.id),
		)
		s.Unsubscribe(c.id)
	}
}

// pump moves events from the client queue to the subscriber, emitting a
// heartbeat whenever the queue stays idle for a full heartbeat interval.
func (s *Service) pump(ctx context.Context, c *client, out chan<- Event) {
	defer close(out)
	defer s.forget(c)

	hb := s.cfg.HeartbeatInterval
	timer := time.NewTimer(hb)
	defer timer.Stop()

	for {
		ev, ok := c.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-c.notify:
				continue
			case <-timer.C:
				ev = Event{
					ID:     uuid.NewString(),
					Origin: s.instanceID,
					Type:   TypeHeartbeat,
					Time:   s.now(),
				}
				timer.Reset(hb)
			}
		}

		select {
		case out <- ev:
			if ev.Type != TypeHeartbeat {
				s.delivered.Add(1)
			}
			c.touch(s.now())
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(hb)
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// forget removes c from the registry if it is still the registered client
// for its id (a re-subscribe may have replaced it already).
func (s *Service) forget(c *client) {
	s.mu.Lock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	c.close()
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	per := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		per = append(per, c.info())
	}
	s.mu.Unlock()

	var dropped uint64
	for _, ci := range per {
		dropped += ci.Dropped
	}

	return Stats{
		Clients:       len(per),
		Published:     s.published.Load(),
		Delivered:     s.delivered.Load(),
		Dropped:       s.dropped.Load() + dropped,
		Relayed:       s.relayed.Load(),
		RelayReceived: s.relayReceived.Load(),
		RelayDropped:  s.relayDropped.Load(),
		PerClient:     per,
	}
}
