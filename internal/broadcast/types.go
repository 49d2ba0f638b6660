package broadcast

import (
	"context"
	"errors"
	"time"
)

// Event types not tied to a task transition.
const (
	TypeConnected = "connected"
	TypeHeartbeat = "heartbeat"
)

// Task lifecycle event types, as published by the queue.
const (
	TypeTaskQueued    = "task.queued"
	TypeTaskStarted   = "task.started"
	TypeTaskProgress  = "task.progress"
	TypeTaskRetrying  = "task.retrying"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskCancelled = "task.cancelled"
)

// Event is an immutable, ephemeral notification.
//
// ID and Origin exist for cross-instance de-duplication: a relay consumer
// drops events whose Origin is itself, and a short memory of recent IDs
// guards against transport redelivery.
type Event struct {
	ID             string         `json:"id"`
	Origin         string         `json:"origin,omitempty"`
	Type           string         `json:"type"`
	Channel        string         `json:"channel,omitempty"`
	TargetClientID string         `json:"target_client_id,omitempty"`
	Time           time.Time      `json:"time"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// terminal reports whether ev announces the end of a task's life. Terminal
// events are never dropped by queue overflow; everything else is advisory.
func terminal(evType string) bool {
	switch evType {
	case TypeTaskCompleted, TypeTaskFailed, TypeTaskCancelled:
		return true
	}
	return false
}

// Relay is the shared pub/sub transport for cross-instance fanout.
type Relay interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
}

// ErrSubscriberLimit is returned when MaxClients is reached.
var ErrSubscriberLimit = errors.New("subscriber limit reached")

type Config struct {
	// QueueSize bounds each client's delivery queue.
	QueueSize int

	// HeartbeatInterval is how long a subscription stream waits on its
	// queue before emitting a synthetic heartbeat.
	HeartbeatInterval time.Duration

	// ClientTimeout evicts clients whose last delivery is older than this,
	// even without a transport disconnect signal.
	ClientTimeout time.Duration

	MaxClients int

	// RelayChannel names the shared pub/sub channel. Empty disables the
	// relay even when a transport is configured.
	RelayChannel string
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = 5 * time.Minute
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 256
	}
	return c
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Clients       int    `json:"clients"`
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	Relayed       uint64 `json:"relayed"`
	RelayReceived uint64 `json:"relay_received"`
	RelayDropped  uint64 `json:"relay_dropped"`

	PerClient []ClientInfo `json:"per_client,omitempty"`
}

type ClientInfo struct {
	ID             string    `json:"id"`
	Channels       []string  `json:"channels"`
	QueueLen       int       `json:"queue_len"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Dropped        uint64    `json:"dropped"`
}
