package broadcast

import (
	"sort"
	"sync"
	"time"
)

// client is one connected subscriber. The queue is a slice-backed FIFO under
// the client's own lock so publish can drop-oldest without racing the pump.
type client struct {
	id       string
	channels map[string]struct{}

	mu           sync.Mutex
	queue        []Event
	max          int
	dropped      uint64
	lastActivity time.Time

	// notify has capacity 1; push sets it, the pump drains it.
	notify chan struct{}
	// done is closed exactly once on unsubscribe/kick.
	done     chan struct{}
	doneOnce sync.Once

	connectedAt time.Time
}

func newClient(id string, channels []string, max int, now time.Time) *client {
	set := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		if ch != "" {
			set[ch] = struct{}{}
		}
	}
	return &client{
		id:           id,
		channels:     set,
		max:          max,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		connectedAt:  now,
		lastActivity: now,
	}
}

func (c *client) subscribed(channel string) bool {
	_, ok := c.channels[channel]
	return ok
}

func (c *client) channelList() []string {
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// push appends ev to the queue. On overflow the oldest droppable event is
// evicted first. It returns false only when the queue is entirely terminal
// events and ev is terminal too; the caller should disconnect the client
// rather than silently lose a completion.
func (c *client) push(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) >= c.max {
		idx := -1
		for i := range c.queue {
			if !terminal(c.queue[i].Type) {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
			c.dropped++
		case !terminal(ev.Type):
			// Queue is all terminals; the incoming event is the droppable one.
			c.dropped++
			return true
		default:
			return false
		}
	}

	c.queue = append(c.queue, ev)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *client) pop() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return Event{}, false
	}
	ev := c.queue[0]
	// Shift rather than re-slice so the backing array doesn't pin
	// delivered events.
	copy(c.queue, c.queue[1:])
	c.queue = c.queue[:len(c.queue)-1]
	return ev, true
}

func (c *client) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *client) lastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *client) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ID:             c.id,
		Channels:       c.channelList(),
		QueueLen:       len(c.queue),
		ConnectedAt:    c.connectedAt,
		LastActivityAt: c.lastActivity,
		Dropped:        c.dropped,
	}
}
