package httpapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"fetchd/internal/hybrid"
	"fetchd/internal/queue"
	"fetchd/pkg/logx"
)

// TaskCache is the slice of the Redis store the read-through layer needs.
type TaskCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) error
}

// CachedTasks layers a short-TTL task cache over the queue. Every cached
// read is gated by the selector, so when Redis flaps the layer degrades to
// direct queue reads instead of adding probe latency to each request.
//
// The queue stays the source of truth; cache writes are best-effort and a
// cache error is reported to the health tracker, never to the caller.
type CachedTasks struct {
	inner    TaskService
	cache    TaskCache
	selector *hybrid.Selector
	tracker  hybrid.HealthTracker
	log      logx.Logger

	ttl       time.Duration
	opTimeout time.Duration
}

func NewCachedTasks(inner TaskService, c TaskCache, selector *hybrid.Selector, tracker hybrid.HealthTracker, ttl time.Duration, log logx.Logger) *CachedTasks {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CachedTasks{
		inner:     inner,
		cache:     c,
		selector:  selector,
		tracker:   tracker,
		log:       log.With(logx.String("comp", "taskcache")),
		ttl:       ttl,
		opTimeout: 2 * time.Second,
	}
}

func taskKey(id string) string { return "fetchd:task:" + id }

// Status serves from the cache when the selector allows, falling back to
// the queue on a miss and priming the entry for the next reader.
func (c *CachedTasks) Status(id string) (*queue.Task, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	if !c.selector.ShouldUsePrimary(ctx, "task.status") {
		return c.inner.Status(id)
	}

	raw, found, err := c.cache.Get(ctx, taskKey(id))
	if err != nil {
		c.fail("get", err)
		return c.inner.Status(id)
	}
	if found {
		var t queue.Task
		if jsonErr := json.Unmarshal([]byte(raw), &t); jsonErr == nil {
			return &t, nil
		}
		// Undecodable entry: treat as a miss and overwrite below.
	}

	t, err := c.inner.Status(id)
	if err != nil {
		return nil, err
	}
	c.store(t)
	return t, nil
}

// List always reads the queue (it owns the filter semantics), then primes
// the cache for every returned task in a single round trip.
func (c *CachedTasks) List(status queue.Status, subjectID string) []*queue.Task {
	tasks := c.inner.List(status, subjectID)

	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()

	if len(tasks) == 0 || !c.selector.ShouldUsePrimary(ctx, "task.list") {
		return tasks
	}

	err := c.cache.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, t := range tasks {
			b, jsonErr := json.Marshal(t)
			if jsonErr != nil {
				continue
			}
			p.Set(ctx, taskKey(t.ID), string(b), c.ttl)
		}
		return nil
	})
	if err != nil {
		c.fail("pipeline", err)
	}
	return tasks
}

func (c *CachedTasks) Submit(ctx context.Context, subjectID, sourceLocator string, priority int) (*queue.Task, error) {
	t, err := c.inner.Submit(ctx, subjectID, sourceLocator, priority)
	if err != nil {
		return nil, err
	}
	c.store(t)
	return t, nil
}

func (c *CachedTasks) Cancel(ctx context.Context, id string) error {
	if err := c.inner.Cancel(ctx, id); err != nil {
		return err
	}
	// Refresh the entry so a cached read can't resurrect the old status.
	if t, err := c.inner.Status(id); err == nil {
		c.store(t)
	}
	return nil
}

func (c *CachedTasks) Retry(ctx context.Context, id string) (*queue.Task, error) {
	t, err := c.inner.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(t)
	return t, nil
}

func (c *CachedTasks) Stats() queue.Stats { return c.inner.Stats() }

// store writes one task through to the cache, best effort.
func (c *CachedTasks) store(t *queue.Task) {
	b, err := json.Marshal(t)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if err := c.cache.Set(ctx, taskKey(t.ID), string(b), c.ttl); err != nil {
		c.fail("set", err)
	}
}

func (c *CachedTasks) fail(op string, err error) {
	if c.tracker != nil {
		c.tracker.RecordFailure("taskcache " + op + ": " + err.Error())
	}
	c.log.Debug("cache "+op+" failed", logx.Err(err))
}
