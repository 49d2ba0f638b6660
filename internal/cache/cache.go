// Package cache wraps the external Redis store the read path and the
// cross-instance event relay depend on.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	logx "fetchd/pkg/logx"
)

type Config struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

type Service struct {
	rdb *redis.Client
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	return &Service{rdb: rdb, log: log.With(logx.String("comp", "cache"))}
}

// Probe is the cheap liveness check used by the hybrid selector.
// The caller bounds ctx; no extra timeout is layered here.
func (s *Service) Probe(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get returns (value, found, error). A missing key is not an error.
func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Pipelined runs fn against a pipeline and executes it in one round trip.
func (s *Service) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := s.rdb.Pipelined(ctx, fn)
	return err
}

// Publish sends payload to the shared pub/sub channel.
func (s *Service) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe returns a receive channel for the shared pub/sub channel and a
// stop function. The channel closes when stop is called or ctx ends.
func (s *Service) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ps := s.rdb.Subscribe(ctx, channel)
	// Force the subscription to be established (or fail) up front.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = ps.Close() }
	return out, stop, nil
}

func (s *Service) Close() error {
	return s.rdb.Close()
}
