package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "fetchd/pkg/logx"
)

// Manager loads the config file and, when watching, republishes validated
// snapshots to subscribers on change.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list and ensures we never send on a
	// channel that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash tracks the last successfully committed config content. It
	// avoids redundant publishes when an editor emits multiple write events
	// without content changes.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a validation hook used by Watch() before committing.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := yamlToJSON(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated JSON documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field consistency that the decoder cannot.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if len(cfg.Fetcher.Command) == 0 {
		return errors.New("fetcher.command is required")
	}
	for _, raw := range []struct{ path, v string }{
		{"queue.poll_interval", cfg.Queue.PollInterval},
		{"queue.base_delay", cfg.Queue.BaseDelay},
		{"queue.retain_terminal", cfg.Queue.RetainTerminal},
		{"fetcher.timeout", cfg.Fetcher.Timeout},
		{"health.cooldown", cfg.Health.Cooldown},
		{"hybrid.verdict_ttl", cfg.Hybrid.VerdictTTL},
		{"hybrid.fallback_window", cfg.Hybrid.FallbackWindow},
		{"hybrid.probe_timeout", cfg.Hybrid.ProbeTimeout},
		{"broadcast.heartbeat_interval", cfg.Broadcast.HeartbeatInterval},
		{"broadcast.client_timeout", cfg.Broadcast.ClientTimeout},
		{"api.read_timeout", cfg.API.ReadTimeout},
		{"api.idle_timeout", cfg.API.IdleTimeout},
	} {
		if _, err := ParseDurationField(raw.path, raw.v); err != nil {
			return err
		}
	}
	if cfg.Storage != nil {
		d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
		switch d {
		case "", "none", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr is required when redis is configured")
	}
	return nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			// swap-remove (order doesn't matter)
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Always try to deliver the latest config. If the subscriber is
		// slow and the buffer is full, drop one oldest item then push.
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// Watch re-parses the config file when it changes and publishes validated
// snapshots. It blocks until ctx is done.
//
// Editors often replace files via rename, so the parent directory is
// watched rather than the file itself.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(m.path)

	// Debounce: editors commonly emit several events per save.
	var timer *time.Timer
	var timerC <-chan time.Time

	reload := func() {
		cfg, err := m.Parse()
		if err != nil {
			m.log.Warn("config reload rejected", logx.Err(err))
			return
		}
		if m.validator != nil {
			if err := m.validator(ctx, cfg); err != nil {
				m.log.Warn("config reload rejected by validator", logx.Err(err))
				return
			}
		}
		m.mu.RLock()
		prev := m.lastHash
		m.mu.RUnlock()
		if h := hashConfig(cfg); h == prev && h != 0 {
			return // no content change
		}
		m.Commit(cfg)
		m.log.Info("config reloaded", logx.String("path", m.path))
		m.publish(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(200 * time.Millisecond)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(200 * time.Millisecond)
			}
		case <-timerC:
			reload()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watcher error", logx.Err(err))
		}
	}
}
