package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for fetchd.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "5m").
// Zero/omitted values fall back to defaults applied by the consuming
// component's constructor, so a minimal config file stays minimal.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Queue     QueueConfig     `json:"queue"`
	Fetcher   FetcherConfig   `json:"fetcher"`
	Health    HealthConfig    `json:"health,omitempty"`
	Hybrid    HybridConfig    `json:"hybrid,omitempty"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Redis     *RedisConfig    `json:"redis,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	API       APIConfig       `json:"api"`
	Sweep     SweepConfig     `json:"sweep,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

// PprofConfig controls the optional pprof debug listener.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Address              string `json:"address,omitempty"` // default "127.0.0.1:6060"
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig controls the download job queue.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 2
//   - poll_interval: "1s"
//   - base_delay: "5s"
//   - max_retries: 3
//   - retain_terminal: "24h"
type QueueConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// PollInterval is the dispatcher tick.
	PollInterval string `json:"poll_interval,omitempty"`

	// BaseDelay seeds the exponential retry backoff (base_delay * 2^(n-1)).
	BaseDelay  string `json:"base_delay,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`

	// MaxTasks bounds the task table. 0 means unbounded.
	MaxTasks int `json:"max_tasks,omitempty"`

	// RetainTerminal controls how long finished tasks stay queryable
	// before the sweep evicts them.
	RetainTerminal string `json:"retain_terminal,omitempty"`
}

// FetcherConfig describes the external downloader invocation.
//
// Command is an argv prefix; the source locator is appended as the final
// argument. Example: ["yt-dlp", "--no-playlist", "-o", "/data/%(id)s.%(ext)s"].
type FetcherConfig struct {
	Command []string `json:"command"`
	Timeout string   `json:"timeout,omitempty"`
}

// HealthConfig controls the primary-backend circuit breaker.
type HealthConfig struct {
	MaxFailures int    `json:"max_failures,omitempty"` // default 5
	Cooldown    string `json:"cooldown,omitempty"`     // default "300s"
}

// HybridConfig controls the fast-path/fallback read selector.
type HybridConfig struct {
	VerdictTTL     string `json:"verdict_ttl,omitempty"`     // default "30s"
	FallbackWindow string `json:"fallback_window,omitempty"` // default "60s"
	ProbeTimeout   string `json:"probe_timeout,omitempty"`   // default "2s"
}

// BroadcastConfig controls the event broadcaster.
type BroadcastConfig struct {
	QueueSize         int    `json:"queue_size,omitempty"`         // default 64
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"` // default "30s"
	ClientTimeout     string `json:"client_timeout,omitempty"`     // default "300s"
	MaxClients        int    `json:"max_clients,omitempty"`        // default 256

	// RelayChannel is the shared pub/sub channel for cross-instance fanout.
	// Empty disables the relay even when redis is configured.
	RelayChannel string `json:"relay_channel,omitempty"`
}

// RedisConfig configures the external cache store.
// If the whole section is omitted, the read path always uses fallback and
// events stay instance-local.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	DialTimeout string `json:"dial_timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer for the task table.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./fetchd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// APIConfig controls the HTTP/SSE surface.
//
// Security note:
//   - Prefer binding to localhost unless a token is set.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:8484"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	// SubmitPerSec rate-limits task submission. 0 disables limiting.
	SubmitPerSec int `json:"submit_per_sec,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

// SweepConfig controls the background janitor schedules (cron specs).
//
// Defaults: tasks "@every 10m", clients "@every 1m".
type SweepConfig struct {
	Tasks   string `json:"tasks,omitempty"`
	Clients string `json:"clients,omitempty"`
}

// ParseDurationField parses one of Config's Go-duration-string fields.
// Empty and whitespace-only values parse to zero so the consuming
// component can apply its own default; negative durations are rejected.
// path names the field in error messages ("queue.poll_interval").
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: bad duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for
// empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
