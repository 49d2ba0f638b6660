package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "fetchd.yaml", `
logging:
  level: debug
  console: true
queue:
  max_concurrent: 4
  base_delay: 2s
  max_retries: 5
fetcher:
  command: ["yt-dlp", "--no-playlist"]
api:
  enabled: true
  addr: "127.0.0.1:8484"
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Queue.MaxConcurrent != 4 || cfg.Queue.MaxRetries != 5 {
		t.Fatalf("queue config not decoded: %+v", cfg.Queue)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() should return the committed snapshot")
	}
	d, err := ParseDurationField("queue.base_delay", cfg.Queue.BaseDelay)
	if err != nil || d != 2*time.Second {
		t.Fatalf("base_delay = %v (err=%v), want 2s", d, err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "fetchd.yaml", `
fetcher:
  command: ["true"]
queue:
  max_concurent: 3
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "missing fetcher command", mutate: func(c *Config) { c.Fetcher.Command = nil }, wantErr: true},
		{name: "bad duration", mutate: func(c *Config) { c.Queue.BaseDelay = "soon" }, wantErr: true},
		{name: "negative duration", mutate: func(c *Config) { c.Queue.PollInterval = "-1s" }, wantErr: true},
		{name: "unknown storage driver", mutate: func(c *Config) {
			c.Storage = &StorageConfig{Driver: "postgres", Path: "x"}
		}, wantErr: true},
		{name: "redis without addr", mutate: func(c *Config) { c.Redis = &RedisConfig{} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Fetcher: FetcherConfig{Command: []string{"true"}}}
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}
