package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyBadFilePathKeepsLogging(t *testing.T) {
	// A file path that cannot be opened must not take the service down:
	// the warn about the failed open goes through the freshly swapped root.
	bad := filepath.Join(t.TempDir(), "missing", "app.log")
	svc, log := New(Config{Level: "info", Console: true, File: FileConfig{Enabled: true, Path: bad}})
	defer svc.Close()

	log.Info("still alive")

	// Re-applying with a writable path recovers the file sink.
	good := filepath.Join(t.TempDir(), "app.log")
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: good}})
	log.Info("file sink works", String("k", "v"))

	b, err := os.ReadFile(good)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "file sink works") {
		t.Fatalf("file sink missing message: %s", b)
	}
	if !strings.Contains(string(b), `"k":"v"`) {
		t.Fatalf("field not written: %s", b)
	}
}

func TestApplyLevelChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at warn level")
	}
	log.Info("filtered out")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if !log.Enabled(LevelDebug) {
		t.Fatal("debug not enabled after apply")
	}
	log.Debug("now visible")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(b), "filtered out") {
		t.Fatalf("info leaked through warn level: %s", b)
	}
	if !strings.Contains(string(b), "now visible") {
		t.Fatalf("debug missing after level change: %s", b)
	}
}

func TestWithFieldsAccumulate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	derived := log.With(String("component", "queue")).With(Int("n", 3))
	derived.Info("hello")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for _, want := range []string{`"component":"queue"`, `"n":3`, "hello"} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("output missing %q: %s", want, b)
		}
	}
}

func TestNopLoggerIsSilent(t *testing.T) {
	t.Parallel()

	log := Nop()
	if log.Enabled(LevelError) {
		t.Fatal("nop logger reports enabled levels")
	}
	log.Error("goes nowhere", Err(os.ErrClosed))

	var zero Logger
	zero.Info("zero value is safe too")
}
