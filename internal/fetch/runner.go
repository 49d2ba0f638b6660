// Package fetch runs the external downloader process and adapts its exit
// status and progress output to the queue's worker contract.
package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fetchd/pkg/logx"
)

// permanentExitCode is the downloader's "input is unusable" exit status.
// Anything else non-zero is treated as transient.
const permanentExitCode = 2

// tailLines is how many stderr lines are kept for error reporting.
const tailLines = 8

// Config controls the downloader invocation. Command is an argv prefix; the
// source locator is appended as the final argument.
type Config struct {
	Command []string
	Timeout time.Duration
}

// Runner executes downloads as child processes. It implements the queue's
// Worker interface.
type Runner struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, log: log}
}

// Execute runs one download. Progress is read from the child's stderr:
// lines of the form "progress <0-100>" drive onProgress, everything else is
// retained as diagnostic context for failures.
func (r *Runner) Execute(ctx context.Context, sourceLocator string, onProgress func(percent int)) error {
	if len(r.cfg.Command) == 0 {
		return permanentf("fetcher command is not configured")
	}
	if strings.TrimSpace(sourceLocator) == "" {
		return permanentf("empty source locator")
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(r.cfg.Command))
	args = append(args, r.cfg.Command[1:]...)
	args = append(args, sourceLocator)
	cmd := exec.CommandContext(ctx, r.cfg.Command[0], args...)

	// Downloaders fork helpers (extractors, muxers); run the child in its
	// own process group and kill the whole group on cancellation, or any
	// grandchild holding the stderr pipe keeps us blocked past the parent's
	// death. WaitDelay backstops a group member that shrugs off the kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return permanentf("downloader not runnable: %v", err)
		}
		return fmt.Errorf("start downloader: %w", err)
	}

	r.log.Debug("fetch.started",
		logx.String("command", r.cfg.Command[0]),
		logx.String("locator", sourceLocator))

	tail := r.consumeStderr(stderr, onProgress)
	waitErr := cmd.Wait()
	if waitErr == nil {
		return nil
	}

	if ctx.Err() != nil {
		// The child died because we killed it, not on its own terms.
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		msg := strings.Join(tail, "; ")
		if msg == "" {
			msg = waitErr.Error()
		}
		if code == permanentExitCode {
			return permanentf("downloader rejected input (exit %d): %s", code, msg)
		}
		return fmt.Errorf("downloader failed (exit %d): %s", code, msg)
	}
	return fmt.Errorf("downloader: %w", waitErr)
}

// consumeStderr scans child stderr line by line, forwarding progress updates
// and keeping the last few non-progress lines. Returns the retained tail.
func (r *Runner) consumeStderr(stderr io.Reader, onProgress func(int)) []string {
	var tail []string
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if pct, ok := parseProgress(line); ok {
			if onProgress != nil {
				onProgress(pct)
			}
			continue
		}
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
	}
	return tail
}

// parseProgress matches "progress <n>" lines, n in 0..100.
func parseProgress(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, "progress ")
	if !ok {
		return 0, false
	}
	pct, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}
