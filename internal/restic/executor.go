package restic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"resticvfs/internal/vfs"
)

const (
	// DefaultBinary is looked up on PATH when no binary is configured.
	DefaultBinary = "restic"

	pollInterval  = 100 * time.Millisecond
	maxStderrSize = 64 << 10
)

// Executor runs the restic binary as a child process. The repository
// credential is passed through RESTIC_PASSWORD in the child's environment only.
type Executor struct {
	binary string
	logger vfs.Logger
}

var _ vfs.CommandExecutor = (*Executor)(nil)

func NewExecutor(binary string, logger vfs.Logger) *Executor {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Executor{binary: binary, logger: logger}
}

// Run executes one restic command. On a non-zero exit the returned output is
// the command's stderr.
func (e *Executor) Run(ctx context.Context, repo *vfs.Repository, credential []byte, inv vfs.Invocation) ([]byte, int, error) {
	parent := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := append([]string{"--repo", repo.Location}, inv.Args...)
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Env = childEnv(credential)
	cmd.WaitDelay = 5 * time.Second

	var stdout bytes.Buffer
	counter := &countingWriter{w: &stdout}
	if inv.Stdout != nil {
		counter.w = inv.Stdout
	}
	cmd.Stdout = counter
	stderr := &limitedBuffer{max: maxStderrSize}
	cmd.Stderr = stderr

	e.logger.Debug("running restic", "repo", repo.Name, "command", inv.Args[0])
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, -1, fmt.Errorf("starting %s: %w: %w", e.binary, vfs.ErrBackendUnavailable, err)
	}

	var aborted atomic.Bool
	done := make(chan struct{})
	if inv.Progress != nil {
		go func() {
			ticker := time.NewTicker(pollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if !inv.Progress(percent(counter.n.Load(), inv.TotalSize)) {
						aborted.Store(true)
						cancel()
						return
					}
				}
			}
		}()
	}

	err := cmd.Wait()
	close(done)
	e.logger.Debug("restic finished", "repo", repo.Name, "command", inv.Args[0], "duration", time.Since(start).Truncate(time.Millisecond))

	switch {
	case aborted.Load() || parent.Err() != nil:
		return nil, -1, fmt.Errorf("restic %s: %w", inv.Args[0], vfs.ErrAborted)
	case ctx.Err() != nil:
		return nil, -1, fmt.Errorf("restic %s timed out after %s: %w", inv.Args[0], inv.Timeout, vfs.ErrBackendUnavailable)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stderr.Bytes(), exitErr.ExitCode(), nil
		}
		return nil, -1, fmt.Errorf("running restic %s: %w: %w", inv.Args[0], vfs.ErrBackendUnavailable, err)
	}

	if inv.Progress != nil {
		inv.Progress(100)
	}
	if inv.Stdout != nil {
		return nil, 0, nil
	}
	return stdout.Bytes(), 0, nil
}

// childEnv copies the process environment without any inherited restic
// repository or password settings and appends the credential.
func childEnv(credential []byte) []string {
	var env []string
	for _, kv := range os.Environ() {
		switch {
		case strings.HasPrefix(kv, "RESTIC_PASSWORD"),
			strings.HasPrefix(kv, "RESTIC_REPOSITORY"):
			continue
		}
		env = append(env, kv)
	}
	return append(env, "RESTIC_PASSWORD="+string(credential))
}

func percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := done * 100 / total
	if p > 100 {
		p = 100
	}
	return int(p)
}

type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) Bytes() []byte { return l.buf.Bytes() }
