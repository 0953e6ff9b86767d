package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"resticvfs/internal/vfs"
)

// Call records one FakeExecutor invocation.
type Call struct {
	Repo       string
	Credential string
	Args       []string
}

// Command returns the backend subcommand, e.g. "snapshots".
func (c Call) Command() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// Response is what FakeExecutor returns for a call. Output goes to the
// invocation's Stdout when one is set.
type Response struct {
	Output   []byte
	ExitCode int
	Err      error

	// Wait, when set, blocks the call until it is closed or the context ends.
	Wait <-chan struct{}
}

// Handler computes the response for one call.
type Handler func(call Call, inv vfs.Invocation) Response

// FakeExecutor is a scripted vfs.CommandExecutor. Responses are registered
// per subcommand; unscripted commands fail as if the backend were missing.
type FakeExecutor struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

var _ vfs.CommandExecutor = (*FakeExecutor)(nil)

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{handlers: make(map[string]Handler)}
}

// On registers h for subcommand cmd, replacing any earlier script.
func (f *FakeExecutor) On(cmd string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[cmd] = h
}

// Respond makes every call to cmd return r.
func (f *FakeExecutor) Respond(cmd string, r Response) {
	f.On(cmd, func(Call, vfs.Invocation) Response { return r })
}

func (f *FakeExecutor) Run(ctx context.Context, repo *vfs.Repository, credential []byte, inv vfs.Invocation) ([]byte, int, error) {
	call := Call{Repo: repo.Name, Credential: string(credential), Args: append([]string(nil), inv.Args...)}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	h := f.handlers[call.Command()]
	f.mu.Unlock()

	if h == nil {
		return nil, 0, fmt.Errorf("no script for %q: %w", strings.Join(inv.Args, " "), vfs.ErrBackendUnavailable)
	}
	r := h(call, inv)

	if r.Wait != nil {
		select {
		case <-r.Wait:
		case <-ctx.Done():
			return nil, 0, fmt.Errorf("waiting for %s: %w", call.Command(), vfs.ErrAborted)
		}
	}
	if r.Err != nil {
		return nil, 0, r.Err
	}
	if inv.Progress != nil && !inv.Progress(100) && r.ExitCode == 0 {
		return nil, 0, fmt.Errorf("%s: %w", call.Command(), vfs.ErrAborted)
	}
	if inv.Stdout != nil {
		if _, err := inv.Stdout.Write(r.Output); err != nil {
			return nil, 0, fmt.Errorf("writing output: %w", err)
		}
		return nil, r.ExitCode, nil
	}
	return r.Output, r.ExitCode, nil
}

// Calls returns every recorded call.
func (f *FakeExecutor) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the recorded calls of subcommand cmd.
func (f *FakeExecutor) CallsFor(cmd string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Command() == cmd {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times cmd ran.
func (f *FakeExecutor) Count(cmd string) int {
	return len(f.CallsFor(cmd))
}

// Reset forgets recorded calls but keeps the scripts.
func (f *FakeExecutor) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
