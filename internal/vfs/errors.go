package vfs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBackendUnavailable means the backend process could not be started.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendRejected means the backend ran but exited non-zero,
	// typically because of a bad credential or path.
	ErrBackendRejected = errors.New("backend rejected request")

	// ErrAborted means the caller cancelled a running retrieval.
	ErrAborted = errors.New("aborted")

	ErrNotFound     = errors.New("not found")
	ErrFileExists   = errors.New("local file exists")
	ErrNotSupported = errors.New("not supported")
	ErrReadFailed   = errors.New("read failed")

	// ErrNoCredential means the registry could not obtain a credential for the repository.
	ErrNoCredential = errors.New("no credential available")

	// ErrStoreCorrupt is wrapped by DirectoryStore implementations when the
	// underlying file is damaged and must be recreated.
	ErrStoreCorrupt = errors.New("directory store corrupt")
)

// BackendError describes a backend invocation that exited non-zero.
type BackendError struct {
	Op       string
	ExitCode int
	Output   string
}

func (e *BackendError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 256 {
		out = out[:256]
	}
	if out == "" {
		return fmt.Sprintf("%s: exit code %d", e.Op, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit code %d: %s", e.Op, e.ExitCode, out)
}

func (e *BackendError) Unwrap() error { return ErrBackendRejected }
