package vfs

import (
	"context"
	"io"
	"path"
	"time"
)

// Repository is a configured backup repository.
type Repository struct {
	Name     string
	Location string
}

// Invocation describes one backend command.
type Invocation struct {
	Args    []string
	Timeout time.Duration

	// Stdout, when set, receives the command's output as it is produced
	// instead of it being returned from Run.
	Stdout io.Writer

	// TotalSize is the expected output size, used to compute progress.
	TotalSize int64

	// Progress is polled while the command runs with a percentage in
	// [0,100]. Returning false aborts the command.
	Progress func(percent int) bool
}

// CommandExecutor runs backend commands against a repository.
// err wraps ErrBackendUnavailable when the process could not start and
// ErrAborted when it was cancelled; a non-zero exit is reported through
// exitCode with a nil err.
type CommandExecutor interface {
	Run(ctx context.Context, repo *Repository, credential []byte, inv Invocation) (output []byte, exitCode int, err error)
}

// Node is one entry of a recursive snapshot listing.
type Node struct {
	Name    string
	Type    string
	Path    string
	Size    int64
	ModTime time.Time
}

func (n Node) IsDir() bool { return n.Type == "dir" }

// Parent returns the slash-separated parent directory of the node.
func (n Node) Parent() string { return path.Dir(n.Path) }

// FindMatch is one hit of a find query.
type FindMatch struct {
	SnapshotID string
	Path       string
	Type       string
	Size       int64
	ModTime    time.Time
}

// ShortID returns the eight-character prefix of the match's snapshot id.
func (m FindMatch) ShortID() string {
	if len(m.SnapshotID) > 8 {
		return m.SnapshotID[:8]
	}
	return m.SnapshotID
}

// Decoder turns raw backend output into typed records.
type Decoder interface {
	Snapshots(raw []byte) ([]Snapshot, error)
	Nodes(raw []byte) ([]Node, error)
	Matches(raw []byte) ([]FindMatch, error)
}

// RepoRegistry owns the configured repositories and their in-memory credentials.
type RepoRegistry interface {
	// FindByName returns the repository or nil if it is not configured.
	FindByName(name string) *Repository
	List() []*Repository

	// EnsureCredential makes a credential available for repo, prompting if needed.
	EnsureCredential(ctx context.Context, repo *Repository) bool

	// Credential returns a copy of the held credential, or nil.
	Credential(repo *Repository) []byte
	InvalidateCredential(repo *Repository)
	ClearCredentials()
}

// zero overwrites b in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
