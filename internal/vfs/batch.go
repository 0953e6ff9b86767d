package vfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// BatchPhase is the lifecycle state of a batch restore session.
type BatchPhase int

const (
	PhaseIdle BatchPhase = iota
	PhasePending
	PhaseActive
)

func (p BatchPhase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseActive:
		return "active"
	default:
		return "idle"
	}
}

// BatchTarget identifies the snapshot directory a multi-file transfer starts at.
type BatchTarget struct {
	Repo     *Repository
	ShortID  string
	Original string

	// Rest is the directory's path relative to Original, slash-separated.
	Rest string

	Credential []byte
}

// BatchFile identifies one file requested during a transfer.
type BatchFile struct {
	Repo    string
	ShortID string

	// Rest is the file's path relative to the backup path, slash-separated.
	Rest string
}

// BatchRestoreCoordinator restores the subtree of the first requested file
// in one backend call and serves later requests from the local copy.
// Any failure falls back to per-file retrieval.
type BatchRestoreCoordinator struct {
	exec    CommandExecutor
	idgen   IDGenerator
	logger  Logger
	tempDir string
	timeout time.Duration

	mu     sync.Mutex
	phase  BatchPhase
	root   string
	target BatchTarget
}

func NewBatchRestoreCoordinator(exec CommandExecutor, tempDir string, timeout time.Duration, idgen IDGenerator, logger Logger) *BatchRestoreCoordinator {
	if timeout <= 0 {
		timeout = DefaultDataTimeout
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &BatchRestoreCoordinator{
		exec:    exec,
		idgen:   idgen,
		logger:  logger,
		tempDir: tempDir,
		timeout: timeout,
	}
}

// Phase returns the current session phase.
func (b *BatchRestoreCoordinator) Phase() BatchPhase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// Begin starts a session for a transfer out of target, ending any previous
// session first. The coordinator takes ownership of target.Credential.
func (b *BatchRestoreCoordinator) Begin(target BatchTarget) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()

	root := filepath.Join(b.tempDir, fmt.Sprintf("restore_%s_%s", target.ShortID, b.idgen.New()))
	b.root = root
	b.target = target
	b.phase = PhasePending
	b.logger.Debug("batch restore pending", "repo", target.Repo.Name, "snapshot", target.ShortID, "dir", target.Rest)
}

// Fetch retrieves file into local. While the session is pending the first
// call attempts the bulk restore; while active the file is copied from the
// restored tree if present. Otherwise fetchOne is used.
func (b *BatchRestoreCoordinator) Fetch(ctx context.Context, file BatchFile, local string, fetchOne func() error) error {
	if b.serveLocal(ctx, file, local) {
		return nil
	}
	return fetchOne()
}

func (b *BatchRestoreCoordinator) serveLocal(ctx context.Context, file BatchFile, local string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase == PhaseIdle || !b.coversLocked(file) {
		return false
	}
	if b.phase == PhasePending {
		if !b.restoreLocked(ctx, file) {
			return false
		}
	}

	src := filepath.Join(b.root, filepath.FromSlash(JoinBackendPath(b.target.Original, file.Rest)))
	info, err := os.Stat(src)
	if err != nil || !info.Mode().IsRegular() {
		b.logger.Debug("file not in restored tree", "path", file.Rest)
		return false
	}
	if err := copyFile(src, local); err != nil {
		b.logger.Warn("copying restored file failed", "path", file.Rest, "error", err)
		return false
	}
	return true
}

func (b *BatchRestoreCoordinator) coversLocked(file BatchFile) bool {
	if file.Repo != b.target.Repo.Name || file.ShortID != b.target.ShortID {
		return false
	}
	return b.target.Rest == "" || strings.HasPrefix(file.Rest, b.target.Rest+"/")
}

// restoreLocked runs the bulk restore for the subtree containing file.
// On failure the session is released and the coordinator returns to idle.
func (b *BatchRestoreCoordinator) restoreLocked(ctx context.Context, file BatchFile) bool {
	include := JoinBackendPath(b.target.Original, includeRest(b.target.Rest, file.Rest))

	if err := os.MkdirAll(b.root, 0700); err != nil {
		b.logger.Warn("creating restore directory failed", "dir", b.root, "error", err)
		b.releaseLocked()
		return false
	}

	_, code, err := b.exec.Run(ctx, b.target.Repo, b.target.Credential, Invocation{
		Args:    []string{"restore", b.target.ShortID, "--path", b.target.Original, "--include", include, "--target", b.root},
		Timeout: b.timeout,
	})
	if err != nil || code != 0 {
		b.logger.Info("batch restore failed, using per-file retrieval", "snapshot", b.target.ShortID, "include", include, "exit_code", code, "error", err)
		b.releaseLocked()
		return false
	}

	b.phase = PhaseActive
	b.logger.Info("batch restore active", "snapshot", b.target.ShortID, "include", include)
	return true
}

// includeRest picks the restore scope: the first component of file below
// dir, or the file itself when it sits directly in dir.
func includeRest(dir, file string) string {
	rel := file
	if dir != "" {
		rel = strings.TrimPrefix(file, dir+"/")
	}
	first, _, nested := strings.Cut(rel, "/")
	if !nested {
		return file
	}
	if dir == "" {
		return first
	}
	return dir + "/" + first
}

// End finishes the transfer and releases the session.
func (b *BatchRestoreCoordinator) End() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()
}

// Close releases the session on disconnect.
func (b *BatchRestoreCoordinator) Close() {
	b.End()
}

func (b *BatchRestoreCoordinator) releaseLocked() {
	if b.root != "" {
		if err := os.RemoveAll(b.root); err != nil {
			b.logger.Warn("removing restore directory failed", "dir", b.root, "error", err)
		}
	}
	zero(b.target.Credential)
	b.target = BatchTarget{}
	b.root = ""
	b.phase = PhaseIdle
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	return nil
}
