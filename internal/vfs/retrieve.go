package vfs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// GetOptions controls a single file retrieval.
type GetOptions struct {
	Overwrite bool
	Resume    bool

	// Progress receives percentages; returning false aborts the transfer.
	Progress func(percent int) bool
}

type fileTarget struct {
	repo     *Repository
	shortID  string
	original string
	rest     string
	name     string
	size     int64
}

func (t fileTarget) backendPath() string { return JoinBackendPath(t.original, t.rest) }

// GetFile copies the file at the namespace path remote to local. During a
// transfer started with BeginTransfer the batch restore is tried first.
func (s *Service) GetFile(ctx context.Context, remote, local string, opts GetOptions) error {
	if opts.Resume && !opts.Overwrite {
		return fmt.Errorf("resuming %s: %w", remote, ErrNotSupported)
	}
	if !opts.Overwrite {
		if _, err := os.Stat(local); err == nil {
			return fmt.Errorf("%s: %w", local, ErrFileExists)
		}
	}

	t, err := s.resolveFile(ctx, remote)
	if err != nil {
		return err
	}

	file := BatchFile{Repo: t.repo.Name, ShortID: t.shortID, Rest: t.rest}
	return s.batch.Fetch(ctx, file, local, func() error {
		return s.dump(ctx, t, local, opts.Progress)
	})
}

// Open extracts the file at remote into the session's temp directory and
// returns the local path. An earlier extraction is reused.
func (s *Service) Open(ctx context.Context, remote string) (string, error) {
	t, err := s.resolveFile(ctx, remote)
	if err != nil {
		return "", err
	}
	root, err := s.sessionTempDir()
	if err != nil {
		return "", err
	}
	// Same-named files in different directories must not share an extraction.
	sum := blake3.Sum256([]byte(t.shortID + "\x00" + t.backendPath()))
	local := filepath.Join(root, t.shortID+"_"+hex.EncodeToString(sum[:8]), t.name)

	_, err, _ = s.opens.Do(local, func() (any, error) {
		if _, err := os.Stat(local); err == nil {
			return nil, nil
		}
		return nil, s.dump(ctx, t, local, nil)
	})
	if err != nil {
		return "", err
	}
	return local, nil
}

// BeginTransfer signals the start of a multi-file transfer out of the
// snapshot directory remoteDir. Only snapshot selector directories qualify.
func (s *Service) BeginTransfer(ctx context.Context, remoteDir string) bool {
	req := ParsePath(remoteDir)
	if req.Kind != RequestSnapshot {
		s.batch.End()
		return false
	}
	repo := s.repository(ctx, req.Repo)
	if repo == nil {
		return false
	}
	snap, original, err := s.resolveSelector(ctx, repo, req.BackupPath, req.Selector)
	if err != nil {
		s.noteFailure(repo, remoteDir, err)
		return false
	}
	s.batch.Begin(BatchTarget{
		Repo:       repo,
		ShortID:    snap.ShortID,
		Original:   original,
		Rest:       req.Rest,
		Credential: s.registry.Credential(repo),
	})
	return true
}

// EndTransfer signals that the multi-file transfer finished.
func (s *Service) EndTransfer() {
	s.batch.End()
}

// Disconnect tears the session down: batch state, caches, credentials and
// temp files.
func (s *Service) Disconnect() {
	s.batch.Close()
	s.snapshots.Clear()
	s.dirs.Close()
	s.registry.ClearCredentials()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tempRoot != "" {
		if err := os.RemoveAll(s.tempRoot); err != nil {
			s.logger.Warn("removing session temp dir failed", "dir", s.tempRoot, "error", err)
		}
		s.tempRoot = ""
	}
}

func (s *Service) sessionTempDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tempRoot != "" {
		return s.tempRoot, nil
	}
	if s.opts.TempDir != "" {
		if err := os.MkdirAll(s.opts.TempDir, 0700); err != nil {
			return "", fmt.Errorf("creating temp dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(s.opts.TempDir, "resticvfs-")
	if err != nil {
		return "", fmt.Errorf("creating session temp dir: %w", err)
	}
	s.tempRoot = dir
	return dir, nil
}

// resolveFile maps a namespace path to a file inside one snapshot. Files are
// reachable under a snapshot selector or as a chosen version in the merged view.
func (s *Service) resolveFile(ctx context.Context, remote string) (fileTarget, error) {
	req := ParsePath(remote)

	switch req.Kind {
	case RequestSnapshot:
		if req.Rest == "" {
			break
		}
		repo := s.repository(ctx, req.Repo)
		if repo == nil {
			return fileTarget{}, fmt.Errorf("repository %s: %w", req.Repo, ErrNotFound)
		}
		snap, original, err := s.resolveSelector(ctx, repo, req.BackupPath, req.Selector)
		if err != nil {
			return fileTarget{}, err
		}
		t := fileTarget{repo: repo, shortID: snap.ShortID, original: original, rest: req.Rest, name: path.Base(req.Rest)}
		parent, _ := path.Split(t.backendPath())
		entries, err := s.browser.List(ctx, repo, snap.ShortID, path.Clean(parent))
		if err != nil {
			s.noteFailure(repo, remote, err)
			return fileTarget{}, fmt.Errorf("listing parent of %s: %w", remote, err)
		}
		for _, e := range entries {
			if e.BaseName == t.name && !e.IsDir() {
				t.size = e.Size
				return t, nil
			}
		}

	case RequestVersionSelected:
		shortID, name, ok := ParseVersionedName(req.AfterMarker)
		if !ok || name != req.FileName {
			break
		}
		repo := s.repository(ctx, req.Repo)
		if repo == nil {
			return fileTarget{}, fmt.Errorf("repository %s: %w", req.Repo, ErrNotFound)
		}
		snap, original, err := s.resolveShortID(ctx, repo, req.BackupPath, shortID)
		if err != nil {
			return fileTarget{}, err
		}
		return fileTarget{repo: repo, shortID: snap.ShortID, original: original, rest: req.VersionFilePath(), name: name}, nil
	}

	return fileTarget{}, fmt.Errorf("%s: %w", remote, ErrNotFound)
}

// dump streams one file from the backend into local. A cancelled or failed
// transfer leaves no partial file behind.
func (s *Service) dump(ctx context.Context, t fileTarget, local string, progress func(int) bool) error {
	if !s.registry.EnsureCredential(ctx, t.repo) {
		return fmt.Errorf("dumping %s: %w", t.rest, ErrNoCredential)
	}
	cred := s.registry.Credential(t.repo)
	defer zero(cred)

	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("creating %s: %w", local, err)
	}

	_, code, runErr := s.exec.Run(ctx, t.repo, cred, Invocation{
		Args:      []string{"dump", t.shortID, t.backendPath()},
		Timeout:   s.opts.DataTimeout,
		Stdout:    f,
		TotalSize: t.size,
		Progress:  progress,
	})
	closeErr := f.Close()

	switch {
	case runErr != nil:
		os.Remove(local)
		if errors.Is(runErr, ErrAborted) {
			s.logger.Info("transfer aborted", "path", t.rest, "snapshot", t.shortID)
			return fmt.Errorf("dumping %s: %w", t.rest, ErrAborted)
		}
		return fmt.Errorf("dumping %s: %w: %w", t.rest, ErrReadFailed, runErr)
	case code != 0:
		os.Remove(local)
		return fmt.Errorf("dumping %s: %w: %w", t.rest, ErrReadFailed, &BackendError{Op: "dump", ExitCode: code})
	case closeErr != nil:
		os.Remove(local)
		return fmt.Errorf("closing %s: %w: %w", local, ErrReadFailed, closeErr)
	}

	s.logger.Debug("file retrieved", "path", t.rest, "snapshot", t.shortID, "local", local)
	return nil
}
