package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"resticvfs/internal/config"
	"resticvfs/internal/database"
	"resticvfs/internal/encryption"
	"resticvfs/internal/mount"
	"resticvfs/internal/registry"
	"resticvfs/internal/restic"
	"resticvfs/internal/vfs"
)

// App is the application layer between the CLI and vfs.Service.
// It constructs all dependencies from config, exposes high-level operations
// that accept namespace paths, and tears the session down on Close.
type App struct {
	cfg      *config.Config
	op       *Operation
	logger   *slog.Logger
	logSink  io.Closer
	registry *registry.Registry
	service  *vfs.Service
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "ls", "mount").
// prompter may be nil, in which case repositories need a password file.
// The caller must call Close when done.
func NewApp(cfg *config.Config, operation string, prompter registry.Prompter) (*App, error) {
	op := NewOperation(operation, time.Now())

	logger, sink, err := newLogger(cfg.LogDir, cfg.Log, op.ID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	adapter := &slogAdapter{l: logger}

	keyring, err := encryption.NewKeyringFromConfig(cfg.Keyring)
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("creating keyring: %w", err)
	}

	opener, err := database.NewStoreOpenerFromConfig(cfg.Cache)
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("creating directory store: %w", err)
	}

	reg := registry.New(cfg.Repositories, keyring, prompter, adapter)
	exec := restic.NewExecutor(cfg.Backend.Binary, adapter)

	opts := vfs.Options{
		SnapshotTTL:     time.Duration(cfg.Cache.SnapshotTTL),
		MetadataTimeout: time.Duration(cfg.Backend.MetadataTimeout),
		DataTimeout:     time.Duration(cfg.Backend.DataTimeout),
		MemoryEntries:   cfg.Cache.MemoryEntries,
		MaxOpenStores:   cfg.Cache.MaxOpenStores,
		TempDir:         cfg.Backend.TempDir,
	}
	svc, err := vfs.NewService(reg, exec, restic.Decoder{}, opener, opts, adapter, vfs.RealClock{}, vfs.UUIDGenerator{})
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("creating service: %w", err)
	}

	logger.Debug("session started", "operation", operation, "repositories", len(cfg.Repositories), "cache", cfg.Cache.Type)

	return &App{
		cfg:      cfg,
		op:       op,
		logger:   logger,
		logSink:  sink,
		registry: reg,
		service:  svc,
	}, nil
}

// Service returns the session's resolver.
func (a *App) Service() *vfs.Service { return a.service }

// ListDir returns the entries at a namespace path.
func (a *App) ListDir(ctx context.Context, p string) []vfs.VirtualEntry {
	return a.service.ListDir(ctx, p)
}

// Versions lists the versions of the file at a merged-view path. Both the
// placeholder name ("[v] name") and the plain file name are accepted.
func (a *App) Versions(ctx context.Context, p string) []vfs.VirtualEntry {
	dir, name := path.Split(strings.ReplaceAll(p, `\`, "/"))
	if !strings.HasPrefix(name, vfs.VersionPrefix) {
		name = vfs.VersionPrefix + name
	}
	return a.service.ListDir(ctx, vfs.JoinPath(dir, name))
}

// GetFile copies one file out of the namespace.
func (a *App) GetFile(ctx context.Context, remote, local string, opts vfs.GetOptions) error {
	if err := a.service.GetFile(ctx, remote, local, opts); err != nil {
		a.op.Fail()
		return err
	}
	return nil
}

// CopyDir copies every file below the virtual directory remote into local,
// recreating subdirectories. Snapshot directories are copied with one bulk
// restore where the backend allows it. It returns the number of files copied.
func (a *App) CopyDir(ctx context.Context, remote, local string, overwrite bool) (int, error) {
	if a.service.BeginTransfer(ctx, remote) {
		defer a.service.EndTransfer()
	}
	n, err := a.copyTree(ctx, remote, local, overwrite)
	if err != nil {
		a.op.Fail()
	}
	return n, err
}

func (a *App) copyTree(ctx context.Context, remote, local string, overwrite bool) (int, error) {
	entries := a.service.ListDir(ctx, remote)
	if err := os.MkdirAll(local, 0755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", local, err)
	}

	var copied int
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		src := vfs.JoinPath(remote, e.Name)
		dst := filepath.Join(local, e.BaseName)
		switch e.Kind {
		case vfs.KindDirectory:
			n, err := a.copyTree(ctx, src, dst, overwrite)
			copied += n
			if err != nil {
				return copied, err
			}
		case vfs.KindFile, vfs.KindVersionedFile:
			if e.Kind == vfs.KindVersionedFile {
				dst = filepath.Join(local, e.Name)
			}
			if err := a.service.GetFile(ctx, src, dst, vfs.GetOptions{Overwrite: overwrite}); err != nil {
				if errors.Is(err, vfs.ErrFileExists) {
					a.logger.Warn("skipping existing file", "path", dst)
					continue
				}
				return copied, fmt.Errorf("copying %s: %w", src, err)
			}
			copied++
		}
	}
	return copied, nil
}

// PurgeCache drops persisted listings of snapshots that no longer exist in
// the repository. It returns the number of listings removed.
func (a *App) PurgeCache(ctx context.Context, repoName string) (int, error) {
	repo := a.registry.FindByName(repoName)
	if repo == nil {
		return 0, fmt.Errorf("repository %s: %w", repoName, vfs.ErrNotFound)
	}
	if !a.registry.EnsureCredential(ctx, repo) {
		return 0, fmt.Errorf("repository %s: %w", repoName, vfs.ErrNoCredential)
	}
	snaps, err := a.service.Snapshots().List(ctx, repo)
	if err != nil {
		return 0, fmt.Errorf("listing snapshots: %w", err)
	}
	valid := make([]string, len(snaps))
	for i, s := range snaps {
		valid[i] = s.ShortID
	}
	return a.service.Directories().Purge(ctx, repoName, valid)
}

// ClearCache drops every cached listing of the repository, memory and disk.
func (a *App) ClearCache(repoName string) error {
	if a.registry.FindByName(repoName) == nil {
		return fmt.Errorf("repository %s: %w", repoName, vfs.ErrNotFound)
	}
	a.service.Refresh(repoName)
	return nil
}

// Mount serves the namespace read-only at mountpoint until ctx is cancelled
// or the filesystem is unmounted.
func (a *App) Mount(ctx context.Context, mountpoint string, debug bool) error {
	a.logger.Info("mounting", "mountpoint", mountpoint)
	err := mount.Serve(ctx, a.service, mountpoint, mount.Options{Debug: debug}, &slogAdapter{l: a.logger})
	if err != nil {
		a.op.Fail()
		return fmt.Errorf("mounting %s: %w", mountpoint, err)
	}
	return nil
}

// Close ends the session: batch state, caches, credentials and temp files
// are released and the log file is closed.
func (a *App) Close() error {
	a.service.Disconnect()
	a.logger.Debug("session finished", "operation", a.op.Name, "status", a.op.Status, "duration", a.op.Elapsed(time.Now()).Truncate(time.Millisecond))

	if a.logSink != nil {
		if err := a.logSink.Close(); err != nil {
			return fmt.Errorf("closing log: %w", err)
		}
	}
	return nil
}
