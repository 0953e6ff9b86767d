package vfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options tunes cache sizes and backend timeouts. Zero values select defaults.
type Options struct {
	SnapshotTTL     time.Duration
	MetadataTimeout time.Duration
	DataTimeout     time.Duration
	MemoryEntries   int
	MaxOpenStores   int

	// TempDir holds batch restores and extracted files. Empty uses os.TempDir.
	TempDir string
}

// Service is one browsing session over the virtual namespace
//
//	/<repo>/<sanitized backup path>/<snapshot selector>/<remainder...>
//
// It owns every cache; independent sessions share nothing.
type Service struct {
	registry RepoRegistry
	exec     CommandExecutor
	decoder  Decoder
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	opts     Options

	snapshots *SnapshotCache
	dirs      *DirectoryCache
	ingestor  *BulkIngestor
	browser   *SnapshotBrowser
	merged    *MergedView
	versions  *VersionResolver
	batch     *BatchRestoreCoordinator

	opens singleflight.Group

	mu       sync.Mutex
	tempRoot string
}

// NewService wires a session. opener may be nil to run without a persistent cache.
func NewService(registry RepoRegistry, exec CommandExecutor, decoder Decoder, opener StoreOpener, opts Options, logger Logger, clock Clock, idgen IDGenerator) (*Service, error) {
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = DefaultSnapshotTTL
	}
	if opts.MetadataTimeout <= 0 {
		opts.MetadataTimeout = DefaultMetadataTimeout
	}
	if opts.DataTimeout <= 0 {
		opts.DataTimeout = DefaultDataTimeout
	}

	dirs, err := NewDirectoryCache(opener, opts.MemoryEntries, opts.MaxOpenStores, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("creating directory cache: %w", err)
	}

	s := &Service{
		registry: registry,
		exec:     exec,
		decoder:  decoder,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		opts:     opts,
		dirs:     dirs,
	}
	s.snapshots = NewSnapshotCache(exec, decoder, registry, dirs, opts.SnapshotTTL, opts.MetadataTimeout, clock, logger)
	s.ingestor = NewBulkIngestor(exec, decoder, registry, dirs, opts.MetadataTimeout, logger)
	s.browser = NewSnapshotBrowser(dirs, s.ingestor, logger)
	s.merged = NewMergedView(s.snapshots, s.browser, logger)
	s.versions = NewVersionResolver(exec, decoder, registry, opts.MetadataTimeout, logger)
	s.batch = NewBatchRestoreCoordinator(exec, opts.TempDir, opts.DataTimeout, idgen, logger)
	return s, nil
}

// Snapshots exposes the session's snapshot cache.
func (s *Service) Snapshots() *SnapshotCache { return s.snapshots }

// Directories exposes the session's directory cache.
func (s *Service) Directories() *DirectoryCache { return s.dirs }

// Batch exposes the session's batch restore coordinator.
func (s *Service) Batch() *BatchRestoreCoordinator { return s.batch }

// ListDir returns the entries at a namespace path. Unknown repositories,
// missing credentials, unrecognised shapes and backend failures all produce
// an empty listing.
func (s *Service) ListDir(ctx context.Context, p string) []VirtualEntry {
	req := ParsePath(p)
	s.logger.Debug("listing", "path", p, "kind", req.Kind.String())

	if req.Kind == RequestRoot {
		return s.listRepositories()
	}
	if req.Kind == RequestInvalid || req.Kind == RequestVersionSelected {
		return nil
	}

	repo := s.repository(ctx, req.Repo)
	if repo == nil {
		return nil
	}

	var entries []VirtualEntry
	var err error
	switch req.Kind {
	case RequestRepository:
		entries, err = s.listBackupPaths(ctx, repo)
	case RequestBackupPath:
		entries, err = s.listSnapshots(ctx, repo, req.BackupPath)
	case RequestRefresh:
		s.Refresh(repo.Name)
		entries, err = s.listSnapshots(ctx, repo, req.BackupPath)
	case RequestSnapshot:
		entries, err = s.listSnapshotDir(ctx, repo, req)
	case RequestMerged:
		entries, err = s.merged.List(ctx, repo, req.BackupPath, req.Rest)
	case RequestVersions:
		entries, err = s.listVersions(ctx, repo, req)
	}
	if err != nil {
		s.noteFailure(repo, p, err)
		return nil
	}
	return entries
}

// Stat returns the entry at p as it appears in its parent's listing.
func (s *Service) Stat(ctx context.Context, p string) (VirtualEntry, bool) {
	parts := splitComponents(p)
	if len(parts) == 0 {
		return VirtualEntry{Name: "/", BaseName: "/", Kind: KindDirectory, ModTime: s.clock.Now()}, true
	}
	name := parts[len(parts)-1]
	for _, e := range s.ListDir(ctx, JoinPath(parts[:len(parts)-1]...)) {
		if e.Name == name {
			return e, true
		}
	}
	return VirtualEntry{}, false
}

// Refresh drops the cached snapshot list and every cached listing of repo.
func (s *Service) Refresh(repo string) {
	s.snapshots.Invalidate(repo)
	if err := s.dirs.DeleteRepo(repo); err != nil {
		s.logger.Warn("deleting directory cache failed", "repo", repo, "error", err)
	}
	s.logger.Info("repository cache refreshed", "repo", repo)
}

func (s *Service) repository(ctx context.Context, name string) *Repository {
	repo := s.registry.FindByName(name)
	if repo == nil {
		s.logger.Debug("unknown repository", "repo", name)
		return nil
	}
	if !s.registry.EnsureCredential(ctx, repo) {
		s.logger.Warn("no credential for repository", "repo", name)
		return nil
	}
	return repo
}

func (s *Service) listRepositories() []VirtualEntry {
	now := s.clock.Now()
	var entries []VirtualEntry
	for _, r := range s.registry.List() {
		entries = append(entries, dirEntry(r.Name, now))
	}
	return entries
}

// listBackupPaths returns one folder per distinct sanitized backup path in
// first-seen order. Paths that sanitize identically collapse into one folder.
func (s *Service) listBackupPaths(ctx context.Context, repo *Repository) ([]VirtualEntry, error) {
	snaps, err := s.snapshots.List(ctx, repo)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var entries []VirtualEntry
	for _, snap := range snaps {
		for _, p := range snap.Paths {
			name := SanitizePath(p)
			if seen[name] {
				continue
			}
			seen[name] = true
			entries = append(entries, dirEntry(name, snap.Time))
		}
	}
	return entries, nil
}

func (s *Service) listSnapshots(ctx context.Context, repo *Repository, sanitized string) ([]VirtualEntry, error) {
	snaps, err := s.snapshots.List(ctx, repo)
	if err != nil {
		return nil, err
	}

	var matching []Snapshot
	for _, snap := range snaps {
		if snap.HasSanitizedPath(sanitized) {
			matching = append(matching, snap)
		}
	}
	if len(matching) == 0 {
		return nil, nil
	}

	now := s.clock.Now()
	entries := []VirtualEntry{
		{Name: AllFilesMarker, BaseName: AllFilesMarker, Kind: KindAllFilesRoot, ModTime: now},
		{Name: RefreshMarker, BaseName: RefreshMarker, Kind: KindRefreshAction, ModTime: now},
	}
	for _, snap := range matching {
		name := snap.DisplayName()
		entries = append(entries, VirtualEntry{
			Name:       name,
			BaseName:   name,
			Kind:       KindDirectory,
			ModTime:    snap.Time,
			SnapshotID: snap.ShortID,
		})
	}
	return entries, nil
}

func (s *Service) listSnapshotDir(ctx context.Context, repo *Repository, req Request) ([]VirtualEntry, error) {
	snap, original, err := s.resolveSelector(ctx, repo, req.BackupPath, req.Selector)
	if err != nil {
		return nil, err
	}
	return s.browser.List(ctx, repo, snap.ShortID, JoinBackendPath(original, req.Rest))
}

func (s *Service) listVersions(ctx context.Context, repo *Repository, req Request) ([]VirtualEntry, error) {
	snaps, err := s.snapshots.List(ctx, repo)
	if err != nil {
		return nil, err
	}
	original, ok := findOriginalPath(snaps, req.BackupPath)
	if !ok {
		return nil, nil
	}
	return s.versions.List(ctx, repo, original, req.VersionFilePath())
}

// resolveSelector maps a selector to a snapshot of the backup path. Short ids
// that match no snapshot, or more than one, do not resolve.
func (s *Service) resolveSelector(ctx context.Context, repo *Repository, sanitized, selector string) (Snapshot, string, error) {
	shortID, ok := ParseSelector(selector)
	if !ok {
		return Snapshot{}, "", fmt.Errorf("selector %q: %w", selector, ErrNotFound)
	}
	return s.resolveShortID(ctx, repo, sanitized, shortID)
}

func (s *Service) resolveShortID(ctx context.Context, repo *Repository, sanitized, shortID string) (Snapshot, string, error) {
	snaps, err := s.snapshots.List(ctx, repo)
	if err != nil {
		return Snapshot{}, "", err
	}

	var match *Snapshot
	ids := make(map[string]bool)
	for i := range snaps {
		if snaps[i].ShortID == shortID || strings.HasPrefix(snaps[i].ID, shortID) {
			ids[snaps[i].ID] = true
			if match == nil {
				match = &snaps[i]
			}
		}
	}
	switch {
	case len(ids) == 0:
		return Snapshot{}, "", fmt.Errorf("snapshot %s: %w", shortID, ErrNotFound)
	case len(ids) > 1:
		s.logger.Warn("ambiguous snapshot id", "repo", repo.Name, "snapshot", shortID, "matches", len(ids))
		return Snapshot{}, "", fmt.Errorf("snapshot %s is ambiguous: %w", shortID, ErrNotFound)
	}

	original, ok := match.originalPath(sanitized)
	if !ok {
		original, ok = findOriginalPath(snaps, sanitized)
	}
	if !ok {
		return Snapshot{}, "", fmt.Errorf("backup path %s: %w", sanitized, ErrNotFound)
	}
	return *match, original, nil
}

// noteFailure logs a listing failure. A rejected backend request also drops
// the credential and the snapshot list so the next access starts over.
func (s *Service) noteFailure(repo *Repository, p string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		s.logger.Debug("path does not resolve", "path", p, "error", err)
	case errors.Is(err, ErrBackendRejected):
		s.registry.InvalidateCredential(repo)
		s.snapshots.Invalidate(repo.Name)
		s.logger.Error("backend rejected request", "repo", repo.Name, "path", p, "error", err)
	default:
		s.logger.Error("listing failed", "repo", repo.Name, "path", p, "error", err)
	}
}
