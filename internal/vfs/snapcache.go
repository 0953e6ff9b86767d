package vfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultSnapshotTTL     = 300000 * time.Millisecond
	DefaultMetadataTimeout = 120 * time.Second
	DefaultDataTimeout     = 300 * time.Second
)

type snapshotEntry struct {
	snapshots []Snapshot
	fetchedAt time.Time
}

// SnapshotCache is a per-repository TTL cache over the backend snapshot list.
// Concurrent misses for one repository share a single backend call.
type SnapshotCache struct {
	exec     CommandExecutor
	decoder  Decoder
	registry RepoRegistry
	dirs     *DirectoryCache
	clock    Clock
	logger   Logger
	ttl      time.Duration
	timeout  time.Duration

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]snapshotEntry
}

// NewSnapshotCache creates a SnapshotCache. dirs may be nil, in which case
// no stale-listing purge happens after a fetch.
func NewSnapshotCache(exec CommandExecutor, decoder Decoder, registry RepoRegistry, dirs *DirectoryCache, ttl, timeout time.Duration, clock Clock, logger Logger) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	if timeout <= 0 {
		timeout = DefaultMetadataTimeout
	}
	return &SnapshotCache{
		exec:     exec,
		decoder:  decoder,
		registry: registry,
		dirs:     dirs,
		clock:    clock,
		logger:   logger,
		ttl:      ttl,
		timeout:  timeout,
		entries:  make(map[string]snapshotEntry),
	}
}

// List returns the repository's snapshots, newest first. The returned slice
// is a deep copy. On backend failure the result is empty and err describes
// the failure; callers treat it as non-fatal.
func (c *SnapshotCache) List(ctx context.Context, repo *Repository) ([]Snapshot, error) {
	if snaps, ok := c.cached(repo.Name); ok {
		return snaps, nil
	}

	v, err, _ := c.group.Do(repo.Name, func() (any, error) {
		if snaps, ok := c.cached(repo.Name); ok {
			return snaps, nil
		}
		return c.fetch(ctx, repo)
	})
	if err != nil {
		return nil, err
	}
	return cloneSnapshots(v.([]Snapshot)), nil
}

// Invalidate drops the cached list for repo.
func (c *SnapshotCache) Invalidate(repo string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, repo)
}

// Clear drops every cached list.
func (c *SnapshotCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]snapshotEntry)
}

func (c *SnapshotCache) cached(repo string) ([]Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[repo]
	if !ok {
		return nil, false
	}
	if c.clock.Now().Sub(e.fetchedAt) >= c.ttl {
		delete(c.entries, repo)
		return nil, false
	}
	return cloneSnapshots(e.snapshots), true
}

func (c *SnapshotCache) fetch(ctx context.Context, repo *Repository) ([]Snapshot, error) {
	cred := c.registry.Credential(repo)
	defer zero(cred)

	out, code, err := c.exec.Run(ctx, repo, cred, Invocation{
		Args:    []string{"snapshots", "--json"},
		Timeout: c.timeout,
	})
	if err != nil {
		c.Invalidate(repo.Name)
		c.logger.Error("listing snapshots failed", "repo", repo.Name, "error", err)
		return nil, fmt.Errorf("listing snapshots of %s: %w", repo.Name, err)
	}
	if code != 0 {
		c.registry.InvalidateCredential(repo)
		c.Invalidate(repo.Name)
		berr := &BackendError{Op: "snapshots", ExitCode: code, Output: string(out)}
		c.logger.Error("backend rejected snapshot listing", "repo", repo.Name, "exit_code", code)
		return nil, fmt.Errorf("listing snapshots of %s: %w", repo.Name, berr)
	}

	snaps, err := c.decoder.Snapshots(out)
	if err != nil {
		c.logger.Warn("decoding snapshot list failed", "repo", repo.Name, "error", err)
		return nil, nil
	}
	SortNewestFirst(snaps)

	c.mu.Lock()
	c.entries[repo.Name] = snapshotEntry{snapshots: cloneSnapshots(snaps), fetchedAt: c.clock.Now()}
	c.mu.Unlock()

	c.logger.Debug("snapshot list fetched", "repo", repo.Name, "count", len(snaps))

	if c.dirs != nil && len(snaps) > 0 {
		valid := make([]string, len(snaps))
		for i, s := range snaps {
			valid[i] = s.ShortID
		}
		if _, err := c.dirs.Purge(ctx, repo.Name, valid); err != nil {
			c.logger.Warn("purging stale listings failed", "repo", repo.Name, "error", err)
		}
	}
	return snaps, nil
}

// IsBackendFailure reports whether err came from the backend rather than
// from a programming or context error.
func IsBackendFailure(err error) bool {
	return errors.Is(err, ErrBackendRejected) || errors.Is(err, ErrBackendUnavailable)
}
