package vfs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultMemoryEntries = 32
	DefaultMaxOpenStores = 16
)

var errStoreDisabled = errors.New("persistent cache disabled")

type cacheKey struct {
	repo    string
	shortID string
	path    string
}

// DirectoryCache answers "children of path P in snapshot S" from a bounded
// in-memory LRU backed by one persistent DirectoryStore per repository.
//
// Open stores live in a second LRU whose eviction closes them. mu is held
// for reading while a store is in use and for writing while stores are
// opened, evicted, healed or removed.
type DirectoryCache struct {
	opener StoreOpener
	clock  Clock
	logger Logger

	mem *lru.Cache[cacheKey, []VirtualEntry]

	mu       sync.RWMutex
	stores   *lru.Cache[string, DirectoryStore]
	healed   map[string]bool
	disabled map[string]bool
}

// NewDirectoryCache creates a DirectoryCache. A nil opener runs the cache
// with the in-memory tier only.
func NewDirectoryCache(opener StoreOpener, memoryEntries, maxOpenStores int, clock Clock, logger Logger) (*DirectoryCache, error) {
	if memoryEntries <= 0 {
		memoryEntries = DefaultMemoryEntries
	}
	if maxOpenStores <= 0 {
		maxOpenStores = DefaultMaxOpenStores
	}

	mem, err := lru.New[cacheKey, []VirtualEntry](memoryEntries)
	if err != nil {
		return nil, fmt.Errorf("creating memory tier: %w", err)
	}

	c := &DirectoryCache{
		opener:   opener,
		clock:    clock,
		logger:   logger,
		mem:      mem,
		healed:   make(map[string]bool),
		disabled: make(map[string]bool),
	}

	stores, err := lru.NewWithEvict[string, DirectoryStore](maxOpenStores, func(repo string, st DirectoryStore) {
		if err := st.Close(); err != nil {
			c.logger.Warn("closing directory store", "repo", repo, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("creating store pool: %w", err)
	}
	c.stores = stores

	return c, nil
}

// Lookup returns the cached children of path and whether the child set is known.
func (c *DirectoryCache) Lookup(ctx context.Context, repo, shortID, path string) ([]VirtualEntry, LookupState) {
	key := cacheKey{repo: repo, shortID: shortID, path: path}
	if entries, ok := c.mem.Get(key); ok {
		if len(entries) == 0 {
			return nil, StateEmptyHit
		}
		return copyEntries(entries), StateNonemptyHit
	}

	var entries []VirtualEntry
	state := StateUnknown
	err := c.withStore(ctx, repo, func(st DirectoryStore) error {
		var err error
		entries, state, err = st.Lookup(ctx, shortID, path)
		return err
	})
	if err != nil {
		if !errors.Is(err, errStoreDisabled) {
			c.logger.Warn("directory cache lookup failed", "repo", repo, "snapshot", shortID, "path", path, "error", err)
		}
		return nil, StateUnknown
	}
	if state != StateUnknown {
		c.remember(key, entries)
	}
	return entries, state
}

// Store replaces the child set of one directory in both tiers.
func (c *DirectoryCache) Store(ctx context.Context, repo, shortID, path string, entries []VirtualEntry) {
	c.remember(cacheKey{repo: repo, shortID: shortID, path: path}, entries)
	c.StoreAll(ctx, repo, shortID, []DirListing{{Path: path, Entries: entries}})
}

// StoreAll writes many listings to the persistent tier in one transaction.
// It reports whether the write succeeded.
func (c *DirectoryCache) StoreAll(ctx context.Context, repo, shortID string, listings []DirListing) bool {
	if len(listings) == 0 {
		return true
	}
	err := c.withStore(ctx, repo, func(st DirectoryStore) error {
		return st.Store(ctx, shortID, listings, c.clock.Now())
	})
	if err != nil {
		if !errors.Is(err, errStoreDisabled) {
			c.logger.Warn("directory cache store failed", "repo", repo, "snapshot", shortID, "listings", len(listings), "error", err)
		}
		return false
	}
	return true
}

// Purge drops every cached listing of repo whose short id is not in valid.
// An empty valid set is ignored.
func (c *DirectoryCache) Purge(ctx context.Context, repo string, valid []string) (int, error) {
	if len(valid) == 0 {
		return 0, nil
	}
	keep := make(map[string]bool, len(valid))
	for _, id := range valid {
		keep[id] = true
	}
	for _, k := range c.mem.Keys() {
		if k.repo == repo && !keep[k.shortID] {
			c.mem.Remove(k)
		}
	}

	var n int
	err := c.withStore(ctx, repo, func(st DirectoryStore) error {
		var err error
		n, err = st.Purge(ctx, valid)
		return err
	})
	if err != nil && !errors.Is(err, errStoreDisabled) {
		return 0, fmt.Errorf("purging directory cache for %s: %w", repo, err)
	}
	if n > 0 {
		c.logger.Info("purged stale directory listings", "repo", repo, "count", n)
	}
	return n, nil
}

// DeleteRepo drops everything cached for repo and removes its store files.
func (c *DirectoryCache) DeleteRepo(repo string) error {
	c.forgetRepo(repo)
	if c.opener == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores.Remove(repo)
	if err := c.opener.Remove(repo); err != nil {
		return fmt.Errorf("removing directory store for %s: %w", repo, err)
	}
	return nil
}

// IsSnapshotLoaded reports whether a full listing of the snapshot was ingested.
func (c *DirectoryCache) IsSnapshotLoaded(ctx context.Context, repo, shortID string) bool {
	var loaded bool
	err := c.withStore(ctx, repo, func(st DirectoryStore) error {
		var err error
		loaded, err = st.IsSnapshotLoaded(ctx, shortID)
		return err
	})
	return err == nil && loaded
}

// MarkSnapshotLoaded records that the snapshot was fully ingested. It returns
// false when the persistent tier is unavailable.
func (c *DirectoryCache) MarkSnapshotLoaded(ctx context.Context, repo, shortID string) bool {
	err := c.withStore(ctx, repo, func(st DirectoryStore) error {
		return st.MarkSnapshotLoaded(ctx, shortID, c.clock.Now())
	})
	if err != nil {
		if !errors.Is(err, errStoreDisabled) {
			c.logger.Warn("marking snapshot loaded failed", "repo", repo, "snapshot", shortID, "error", err)
		}
		return false
	}
	return true
}

// ClearMemory empties the in-memory tier.
func (c *DirectoryCache) ClearMemory() {
	c.mem.Purge()
}

// Close empties the in-memory tier and closes every open store.
func (c *DirectoryCache) Close() {
	c.mem.Purge()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores.Purge()
}

// PersistentEnabled reports whether the persistent tier is usable for repo.
func (c *DirectoryCache) PersistentEnabled(repo string) bool {
	if c.opener == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled[repo]
}

func (c *DirectoryCache) remember(key cacheKey, entries []VirtualEntry) {
	c.mem.Add(key, copyEntries(entries))
}

func (c *DirectoryCache) forgetRepo(repo string) {
	for _, k := range c.mem.Keys() {
		if k.repo == repo {
			c.mem.Remove(k)
		}
	}
}

// withStore runs fn against the repository's open store, opening it first if
// needed. Corruption reported by the store triggers one heal per repository;
// a second failure disables the persistent tier for that repository.
func (c *DirectoryCache) withStore(ctx context.Context, repo string, fn func(DirectoryStore) error) error {
	if c.opener == nil {
		return errStoreDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	if st, ok := c.stores.Get(repo); ok {
		err := fn(st)
		c.mu.RUnlock()
		if errors.Is(err, ErrStoreCorrupt) {
			c.mu.Lock()
			c.recoverLocked(repo, err)
			c.mu.Unlock()
		}
		return err
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.openLocked(repo)
	if err != nil {
		return err
	}
	err = fn(st)
	if errors.Is(err, ErrStoreCorrupt) {
		c.recoverLocked(repo, err)
	}
	return err
}

func (c *DirectoryCache) openLocked(repo string) (DirectoryStore, error) {
	if c.disabled[repo] {
		return nil, errStoreDisabled
	}
	if st, ok := c.stores.Get(repo); ok {
		return st, nil
	}

	st, err := c.opener.Open(repo)
	if err == nil {
		c.stores.Add(repo, st)
		return st, nil
	}

	c.logger.Warn("opening directory store failed, recreating", "repo", repo, "error", err)
	if c.healed[repo] {
		c.disableLocked(repo, err)
		return nil, errStoreDisabled
	}
	c.healed[repo] = true
	if rmErr := c.opener.Remove(repo); rmErr != nil {
		c.disableLocked(repo, rmErr)
		return nil, errStoreDisabled
	}
	st, err = c.opener.Open(repo)
	if err != nil {
		c.disableLocked(repo, err)
		return nil, errStoreDisabled
	}
	c.stores.Add(repo, st)
	return st, nil
}

func (c *DirectoryCache) recoverLocked(repo string, cause error) {
	c.stores.Remove(repo)
	if c.healed[repo] {
		c.disableLocked(repo, cause)
		return
	}
	c.healed[repo] = true
	c.logger.Warn("directory store corrupt, recreating", "repo", repo, "error", cause)
	if err := c.opener.Remove(repo); err != nil {
		c.disableLocked(repo, err)
		return
	}
	st, err := c.opener.Open(repo)
	if err != nil {
		c.disableLocked(repo, err)
		return
	}
	c.stores.Add(repo, st)
}

func (c *DirectoryCache) disableLocked(repo string, cause error) {
	c.stores.Remove(repo)
	if !c.disabled[repo] {
		c.logger.Error("persistent directory cache disabled for session", "repo", repo, "error", cause)
	}
	c.disabled[repo] = true
}
