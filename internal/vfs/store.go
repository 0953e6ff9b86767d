package vfs

import (
	"context"
	"time"
)

// DirListing is the complete child set of one directory in one snapshot.
type DirListing struct {
	Path    string
	Entries []VirtualEntry
}

// DirectoryStore is the persistent tier of the directory cache for one
// repository. A sentinel row per (shortID, path) records that the child set
// is known; child rows hold the entries themselves.
type DirectoryStore interface {
	// Lookup returns StateUnknown when no sentinel exists for the key.
	Lookup(ctx context.Context, shortID, path string) ([]VirtualEntry, LookupState, error)

	// Store replaces the rows for every listing in one transaction.
	Store(ctx context.Context, shortID string, listings []DirListing, cachedAt time.Time) error

	// Purge deletes every row whose short id is not in valid and reports
	// how many directory sentinels were removed.
	Purge(ctx context.Context, valid []string) (int, error)

	IsSnapshotLoaded(ctx context.Context, shortID string) (bool, error)
	MarkSnapshotLoaded(ctx context.Context, shortID string, at time.Time) error

	Close() error
}

// StoreOpener opens and removes the per-repository persistent stores.
type StoreOpener interface {
	Open(repo string) (DirectoryStore, error)

	// Remove deletes the repository's store files. The store must be closed.
	Remove(repo string) error
}
