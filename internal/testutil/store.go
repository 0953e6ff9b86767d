package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"resticvfs/internal/database"
	"resticvfs/internal/vfs"
)

// NewMemoryOpener returns an in-memory StoreOpener whose stores survive
// close and reopen.
func NewMemoryOpener() *database.MemoryOpener {
	return database.NewMemoryOpener()
}

// FaultyOpener wraps a StoreOpener and injects corruption. Counters are
// consumed in order: each failing open or operation decrements its budget.
type FaultyOpener struct {
	inner vfs.StoreOpener

	mu           sync.Mutex
	openFailures int
	corruptOps   int
	opens        int
	removes      int
}

var _ vfs.StoreOpener = (*FaultyOpener)(nil)

func NewFaultyOpener(inner vfs.StoreOpener) *FaultyOpener {
	return &FaultyOpener{inner: inner}
}

// FailOpens makes the next n opens fail as corrupt.
func (o *FaultyOpener) FailOpens(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openFailures = n
}

// CorruptOps makes the next n store operations fail as corrupt.
func (o *FaultyOpener) CorruptOps(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.corruptOps = n
}

func (o *FaultyOpener) Open(repo string) (vfs.DirectoryStore, error) {
	o.mu.Lock()
	o.opens++
	fail := o.openFailures > 0
	if fail {
		o.openFailures--
	}
	o.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("opening %s: %w", repo, vfs.ErrStoreCorrupt)
	}
	st, err := o.inner.Open(repo)
	if err != nil {
		return nil, err
	}
	return &faultyStore{inner: st, opener: o}, nil
}

func (o *FaultyOpener) Remove(repo string) error {
	o.mu.Lock()
	o.removes++
	o.mu.Unlock()
	return o.inner.Remove(repo)
}

// Opens returns how many opens were attempted.
func (o *FaultyOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// Removes returns how many removes were requested.
func (o *FaultyOpener) Removes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removes
}

func (o *FaultyOpener) takeCorrupt() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.corruptOps > 0 {
		o.corruptOps--
		return fmt.Errorf("injected: %w", vfs.ErrStoreCorrupt)
	}
	return nil
}

type faultyStore struct {
	inner  vfs.DirectoryStore
	opener *FaultyOpener
}

func (s *faultyStore) Lookup(ctx context.Context, shortID, path string) ([]vfs.VirtualEntry, vfs.LookupState, error) {
	if err := s.opener.takeCorrupt(); err != nil {
		return nil, vfs.StateUnknown, err
	}
	return s.inner.Lookup(ctx, shortID, path)
}

func (s *faultyStore) Store(ctx context.Context, shortID string, listings []vfs.DirListing, cachedAt time.Time) error {
	if err := s.opener.takeCorrupt(); err != nil {
		return err
	}
	return s.inner.Store(ctx, shortID, listings, cachedAt)
}

func (s *faultyStore) Purge(ctx context.Context, valid []string) (int, error) {
	if err := s.opener.takeCorrupt(); err != nil {
		return 0, err
	}
	return s.inner.Purge(ctx, valid)
}

func (s *faultyStore) IsSnapshotLoaded(ctx context.Context, shortID string) (bool, error) {
	if err := s.opener.takeCorrupt(); err != nil {
		return false, err
	}
	return s.inner.IsSnapshotLoaded(ctx, shortID)
}

func (s *faultyStore) MarkSnapshotLoaded(ctx context.Context, shortID string, at time.Time) error {
	if err := s.opener.takeCorrupt(); err != nil {
		return err
	}
	return s.inner.MarkSnapshotLoaded(ctx, shortID, at)
}

func (s *faultyStore) Close() error {
	return s.inner.Close()
}
