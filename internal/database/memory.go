package database

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"resticvfs/internal/vfs"
)

type memRecord struct {
	count int
	entry vfs.VirtualEntry
}

// MemoryStore is a vfs.DirectoryStore held in an ordered in-process map.
// It survives Close so a reopened store sees the same data.
type MemoryStore struct {
	mu     sync.RWMutex
	tree   btree.Map[string, memRecord]
	loaded map[string]time.Time
}

var _ vfs.DirectoryStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{loaded: make(map[string]time.Time)}
}

func (s *MemoryStore) Lookup(ctx context.Context, shortID, path string) ([]vfs.VirtualEntry, vfs.LookupState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, ok := s.tree.Get(sentinelKey(shortID, path))
	if !ok {
		return nil, vfs.StateUnknown, nil
	}
	if dir.count == 0 {
		return nil, vfs.StateEmptyHit, nil
	}

	prefix := entriesPrefix(shortID, path)
	entries := make([]vfs.VirtualEntry, 0, dir.count)
	s.tree.Ascend(prefix, func(key string, rec memRecord) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		entries = append(entries, rec.entry)
		return true
	})
	if len(entries) != dir.count {
		return nil, vfs.StateUnknown, nil
	}
	return entries, vfs.StateNonemptyHit, nil
}

func (s *MemoryStore) Store(ctx context.Context, shortID string, listings []vfs.DirListing, cachedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range listings {
		prefix := entriesPrefix(shortID, l.Path)
		for _, k := range s.keysWithPrefix(prefix) {
			s.tree.Delete(k)
		}

		names := uniqueNames(l.Entries)
		s.tree.Set(sentinelKey(shortID, l.Path), memRecord{count: len(names)})
		for _, e := range l.Entries {
			if !names[e.Name] {
				continue
			}
			delete(names, e.Name)
			e.SnapshotID = shortID
			s.tree.Set(prefix+e.Name, memRecord{entry: e})
		}
	}
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, valid []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := validSet(valid)
	var stale []string
	var sentinels int
	s.tree.Scan(func(key string, _ memRecord) bool {
		if !keep[keyShortID(key)] {
			stale = append(stale, key)
			if strings.HasPrefix(key, sentinelPrefix) {
				sentinels++
			}
		}
		return true
	})
	for _, k := range stale {
		s.tree.Delete(k)
	}
	for id := range s.loaded {
		if !keep[id] {
			delete(s.loaded, id)
		}
	}
	return sentinels, nil
}

func (s *MemoryStore) IsSnapshotLoaded(ctx context.Context, shortID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.loaded[shortID]
	return ok, nil
}

func (s *MemoryStore) MarkSnapshotLoaded(ctx context.Context, shortID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded[shortID] = at
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) keysWithPrefix(prefix string) []string {
	var keys []string
	s.tree.Ascend(prefix, func(key string, _ memRecord) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		keys = append(keys, key)
		return true
	})
	return keys
}
