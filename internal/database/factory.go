package database

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"

	"resticvfs/internal/config"
	"resticvfs/internal/vfs"
)

// NewStoreOpenerFromConfig creates a StoreOpener based on the cache config type.
// Type "none" returns a nil opener, which runs the cache in memory only.
func NewStoreOpenerFromConfig(cfg config.CacheConfig) (vfs.StoreOpener, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("dir required for sqlite cache")
		}
		return NewSQLiteOpener(cfg.Dir), nil
	case "badger":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("dir required for badger cache")
		}
		return NewBadgerOpener(cfg.Dir), nil
	case "memory":
		return NewMemoryOpener(), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}

// StorePath returns the per-repository store location inside dir. Repository
// names are hashed so any name maps to a safe, stable file name.
func StorePath(dir, repo, ext string) string {
	sum := blake3.Sum256([]byte(repo))
	return filepath.Join(dir, "ls_cache_"+hex.EncodeToString(sum[:8])+ext)
}

// SQLiteOpener keeps one SQLite file per repository in a directory.
type SQLiteOpener struct {
	dir string
}

func NewSQLiteOpener(dir string) *SQLiteOpener {
	return &SQLiteOpener{dir: dir}
}

func (o *SQLiteOpener) Open(repo string) (vfs.DirectoryStore, error) {
	if err := os.MkdirAll(o.dir, 0700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return NewSQLiteStore(StorePath(o.dir, repo, ".db"))
}

func (o *SQLiteOpener) Remove(repo string) error {
	path := StorePath(o.dir, repo, ".db")
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// BadgerOpener keeps one Badger directory per repository.
type BadgerOpener struct {
	dir string
}

func NewBadgerOpener(dir string) *BadgerOpener {
	return &BadgerOpener{dir: dir}
}

func (o *BadgerOpener) Open(repo string) (vfs.DirectoryStore, error) {
	if err := os.MkdirAll(o.dir, 0700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return NewBadgerStore(StorePath(o.dir, repo, ".badger"))
}

func (o *BadgerOpener) Remove(repo string) error {
	path := StorePath(o.dir, repo, ".badger")
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// MemoryOpener hands out one MemoryStore per repository for the life of the
// process.
type MemoryOpener struct {
	mu     sync.Mutex
	stores map[string]*MemoryStore
}

func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{stores: make(map[string]*MemoryStore)}
}

func (o *MemoryOpener) Open(repo string) (vfs.DirectoryStore, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.stores[repo]
	if !ok {
		st = NewMemoryStore()
		o.stores[repo] = st
	}
	return st, nil
}

func (o *MemoryOpener) Remove(repo string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.stores, repo)
	return nil
}
