package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"resticvfs/internal/vfs"
)

type dirRecord struct {
	Count    int   `msgpack:"n"`
	CachedAt int64 `msgpack:"t"`
}

type entryRecord struct {
	IsDir   bool  `msgpack:"d"`
	Size    int64 `msgpack:"s"`
	ModTime int64 `msgpack:"m"`
}

// BadgerStore is a vfs.DirectoryStore backed by a Badger directory per
// repository. Values are msgpack encoded.
type BadgerStore struct {
	db  *badger.DB
	dir string
}

var _ vfs.DirectoryStore = (*BadgerStore)(nil)

// NewBadgerStore opens or creates a store in dir. An empty dir keeps
// everything in memory.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store %s: %w: %w", dir, vfs.ErrStoreCorrupt, err)
	}
	return &BadgerStore{db: db, dir: dir}, nil
}

func (s *BadgerStore) Lookup(ctx context.Context, shortID, path string) ([]vfs.VirtualEntry, vfs.LookupState, error) {
	var entries []vfs.VirtualEntry
	state := vfs.StateUnknown

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sentinelKey(shortID, path)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var dir dirRecord
		if err := item.Value(func(v []byte) error { return msgpack.Unmarshal(v, &dir) }); err != nil {
			return fmt.Errorf("decoding sentinel: %w: %w", vfs.ErrStoreCorrupt, err)
		}
		if dir.Count == 0 {
			state = vfs.StateEmptyHit
			return nil
		}

		prefix := []byte(entriesPrefix(shortID, path))
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		entries = make([]vfs.VirtualEntry, 0, dir.Count)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(prefix):])
			var rec entryRecord
			if err := item.Value(func(v []byte) error { return msgpack.Unmarshal(v, &rec) }); err != nil {
				return fmt.Errorf("decoding entry %s: %w: %w", name, vfs.ErrStoreCorrupt, err)
			}
			entries = append(entries, decodeEntry(shortID, name, rec.IsDir, rec.Size, rec.ModTime))
		}
		if len(entries) == dir.Count {
			state = vfs.StateNonemptyHit
		} else {
			entries = nil
		}
		return nil
	})
	if err != nil {
		return nil, vfs.StateUnknown, fmt.Errorf("looking up %s in %s: %w", path, shortID, err)
	}
	return entries, state, nil
}

// Store writes listings in as few transactions as Badger allows. When a
// transaction fills up it is committed and the current listing is rewritten
// in a fresh one; a listing cut short by the split has fewer children than
// its sentinel count and reads back as unknown until the rewrite lands.
func (s *BadgerStore) Store(ctx context.Context, shortID string, listings []vfs.DirListing, cachedAt time.Time) error {
	txn := s.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	for _, l := range listings {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := writeListing(txn, shortID, l, cachedAt)
		if !errors.Is(err, badger.ErrTxnTooBig) {
			if err != nil {
				return fmt.Errorf("writing %s: %w", l.Path, err)
			}
			continue
		}

		if err := txn.Commit(); err != nil {
			return fmt.Errorf("committing listings: %w", err)
		}
		txn = s.db.NewTransaction(true)
		if err := writeListing(txn, shortID, l, cachedAt); err != nil {
			return fmt.Errorf("writing %s: %w", l.Path, err)
		}
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("committing listings: %w", err)
	}
	return nil
}

// writeListing drops the old children, then writes the sentinel and the new
// children, in that order.
func writeListing(txn *badger.Txn, shortID string, l vfs.DirListing, cachedAt time.Time) error {
	prefix := []byte(entriesPrefix(shortID, l.Path))
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var stale [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		stale = append(stale, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range stale {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}

	names := uniqueNames(l.Entries)
	dir, err := msgpack.Marshal(dirRecord{Count: len(names), CachedAt: cachedAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encoding sentinel: %w", err)
	}
	if err := txn.Set([]byte(sentinelKey(shortID, l.Path)), dir); err != nil {
		return err
	}

	for _, e := range l.Entries {
		if !names[e.Name] {
			continue
		}
		delete(names, e.Name)
		v, err := msgpack.Marshal(entryRecord{IsDir: e.IsDir(), Size: e.Size, ModTime: encodeTime(e.ModTime)})
		if err != nil {
			return fmt.Errorf("encoding entry %s: %w", e.Name, err)
		}
		if err := txn.Set(append(append([]byte(nil), prefix...), e.Name...), v); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) Purge(ctx context.Context, valid []string) (int, error) {
	keep := validSet(valid)
	var stale [][]byte
	var sentinels int

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if keep[keyShortID(string(key))] {
				continue
			}
			stale = append(stale, key)
			if strings.HasPrefix(string(key), sentinelPrefix) {
				sentinels++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning for stale listings: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("deleting stale key: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flushing purge: %w", err)
	}
	return sentinels, nil
}

func (s *BadgerStore) IsSnapshotLoaded(ctx context.Context, shortID string) (bool, error) {
	var loaded bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(loadedKey(shortID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		loaded = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reading loaded marker: %w", err)
	}
	return loaded, nil
}

func (s *BadgerStore) MarkSnapshotLoaded(ctx context.Context, shortID string, at time.Time) error {
	v, err := msgpack.Marshal(at.UnixMilli())
	if err != nil {
		return fmt.Errorf("encoding loaded marker: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(loadedKey(shortID)), v)
	})
	if err != nil {
		return fmt.Errorf("writing loaded marker: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
