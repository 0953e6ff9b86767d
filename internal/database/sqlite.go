package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"resticvfs/internal/database/migrations"
	"resticvfs/internal/vfs"
)

// SQLiteStore is a vfs.DirectoryStore backed by one SQLite file per repository.
type SQLiteStore struct {
	db *sql.DB

	// SQLite allows one writer; concurrent writers would only spin on busy_timeout.
	writeMu sync.Mutex
}

var _ vfs.DirectoryStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the listing cache at path and brings its
// schema up to date. path can be ":memory:".
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := checkIntegrity(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating listing cache: %w", classify(err))
	}
	return &SQLiteStore{db: db}, nil
}

// OpenConnection opens a SQLite connection with the PRAGMAs the listing cache
// relies on: foreign keys for cascading sentinel deletes, WAL and a short
// busy timeout.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// PRAGMAs are per connection; a single connection keeps them in force
	// and keeps ":memory:" databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 1000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, classify(err))
		}
	}
	return db, nil
}

func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("checking listing cache: %w", classify(err))
	}
	if result != "ok" {
		return fmt.Errorf("checking listing cache: %s: %w", result, vfs.ErrStoreCorrupt)
	}
	return nil
}

// classify marks errors that mean the file itself is damaged, or that its
// schema is not one this binary can read.
func classify(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrCorrupt || serr.Code == sqlite3.ErrNotADB) {
		return fmt.Errorf("%w: %w", vfs.ErrStoreCorrupt, err)
	}
	if errors.Is(err, migrations.ErrSchemaMismatch) {
		return fmt.Errorf("%w: %w", vfs.ErrStoreCorrupt, err)
	}
	return err
}

func (s *SQLiteStore) Lookup(ctx context.Context, shortID, path string) ([]vfs.VirtualEntry, vfs.LookupState, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_count FROM cached_dirs WHERE short_id = ? AND path = ?`,
		shortID, path).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, vfs.StateUnknown, nil
		}
		return nil, vfs.StateUnknown, fmt.Errorf("reading sentinel: %w", classify(err))
	}
	if count == 0 {
		return nil, vfs.StateEmptyHit, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, is_dir, size_low, size_high, mtime_low, mtime_high
		 FROM dir_entries WHERE short_id = ? AND path = ? ORDER BY name`,
		shortID, path)
	if err != nil {
		return nil, vfs.StateUnknown, fmt.Errorf("reading entries: %w", classify(err))
	}
	defer rows.Close()

	entries := make([]vfs.VirtualEntry, 0, count)
	for rows.Next() {
		var (
			name                string
			isDir               bool
			sizeLow, sizeHigh   int64
			mtimeLow, mtimeHigh int64
		)
		if err := rows.Scan(&name, &isDir, &sizeLow, &sizeHigh, &mtimeLow, &mtimeHigh); err != nil {
			return nil, vfs.StateUnknown, fmt.Errorf("scanning entry: %w", classify(err))
		}
		entries = append(entries, decodeEntry(shortID, name, isDir, joinHalves(sizeLow, sizeHigh), joinHalves(mtimeLow, mtimeHigh)))
	}
	if err := rows.Err(); err != nil {
		return nil, vfs.StateUnknown, fmt.Errorf("iterating entries: %w", classify(err))
	}

	// A sentinel whose children went missing is not trusted.
	if len(entries) != count {
		return nil, vfs.StateUnknown, nil
	}
	return entries, vfs.StateNonemptyHit, nil
}

func (s *SQLiteStore) Store(ctx context.Context, shortID string, listings []vfs.DirListing, cachedAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", classify(err))
	}
	defer tx.Rollback()

	insertDir, err := tx.PrepareContext(ctx,
		`INSERT INTO cached_dirs (short_id, path, entry_count, cached_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing sentinel insert: %w", classify(err))
	}
	defer insertDir.Close()

	insertEntry, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO dir_entries (short_id, path, name, is_dir, size_low, size_high, mtime_low, mtime_high)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing entry insert: %w", classify(err))
	}
	defer insertEntry.Close()

	for _, l := range listings {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_dirs WHERE short_id = ? AND path = ?`, shortID, l.Path); err != nil {
			return fmt.Errorf("clearing %s: %w", l.Path, classify(err))
		}

		names := uniqueNames(l.Entries)
		if _, err := insertDir.ExecContext(ctx, shortID, l.Path, len(names), cachedAt.UnixMilli()); err != nil {
			return fmt.Errorf("inserting sentinel for %s: %w", l.Path, classify(err))
		}
		for _, e := range l.Entries {
			if !names[e.Name] {
				continue
			}
			delete(names, e.Name)
			sizeLow, sizeHigh := splitHalves(e.Size)
			mtimeLow, mtimeHigh := splitHalves(encodeTime(e.ModTime))
			if _, err := insertEntry.ExecContext(ctx, shortID, l.Path, e.Name, e.IsDir(), sizeLow, sizeHigh, mtimeLow, mtimeHigh); err != nil {
				return fmt.Errorf("inserting %s/%s: %w", l.Path, e.Name, classify(err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing listings: %w", classify(err))
	}
	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context, valid []string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", classify(err))
	}
	defer tx.Rollback()

	where, args := notIn("short_id", valid)

	if _, err := tx.ExecContext(ctx, `DELETE FROM dir_entries WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("purging entries: %w", classify(err))
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cached_dirs WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("purging sentinels: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged sentinels: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM loaded_snapshots WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("purging loaded markers: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing purge: %w", classify(err))
	}
	return int(n), nil
}

func (s *SQLiteStore) IsSnapshotLoaded(ctx context.Context, shortID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM loaded_snapshots WHERE short_id = ?`, shortID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reading loaded marker: %w", classify(err))
	}
	return true, nil
}

func (s *SQLiteStore) MarkSnapshotLoaded(ctx context.Context, shortID string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO loaded_snapshots (short_id, loaded_at) VALUES (?, ?)`,
		shortID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("writing loaded marker: %w", classify(err))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func notIn(column string, values []string) (string, []any) {
	if len(values) == 0 {
		return "1 = 1", nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return column + " NOT IN (?" + strings.Repeat(", ?", len(values)-1) + ")", args
}

// uniqueNames returns the set of entry names; duplicate names collapse to the
// first occurrence.
func uniqueNames(entries []vfs.VirtualEntry) map[string]bool {
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name] = true
	}
	return names
}

// 64-bit sizes and times are kept as two 32-bit halves.
func splitHalves(v int64) (low, high int64) {
	return v & 0xFFFFFFFF, v >> 32
}

func joinHalves(low, high int64) int64 {
	return high<<32 | (low & 0xFFFFFFFF)
}

func encodeTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func decodeTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

func decodeEntry(shortID, name string, isDir bool, size, mtime int64) vfs.VirtualEntry {
	e := vfs.VirtualEntry{
		Name:       name,
		BaseName:   name,
		Kind:       vfs.KindFile,
		Size:       size,
		ModTime:    decodeTime(mtime),
		SnapshotID: shortID,
	}
	if isDir {
		e.Kind = vfs.KindDirectory
		e.Size = 0
	}
	return e
}
