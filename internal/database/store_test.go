package database

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"resticvfs/internal/vfs"
)

type storeFactory struct {
	name string
	open func(t *testing.T) vfs.DirectoryStore
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{"sqlite", func(t *testing.T) vfs.DirectoryStore {
			t.Helper()
			st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return st
		}},
		{"sqlite memory", func(t *testing.T) vfs.DirectoryStore {
			t.Helper()
			st, err := NewSQLiteStore(":memory:")
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return st
		}},
		{"badger", func(t *testing.T) vfs.DirectoryStore {
			t.Helper()
			st, err := NewBadgerStore("")
			if err != nil {
				t.Fatalf("NewBadgerStore() error = %v", err)
			}
			t.Cleanup(func() { st.Close() })
			return st
		}},
		{"memory", func(t *testing.T) vfs.DirectoryStore {
			t.Helper()
			return NewMemoryStore()
		}},
	}
}

var testMtime = time.Date(2024, 3, 9, 14, 30, 5, 0, time.UTC)

func fileEntry(name string, size int64) vfs.VirtualEntry {
	return vfs.VirtualEntry{Name: name, BaseName: name, Kind: vfs.KindFile, Size: size, ModTime: testMtime}
}

func dirEntry(name string) vfs.VirtualEntry {
	return vfs.VirtualEntry{Name: name, BaseName: name, Kind: vfs.KindDirectory, ModTime: testMtime}
}

func TestDirectoryStore_Lookup(t *testing.T) {
	ctx := context.Background()

	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			st := f.open(t)

			listings := []vfs.DirListing{
				{Path: "/data", Entries: []vfs.VirtualEntry{dirEntry("sub"), fileEntry("a.txt", 12)}},
				{Path: "/data/sub"},
			}
			if err := st.Store(ctx, "abcd1234", listings, testMtime); err != nil {
				t.Fatalf("Store() error = %v", err)
			}

			t.Run("nonempty hit", func(t *testing.T) {
				got, state, err := st.Lookup(ctx, "abcd1234", "/data")
				if err != nil {
					t.Fatalf("Lookup() error = %v", err)
				}
				if state != vfs.StateNonemptyHit {
					t.Fatalf("state = %v, want StateNonemptyHit", state)
				}
				if len(got) != 2 {
					t.Fatalf("len(entries) = %d, want 2", len(got))
				}
				byName := map[string]vfs.VirtualEntry{}
				for _, e := range got {
					byName[e.Name] = e
				}
				a := byName["a.txt"]
				if a.Kind != vfs.KindFile || a.Size != 12 {
					t.Errorf("a.txt = %+v, want file of size 12", a)
				}
				if !a.ModTime.Equal(testMtime) {
					t.Errorf("a.txt ModTime = %v, want %v", a.ModTime, testMtime)
				}
				if a.SnapshotID != "abcd1234" {
					t.Errorf("a.txt SnapshotID = %q, want %q", a.SnapshotID, "abcd1234")
				}
				if !byName["sub"].IsDir() {
					t.Errorf("sub = %+v, want directory", byName["sub"])
				}
			})

			t.Run("empty hit", func(t *testing.T) {
				got, state, err := st.Lookup(ctx, "abcd1234", "/data/sub")
				if err != nil {
					t.Fatalf("Lookup() error = %v", err)
				}
				if state != vfs.StateEmptyHit || len(got) != 0 {
					t.Errorf("Lookup() = %v, %v, want empty hit", got, state)
				}
			})

			t.Run("unknown", func(t *testing.T) {
				_, state, err := st.Lookup(ctx, "abcd1234", "/data/other")
				if err != nil {
					t.Fatalf("Lookup() error = %v", err)
				}
				if state != vfs.StateUnknown {
					t.Errorf("state = %v, want StateUnknown", state)
				}

				_, state, _ = st.Lookup(ctx, "ffff0000", "/data")
				if state != vfs.StateUnknown {
					t.Errorf("other snapshot state = %v, want StateUnknown", state)
				}
			})
		})
	}
}

func TestDirectoryStore_StoreReplaces(t *testing.T) {
	ctx := context.Background()

	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			st := f.open(t)

			first := []vfs.DirListing{{Path: "/d", Entries: []vfs.VirtualEntry{fileEntry("old", 1), fileEntry("keep", 2)}}}
			if err := st.Store(ctx, "abcd1234", first, testMtime); err != nil {
				t.Fatalf("Store() error = %v", err)
			}
			second := []vfs.DirListing{{Path: "/d", Entries: []vfs.VirtualEntry{fileEntry("keep", 3), fileEntry("keep", 4), fileEntry("new", 5)}}}
			if err := st.Store(ctx, "abcd1234", second, testMtime); err != nil {
				t.Fatalf("second Store() error = %v", err)
			}

			got, state, err := st.Lookup(ctx, "abcd1234", "/d")
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if state != vfs.StateNonemptyHit {
				t.Fatalf("state = %v, want StateNonemptyHit", state)
			}
			sizes := map[string]int64{}
			for _, e := range got {
				sizes[e.Name] = e.Size
			}
			want := map[string]int64{"keep": 3, "new": 5}
			if len(sizes) != len(want) || len(got) != len(want) {
				t.Fatalf("entries = %v, want %v", sizes, want)
			}
			for name, size := range want {
				if sizes[name] != size {
					t.Errorf("%s size = %d, want %d", name, sizes[name], size)
				}
			}
		})
	}
}

func TestDirectoryStore_Purge(t *testing.T) {
	ctx := context.Background()

	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			st := f.open(t)

			for _, id := range []string{"aaaa1111", "bbbb2222"} {
				listings := []vfs.DirListing{
					{Path: "/d", Entries: []vfs.VirtualEntry{fileEntry("f", 1)}},
					{Path: "/d/empty"},
				}
				if err := st.Store(ctx, id, listings, testMtime); err != nil {
					t.Fatalf("Store(%s) error = %v", id, err)
				}
				if err := st.MarkSnapshotLoaded(ctx, id, testMtime); err != nil {
					t.Fatalf("MarkSnapshotLoaded(%s) error = %v", id, err)
				}
			}

			n, err := st.Purge(ctx, []string{"aaaa1111"})
			if err != nil {
				t.Fatalf("Purge() error = %v", err)
			}
			if n != 2 {
				t.Errorf("Purge() = %d, want 2", n)
			}

			if _, state, _ := st.Lookup(ctx, "bbbb2222", "/d"); state != vfs.StateUnknown {
				t.Errorf("purged snapshot state = %v, want StateUnknown", state)
			}
			if loaded, _ := st.IsSnapshotLoaded(ctx, "bbbb2222"); loaded {
				t.Error("purged snapshot still marked loaded")
			}
			if _, state, _ := st.Lookup(ctx, "aaaa1111", "/d"); state != vfs.StateNonemptyHit {
				t.Errorf("kept snapshot state = %v, want StateNonemptyHit", state)
			}
			if loaded, _ := st.IsSnapshotLoaded(ctx, "aaaa1111"); !loaded {
				t.Error("kept snapshot no longer marked loaded")
			}
		})
	}
}

func TestDirectoryStore_SnapshotLoaded(t *testing.T) {
	ctx := context.Background()

	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			st := f.open(t)

			loaded, err := st.IsSnapshotLoaded(ctx, "abcd1234")
			if err != nil {
				t.Fatalf("IsSnapshotLoaded() error = %v", err)
			}
			if loaded {
				t.Fatal("IsSnapshotLoaded() = true before marking")
			}

			if err := st.MarkSnapshotLoaded(ctx, "abcd1234", testMtime); err != nil {
				t.Fatalf("MarkSnapshotLoaded() error = %v", err)
			}
			// Marking twice is harmless.
			if err := st.MarkSnapshotLoaded(ctx, "abcd1234", testMtime.Add(time.Hour)); err != nil {
				t.Fatalf("second MarkSnapshotLoaded() error = %v", err)
			}
			if loaded, _ := st.IsSnapshotLoaded(ctx, "abcd1234"); !loaded {
				t.Error("IsSnapshotLoaded() = false after marking")
			}
		})
	}
}

func TestDirectoryStore_LargeValues(t *testing.T) {
	ctx := context.Background()
	big := int64(5) << 33
	old := time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC)

	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			st := f.open(t)
			e := fileEntry("huge.img", big)
			e.ModTime = old
			if err := st.Store(ctx, "abcd1234", []vfs.DirListing{{Path: "/", Entries: []vfs.VirtualEntry{e}}}, testMtime); err != nil {
				t.Fatalf("Store() error = %v", err)
			}
			got, _, err := st.Lookup(ctx, "abcd1234", "/")
			if err != nil || len(got) != 1 {
				t.Fatalf("Lookup() = %v, %v", got, err)
			}
			if got[0].Size != big {
				t.Errorf("Size = %d, want %d", got[0].Size, big)
			}
			if !got[0].ModTime.Equal(old) {
				t.Errorf("ModTime = %v, want %v", got[0].ModTime, old)
			}
		})
	}
}

func TestSQLiteStore_MissingChildrenIsUnknown(t *testing.T) {
	ctx := context.Background()
	st, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer st.Close()

	listings := []vfs.DirListing{{Path: "/d", Entries: []vfs.VirtualEntry{fileEntry("a", 1), fileEntry("b", 2)}}}
	if err := st.Store(ctx, "abcd1234", listings, testMtime); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if _, err := st.db.Exec(`DELETE FROM dir_entries WHERE name = 'b'`); err != nil {
		t.Fatalf("deleting child row: %v", err)
	}

	_, state, err := st.Lookup(ctx, "abcd1234", "/d")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if state != vfs.StateUnknown {
		t.Errorf("state = %v, want StateUnknown", state)
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := st.Store(ctx, "abcd1234", []vfs.DirListing{{Path: "/d"}}, testMtime); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	st.Close()

	st, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen NewSQLiteStore() error = %v", err)
	}
	defer st.Close()

	if _, state, _ := st.Lookup(ctx, "abcd1234", "/d"); state != vfs.StateEmptyHit {
		t.Errorf("state after reopen = %v, want StateEmptyHit", state)
	}
}

func TestSQLiteStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	garbage := bytes.Repeat([]byte("not a database "), 512)
	if err := os.WriteFile(path, garbage, 0600); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	st, err := NewSQLiteStore(path)
	if err == nil {
		st.Close()
		t.Fatal("NewSQLiteStore() expected error for corrupt file")
	}
	if !errors.Is(err, vfs.ErrStoreCorrupt) {
		t.Errorf("NewSQLiteStore() error = %v, want ErrStoreCorrupt", err)
	}
}

func TestSQLiteStore_MismatchedSchemaIsCorrupt(t *testing.T) {
	tests := []struct {
		name   string
		mutate string
	}{
		{name: "dirty migration", mutate: "UPDATE schema_migrations SET dirty = 1"},
		{name: "newer schema", mutate: "UPDATE schema_migrations SET version = 99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cache.db")
			st, err := NewSQLiteStore(path)
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			st.Close()

			db, err := OpenConnection(path)
			if err != nil {
				t.Fatalf("OpenConnection() error = %v", err)
			}
			if _, err := db.Exec(tt.mutate); err != nil {
				t.Fatalf("Failed to alter schema version: %v", err)
			}
			db.Close()

			st, err = NewSQLiteStore(path)
			if err == nil {
				st.Close()
				t.Fatal("NewSQLiteStore() expected error for mismatched schema")
			}
			if !errors.Is(err, vfs.ErrStoreCorrupt) {
				t.Errorf("NewSQLiteStore() error = %v, want ErrStoreCorrupt", err)
			}
		})
	}
}
