package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"resticvfs/internal/config"
	"resticvfs/internal/vfs"
)

// fakeRestic serves one snapshot of /home/alice/docs. Restores always fail
// so bulk copies fall back to per-file dumps.
const fakeRestic = `#!/bin/sh
# $1 is --repo, $2 the location, $3 the command.
case "$3" in
snapshots)
	printf '[{"id":"aaaa1111000000000000000000000000000000000000000000000000000000ff","short_id":"aaaa1111","time":"2024-05-01T10:00:00Z","hostname":"laptop","paths":["/home/alice/docs"]}]'
	;;
ls)
	echo '{"struct_type":"snapshot","message_type":"snapshot","id":"aaaa1111000000000000000000000000000000000000000000000000000000ff","short_id":"aaaa1111"}'
	echo '{"struct_type":"node","name":"home","type":"dir","path":"/home","mtime":"2024-04-01T00:00:00Z"}'
	echo '{"struct_type":"node","name":"alice","type":"dir","path":"/home/alice","mtime":"2024-04-01T00:00:00Z"}'
	echo '{"struct_type":"node","name":"docs","type":"dir","path":"/home/alice/docs","mtime":"2024-04-01T00:00:00Z"}'
	echo '{"struct_type":"node","name":"a.txt","type":"file","path":"/home/alice/docs/a.txt","size":5,"mtime":"2024-04-02T00:00:00Z"}'
	echo '{"struct_type":"node","name":"sub","type":"dir","path":"/home/alice/docs/sub","mtime":"2024-04-01T00:00:00Z"}'
	echo '{"struct_type":"node","name":"b.txt","type":"file","path":"/home/alice/docs/sub/b.txt","size":5,"mtime":"2024-04-03T00:00:00Z"}'
	;;
dump)
	case "$5" in
	*/a.txt) printf 'alpha' ;;
	*/b.txt) printf 'bravo' ;;
	*) echo "path not found" >&2; exit 1 ;;
	esac
	;;
restore)
	echo "restore not available" >&2
	exit 1
	;;
*)
	exit 1
	;;
esac
`

const (
	docsFolder = "home_alice_docs"
	selector   = "2024-05-01 10-00-00 (aaaa1111)"
)

func newTestApp(t *testing.T, cacheType string) *App {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script backend not available on windows")
	}
	dir := t.TempDir()

	binary := filepath.Join(dir, "restic")
	if err := os.WriteFile(binary, []byte(fakeRestic), 0755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	pwFile := filepath.Join(dir, "nas.pw")
	if err := os.WriteFile(pwFile, []byte("s3cret\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := config.NewConfig(filepath.Join(dir, "home"))
	cfg.Log.Level = "debug"
	cfg.Backend.Binary = binary
	cfg.Backend.TempDir = filepath.Join(dir, "tmp")
	cfg.Cache.Type = cacheType
	cfg.Keyring.Type = "test"
	cfg.Repositories = []config.RepositoryConfig{
		{Name: "nas", Location: "/srv/restic", PasswordFile: pwFile},
	}

	a, err := NewApp(cfg, "test", nil)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func names(entries []vfs.VirtualEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestNewApp_UnknownCacheType(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := config.NewConfig(dir)
	cfg.Cache.Type = "redis"

	if _, err := NewApp(cfg, "test", nil); err == nil {
		t.Fatal("NewApp() error = nil, want error for unknown cache type")
	}
}

func TestNewApp_UnknownKeyringType(t *testing.T) {
	t.Parallel()
	cfg := config.NewConfig(t.TempDir())
	cfg.Keyring.Type = "vault"

	if _, err := NewApp(cfg, "test", nil); err == nil {
		t.Fatal("NewApp() error = nil, want error for unknown keyring type")
	}
}

func TestApp_ListDir(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, "memory")
	ctx := context.Background()

	if got := names(a.ListDir(ctx, "/")); len(got) != 1 || got[0] != "nas" {
		t.Errorf("ListDir(/) = %v, want [nas]", got)
	}
	if got := names(a.ListDir(ctx, "/nas")); len(got) != 1 || got[0] != docsFolder {
		t.Errorf("ListDir(/nas) = %v, want [%s]", got, docsFolder)
	}

	got := names(a.ListDir(ctx, vfs.JoinPath("nas", docsFolder)))
	want := []string{vfs.AllFilesMarker, vfs.RefreshMarker, selector}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("ListDir(backup path) = %v, want %v", got, want)
	}

	got = names(a.ListDir(ctx, vfs.JoinPath("nas", docsFolder, selector)))
	if strings.Join(got, "|") != "a.txt|sub" {
		t.Errorf("ListDir(snapshot) = %v, want [a.txt sub]", got)
	}
}

func TestApp_GetFile(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, "sqlite")
	ctx := context.Background()
	local := filepath.Join(t.TempDir(), "b.txt")

	remote := vfs.JoinPath("nas", docsFolder, selector, "sub", "b.txt")
	if err := a.GetFile(ctx, remote, local, vfs.GetOptions{}); err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	b, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(b) != "bravo" {
		t.Errorf("content = %q, want %q", b, "bravo")
	}

	err = a.GetFile(ctx, remote, local, vfs.GetOptions{})
	if !errors.Is(err, vfs.ErrFileExists) {
		t.Errorf("GetFile() error = %v, want ErrFileExists", err)
	}
	if !a.op.Failed() {
		t.Error("operation not marked failed")
	}
}

func TestApp_CopyDir(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, "memory")
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "docs")

	n, err := a.CopyDir(ctx, vfs.JoinPath("nas", docsFolder, selector), out, false)
	if err != nil {
		t.Fatalf("CopyDir() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CopyDir() copied %d files, want 2", n)
	}
	for p, want := range map[string]string{"a.txt": "alpha", filepath.Join("sub", "b.txt"): "bravo"} {
		b, err := os.ReadFile(filepath.Join(out, p))
		if err != nil {
			t.Errorf("ReadFile(%s) error = %v", p, err)
			continue
		}
		if string(b) != want {
			t.Errorf("%s = %q, want %q", p, b, want)
		}
	}
	if phase := a.Service().Batch().Phase(); phase != vfs.PhaseIdle {
		t.Errorf("Phase() = %v after CopyDir, want idle", phase)
	}

	// A second copy skips files that already exist.
	n, err = a.CopyDir(ctx, vfs.JoinPath("nas", docsFolder, selector), out, false)
	if err != nil {
		t.Fatalf("CopyDir() second run error = %v", err)
	}
	if n != 0 {
		t.Errorf("CopyDir() second run copied %d files, want 0", n)
	}
}

func TestApp_Versions(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, "memory")
	ctx := context.Background()

	// The fake backend has no find support, so both spellings resolve to
	// the same empty listing rather than an error.
	merged := vfs.JoinPath("nas", docsFolder, vfs.AllFilesMarker)
	if got := a.Versions(ctx, merged+"/a.txt"); len(got) != 0 {
		t.Errorf("Versions(a.txt) = %v, want empty", names(got))
	}
	if got := a.Versions(ctx, merged+"/"+vfs.VersionPrefix+"a.txt"); len(got) != 0 {
		t.Errorf("Versions([v] a.txt) = %v, want empty", names(got))
	}
}

func TestApp_Cache(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, "memory")
	ctx := context.Background()

	a.ListDir(ctx, vfs.JoinPath("nas", docsFolder, selector))
	if !a.Service().Directories().IsSnapshotLoaded(ctx, "nas", "aaaa1111") {
		t.Fatal("IsSnapshotLoaded() = false after browsing, want true")
	}

	n, err := a.PurgeCache(ctx, "nas")
	if err != nil {
		t.Fatalf("PurgeCache() error = %v", err)
	}
	if n != 0 {
		t.Errorf("PurgeCache() = %d, want 0 for a current snapshot", n)
	}

	if err := a.ClearCache("nas"); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}
	if a.Service().Directories().IsSnapshotLoaded(ctx, "nas", "aaaa1111") {
		t.Error("IsSnapshotLoaded() = true after ClearCache, want false")
	}

	if _, err := a.PurgeCache(ctx, "missing"); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("PurgeCache(missing) error = %v, want ErrNotFound", err)
	}
	if err := a.ClearCache("missing"); !errors.Is(err, vfs.ErrNotFound) {
		t.Errorf("ClearCache(missing) error = %v, want ErrNotFound", err)
	}
}
