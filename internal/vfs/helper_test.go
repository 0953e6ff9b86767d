package vfs_test

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"resticvfs/internal/restic"
	"resticvfs/internal/testutil"
	"resticvfs/internal/vfs"
)

const (
	docsPath   = "/home/alice/docs"
	docsFolder = "home_alice_docs"
	photosPath = `D:\Photos`
	photosDir  = "D__Photos"
)

var (
	t1 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 5, 2, 11, 30, 0, 0, time.UTC)
	t3 = time.Date(2024, 5, 3, 8, 15, 45, 0, time.UTC)

	snapOld    = testutil.SnapshotFixture{ShortID: "aaaa1111", Time: t1, Paths: []string{docsPath}}
	snapNew    = testutil.SnapshotFixture{ShortID: "bbbb2222", Time: t2, Paths: []string{docsPath}}
	snapPhotos = testutil.SnapshotFixture{ShortID: "cccc3333", Time: t3, Paths: []string{photosPath}}

	oldSelector    = "2024-05-01 10-00-00 (aaaa1111)"
	newSelector    = "2024-05-02 11-30-00 (bbbb2222)"
	photosSelector = "2024-05-03 08-15-45 (cccc3333)"
)

// snapshotTree is the content of one fixture snapshot: nodes for ls and
// file bodies for dump and restore.
type snapshotTree struct {
	snap  testutil.SnapshotFixture
	nodes []testutil.NodeFixture
	files map[string]string
}

func fixtureTrees() map[string]snapshotTree {
	return map[string]snapshotTree{
		"aaaa1111": {
			snap: snapOld,
			nodes: []testutil.NodeFixture{
				testutil.Dir("/home", t1),
				testutil.Dir("/home/alice", t1),
				testutil.Dir(docsPath, t1),
				testutil.File(docsPath+"/a.txt", 5, t1),
				testutil.Dir(docsPath+"/sub", t1),
				testutil.File(docsPath+"/sub/deep.txt", 4, t1),
				testutil.File(docsPath+"/sub/other.txt", 3, t1),
				testutil.Dir(docsPath+"/empty", t1),
				testutil.File(docsPath+"/old-only.txt", 2, t1),
			},
			files: map[string]string{
				docsPath + "/a.txt":         "old-a",
				docsPath + "/sub/deep.txt":  "deep",
				docsPath + "/sub/other.txt": "oth",
				docsPath + "/old-only.txt":  "oo",
			},
		},
		"bbbb2222": {
			snap: snapNew,
			nodes: []testutil.NodeFixture{
				testutil.Dir("/home", t2),
				testutil.Dir("/home/alice", t2),
				testutil.Dir(docsPath, t2),
				testutil.File(docsPath+"/a.txt", 7, t2),
				testutil.Dir(docsPath+"/sub", t2),
				testutil.File(docsPath+"/sub/deep.txt", 4, t1),
				testutil.File(docsPath+"/b.txt", 3, t2),
			},
			files: map[string]string{
				docsPath + "/a.txt":        "new-a!!",
				docsPath + "/sub/deep.txt": "deep",
				docsPath + "/b.txt":        "bbb",
			},
		},
		"cccc3333": {
			snap: snapPhotos,
			nodes: []testutil.NodeFixture{
				testutil.Dir("/D", t3),
				testutil.Dir("/D/Photos", t3),
				testutil.File("/D/Photos/cat.jpg", 6, t3),
			},
			files: map[string]string{
				"/D/Photos/cat.jpg": "meow!!",
			},
		},
	}
}

// scriptBackend wires the fixture trees into exec: snapshots, ls, dump,
// find and restore behave like restic against the fixtures.
func scriptBackend(exec *testutil.FakeExecutor, trees map[string]snapshotTree) {
	var snaps []testutil.SnapshotFixture
	for _, id := range []string{"aaaa1111", "bbbb2222", "cccc3333"} {
		if tr, ok := trees[id]; ok {
			snaps = append(snaps, tr.snap)
		}
	}
	exec.Respond("snapshots", testutil.Response{Output: testutil.SnapshotsJSON(snaps...)})

	exec.On("ls", func(c testutil.Call, _ vfs.Invocation) testutil.Response {
		tr, ok := trees[c.Args[len(c.Args)-1]]
		if !ok {
			return testutil.Response{ExitCode: 1, Output: []byte("no matching ID found")}
		}
		return testutil.Response{Output: testutil.LsJSON(tr.snap, tr.nodes...)}
	})

	exec.On("dump", func(c testutil.Call, _ vfs.Invocation) testutil.Response {
		tr, ok := trees[c.Args[1]]
		if !ok {
			return testutil.Response{ExitCode: 1}
		}
		body, ok := tr.files[c.Args[2]]
		if !ok {
			return testutil.Response{ExitCode: 1, Output: []byte("path not found")}
		}
		return testutil.Response{Output: []byte(body)}
	})

	exec.On("find", func(c testutil.Call, _ vfs.Invocation) testutil.Response {
		target := c.Args[len(c.Args)-1]
		var results []testutil.FindFixture
		for _, id := range []string{"bbbb2222", "aaaa1111", "cccc3333"} {
			tr, ok := trees[id]
			if !ok {
				continue
			}
			for _, n := range tr.nodes {
				if n.Path == target {
					results = append(results, testutil.FindFixture{ShortID: id, Matches: []testutil.NodeFixture{n}})
				}
			}
		}
		return testutil.Response{Output: testutil.FindJSON(results...)}
	})

	exec.On("restore", func(c testutil.Call, _ vfs.Invocation) testutil.Response {
		tr, ok := trees[c.Args[1]]
		if !ok {
			return testutil.Response{ExitCode: 1}
		}
		include, target := flagValue(c.Args, "--include"), flagValue(c.Args, "--target")
		for p, body := range tr.files {
			if p != include && !strings.HasPrefix(p, include+"/") {
				continue
			}
			dst := filepath.Join(target, filepath.FromSlash(p))
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return testutil.Response{Err: err}
			}
			if err := os.WriteFile(dst, []byte(body), 0644); err != nil {
				return testutil.Response{Err: err}
			}
		}
		return testutil.Response{}
	})
}

func flagValue(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

type harness struct {
	exec    *testutil.FakeExecutor
	reg     *testutil.FakeRegistry
	clock   *testutil.StubClock
	opener  *testutil.FaultyOpener
	logger  *testutil.RecordingLogger
	tempDir string
	svc     *vfs.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		exec:    testutil.NewFakeExecutor(),
		reg:     testutil.NewFakeRegistry("nas", "offsite"),
		clock:   testutil.FixedClock(),
		opener:  testutil.NewFaultyOpener(testutil.NewMemoryOpener()),
		logger:  testutil.NewRecordingLogger(),
		tempDir: t.TempDir(),
	}
	scriptBackend(h.exec, fixtureTrees())

	svc, err := vfs.NewService(h.reg, h.exec, restic.Decoder{}, h.opener, vfs.Options{TempDir: h.tempDir}, h.logger, h.clock, testutil.NewStubIDGenerator())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(svc.Disconnect)
	h.svc = svc
	return h
}

func names(entries []vfs.VirtualEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func findEntry(entries []vfs.VirtualEntry, name string) (vfs.VirtualEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return vfs.VirtualEntry{}, false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedNames(entries []vfs.VirtualEntry) []string {
	out := names(entries)
	sort.Strings(out)
	return out
}
