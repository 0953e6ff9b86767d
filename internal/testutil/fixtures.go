package testutil

import (
	"bytes"
	"encoding/json"
	"path"
	"strings"
	"time"
)

// SnapshotID expands a short id into a full 64-character snapshot id.
func SnapshotID(short string) string {
	if len(short) >= 64 {
		return short
	}
	return short + strings.Repeat("0", 64-len(short))
}

// SnapshotFixture describes one snapshot in a "snapshots --json" listing.
type SnapshotFixture struct {
	ShortID  string
	Time     time.Time
	Hostname string
	Paths    []string
}

type snapshotJSON struct {
	ID         string   `json:"id"`
	ShortID    string   `json:"short_id"`
	Time       string   `json:"time"`
	Hostname   string   `json:"hostname"`
	Paths      []string `json:"paths"`
	StructType string   `json:"struct_type,omitempty"`
}

func (s SnapshotFixture) record() snapshotJSON {
	host := s.Hostname
	if host == "" {
		host = "testhost"
	}
	return snapshotJSON{
		ID:       SnapshotID(s.ShortID),
		ShortID:  s.ShortID,
		Time:     s.Time.Format(time.RFC3339Nano),
		Hostname: host,
		Paths:    s.Paths,
	}
}

// SnapshotsJSON renders restic's "snapshots --json" output.
func SnapshotsJSON(snaps ...SnapshotFixture) []byte {
	records := make([]snapshotJSON, len(snaps))
	for i, s := range snaps {
		records[i] = s.record()
	}
	return mustJSON(records)
}

// NodeFixture is one file or directory in a snapshot.
type NodeFixture struct {
	Path    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

// File returns a file node.
func File(p string, size int64, mtime time.Time) NodeFixture {
	return NodeFixture{Path: p, Size: size, ModTime: mtime}
}

// Dir returns a directory node.
func Dir(p string, mtime time.Time) NodeFixture {
	return NodeFixture{Path: p, Dir: true, ModTime: mtime}
}

type nodeJSON struct {
	Name       string `json:"name,omitempty"`
	Type       string `json:"type"`
	Path       string `json:"path"`
	Size       int64  `json:"size,omitempty"`
	Mtime      string `json:"mtime"`
	StructType string `json:"struct_type,omitempty"`
}

func (n NodeFixture) record() nodeJSON {
	typ := "file"
	if n.Dir {
		typ = "dir"
	}
	return nodeJSON{
		Name:  path.Base(n.Path),
		Type:  typ,
		Path:  n.Path,
		Size:  n.Size,
		Mtime: n.ModTime.Format(time.RFC3339Nano),
	}
}

// LsJSON renders restic's "ls --json" output: one snapshot line followed by
// one line per node.
func LsJSON(snap SnapshotFixture, nodes ...NodeFixture) []byte {
	var buf bytes.Buffer
	head := snap.record()
	head.StructType = "snapshot"
	buf.Write(mustJSON(head))
	buf.WriteByte('\n')
	for _, n := range nodes {
		r := n.record()
		r.StructType = "node"
		buf.Write(mustJSON(r))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// FindFixture is the set of hits for one snapshot in a find result.
type FindFixture struct {
	ShortID string
	Matches []NodeFixture
}

type findJSON struct {
	Matches  []nodeJSON `json:"matches"`
	Hits     int        `json:"hits"`
	Snapshot string     `json:"snapshot"`
}

// FindJSON renders restic's "find --json" output.
func FindJSON(results ...FindFixture) []byte {
	records := make([]findJSON, len(results))
	for i, r := range results {
		matches := make([]nodeJSON, len(r.Matches))
		for j, m := range r.Matches {
			matches[j] = m.record()
		}
		records[i] = findJSON{Matches: matches, Hits: len(matches), Snapshot: SnapshotID(r.ShortID)}
	}
	return mustJSON(records)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
