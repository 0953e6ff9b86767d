package restic

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"resticvfs/internal/vfs"
)

// Decoder parses restic's --json output.
type Decoder struct{}

var _ vfs.Decoder = Decoder{}

type snapshotRecord struct {
	ID       string   `json:"id"`
	ShortID  string   `json:"short_id"`
	Time     string   `json:"time"`
	Hostname string   `json:"hostname"`
	Paths    []string `json:"paths"`
}

type nodeRecord struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Mtime       string `json:"mtime"`
	StructType  string `json:"struct_type"`
	MessageType string `json:"message_type"`
}

type findRecord struct {
	Matches []struct {
		Path  string `json:"path"`
		Type  string `json:"type"`
		Size  int64  `json:"size"`
		Mtime string `json:"mtime"`
	} `json:"matches"`
	Hits     int    `json:"hits"`
	Snapshot string `json:"snapshot"`
}

// Snapshots decodes the array printed by "snapshots --json". Records with an
// unparseable time are skipped.
func (Decoder) Snapshots(raw []byte) ([]vfs.Snapshot, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var records []snapshotRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decoding snapshots: %w", err)
	}

	snaps := make([]vfs.Snapshot, 0, len(records))
	for _, r := range records {
		t, err := parseTime(r.Time)
		if err != nil || r.ID == "" {
			continue
		}
		short := r.ShortID
		if short == "" {
			short = shortID(r.ID)
		}
		snaps = append(snaps, vfs.Snapshot{
			ID:        r.ID,
			ShortID:   short,
			Time:      t,
			Timestamp: r.Time,
			Hostname:  r.Hostname,
			Paths:     r.Paths,
		})
	}
	return snaps, nil
}

// Nodes decodes the newline-delimited output of "ls --json". The leading
// snapshot record and any non-node records are skipped.
func (Decoder) Nodes(raw []byte) ([]vfs.Node, error) {
	var nodes []vfs.Node
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var r nodeRecord
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("decoding ls line %d: %w", line, err)
		}
		if r.StructType != "node" && r.MessageType != "node" {
			continue
		}
		mtime, _ := parseTime(r.Mtime)
		nodes = append(nodes, vfs.Node{
			Name:    r.Name,
			Type:    r.Type,
			Path:    r.Path,
			Size:    r.Size,
			ModTime: mtime,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ls output: %w", err)
	}
	return nodes, nil
}

// Matches decodes the array printed by "find --json".
func (Decoder) Matches(raw []byte) ([]vfs.FindMatch, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var records []findRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decoding find output: %w", err)
	}

	var matches []vfs.FindMatch
	for _, r := range records {
		for _, m := range r.Matches {
			mtime, _ := parseTime(m.Mtime)
			matches = append(matches, vfs.FindMatch{
				SnapshotID: r.Snapshot,
				Path:       m.Path,
				Type:       m.Type,
				Size:       m.Size,
				ModTime:    mtime,
			})
		}
	}
	return matches, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
