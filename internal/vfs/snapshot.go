package vfs

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// AllFilesMarker is the selector listing every snapshot of a backup path merged.
	AllFilesMarker = "[All Files]"

	// RefreshMarker is the selector that drops cached state and relists.
	RefreshMarker = "[Refresh]"

	// VersionPrefix marks a file in the merged view whose versions can be listed.
	VersionPrefix = "[v] "

	selectorLayout = "2006-01-02 15-04-05"
)

var (
	selectorPattern  = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}-\d{2}-\d{2}) \(([0-9A-Za-z]+)\)$`)
	versionedPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}-\d{2}-\d{2} \(([0-9A-Za-z]+)\) (.+)$`)
)

// Snapshot is one point-in-time record decoded from the backend.
// Timestamp keeps the backend's ISO-8601 string; newest-first ordering
// compares it lexicographically.
type Snapshot struct {
	ID        string
	ShortID   string
	Time      time.Time
	Timestamp string
	Hostname  string
	Paths     []string
}

func (s Snapshot) clone() Snapshot {
	s.Paths = append([]string(nil), s.Paths...)
	return s
}

// DisplayName renders the snapshot selector, "YYYY-MM-DD HH-MM-SS (shortId)".
func (s Snapshot) DisplayName() string {
	return fmt.Sprintf("%s (%s)", s.Time.Format(selectorLayout), s.ShortID)
}

// HasSanitizedPath reports whether any of the snapshot's backup paths
// sanitizes to name.
func (s Snapshot) HasSanitizedPath(name string) bool {
	_, ok := s.originalPath(name)
	return ok
}

func cloneSnapshots(in []Snapshot) []Snapshot {
	if in == nil {
		return nil
	}
	out := make([]Snapshot, len(in))
	for i, s := range in {
		out[i] = s.clone()
	}
	return out
}

// SortNewestFirst orders snapshots by Timestamp, descending.
func SortNewestFirst(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].Timestamp > snaps[j].Timestamp
	})
}

// ParseSelector extracts the short id from a snapshot selector.
func ParseSelector(name string) (string, bool) {
	m := selectorPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[2], true
}

// ParseVersionedName splits a versioned-file name into the snapshot short id
// and the original file name. The short id is the group that follows the
// timestamp, so file names containing parentheses are preserved.
func ParseVersionedName(name string) (shortID, fileName string, ok bool) {
	m := versionedPattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func versionedName(mtime time.Time, shortID, fileName string) string {
	return fmt.Sprintf("%s (%s) %s", mtime.Format(selectorLayout), shortID, fileName)
}

// SanitizePath turns an original backup path into a folder-name-safe string.
// Separators and drive colons become underscores, leading and trailing
// underscores are stripped, and an empty result becomes "_".
func SanitizePath(p string) string {
	out := strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', ':':
			return '_'
		}
		return r
	}, p)
	out = strings.Trim(out, "_")
	if out == "" {
		return "_"
	}
	return out
}

// BackendPath converts an original path into the backend's internal form:
// "D:\Photos\Mix" becomes "/D/Photos/Mix" and backslashes become slashes.
func BackendPath(p string) string {
	if len(p) >= 2 && p[1] == ':' && isDriveLetter(p[0]) {
		p = "/" + p[:1] + p[2:]
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return p
	}
	return path.Clean(p)
}

// JoinBackendPath appends a namespace remainder to an original backup path
// and returns the backend's internal form.
func JoinBackendPath(original, rest string) string {
	if rest == "" {
		return BackendPath(original)
	}
	return BackendPath(original + "/" + rest)
}

func isDriveLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}
