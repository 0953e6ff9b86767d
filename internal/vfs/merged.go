package vfs

import (
	"context"
	"errors"
)

// MergedView lists one logical directory across every snapshot of a backup
// path. The newest snapshot containing a name wins; files become version
// placeholders.
type MergedView struct {
	snapshots *SnapshotCache
	browser   *SnapshotBrowser
	logger    Logger
}

func NewMergedView(snapshots *SnapshotCache, browser *SnapshotBrowser, logger Logger) *MergedView {
	return &MergedView{snapshots: snapshots, browser: browser, logger: logger}
}

// List returns the merged children of subpath under the sanitized backup path.
// A snapshot that cannot be listed is skipped; an error is returned only when
// every snapshot failed.
func (m *MergedView) List(ctx context.Context, repo *Repository, sanitized, subpath string) ([]VirtualEntry, error) {
	snaps, err := m.snapshots.List(ctx, repo)
	if err != nil {
		return nil, err
	}
	ambiguous := ambiguousShortIDs(snaps)

	seen := make(map[string]bool)
	var out []VirtualEntry
	var attempted, failed int
	var lastErr error
	for _, snap := range snaps {
		original, ok := snap.originalPath(sanitized)
		if !ok {
			continue
		}
		if ambiguous[snap.ShortID] {
			m.logger.Warn("skipping snapshot with ambiguous short id", "repo", repo.Name, "snapshot", snap.ShortID)
			continue
		}

		attempted++
		entries, err := m.browser.List(ctx, repo, snap.ShortID, JoinBackendPath(original, subpath))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrNotFound) {
				continue
			}
			failed++
			lastErr = err
			m.logger.Warn("skipping snapshot in merged view", "repo", repo.Name, "snapshot", snap.ShortID, "error", err)
			continue
		}
		for _, e := range entries {
			if seen[e.BaseName] {
				continue
			}
			seen[e.BaseName] = true
			if e.Kind == KindFile {
				e.Kind = KindVersionPlaceholder
				e.Name = VersionPrefix + e.BaseName
			}
			e.SnapshotID = snap.ShortID
			out = append(out, e)
		}
	}
	if failed > 0 && failed == attempted {
		return nil, lastErr
	}
	return out, nil
}

func (s Snapshot) originalPath(sanitized string) (string, bool) {
	for _, p := range s.Paths {
		if SanitizePath(p) == sanitized {
			return p, true
		}
	}
	return "", false
}

// findOriginalPath returns the first backup path, in newest-first snapshot
// order, that sanitizes to name.
func findOriginalPath(snaps []Snapshot, name string) (string, bool) {
	for _, s := range snaps {
		if p, ok := s.originalPath(name); ok {
			return p, true
		}
	}
	return "", false
}

// ambiguousShortIDs returns the short ids shared by more than one full id.
func ambiguousShortIDs(snaps []Snapshot) map[string]bool {
	owners := make(map[string]string)
	ambiguous := make(map[string]bool)
	for _, s := range snaps {
		if id, ok := owners[s.ShortID]; ok && id != s.ID {
			ambiguous[s.ShortID] = true
			continue
		}
		owners[s.ShortID] = s.ID
	}
	return ambiguous
}
