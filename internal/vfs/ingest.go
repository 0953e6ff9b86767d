package vfs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
)

// BulkIngestor populates the directory cache for a whole snapshot from one
// recursive backend listing.
type BulkIngestor struct {
	exec     CommandExecutor
	decoder  Decoder
	registry RepoRegistry
	dirs     *DirectoryCache
	logger   Logger
	timeout  time.Duration
}

func NewBulkIngestor(exec CommandExecutor, decoder Decoder, registry RepoRegistry, dirs *DirectoryCache, timeout time.Duration, logger Logger) *BulkIngestor {
	if timeout <= 0 {
		timeout = DefaultMetadataTimeout
	}
	return &BulkIngestor{
		exec:     exec,
		decoder:  decoder,
		registry: registry,
		dirs:     dirs,
		logger:   logger,
		timeout:  timeout,
	}
}

// Ingest stores one listing per directory found in nodes, including empty
// directories, marks the snapshot loaded and returns the direct children of
// requested.
func (b *BulkIngestor) Ingest(ctx context.Context, repo, shortID, requested string, nodes []Node) []VirtualEntry {
	listings := b.ingest(ctx, repo, shortID, nodes)
	for _, l := range listings {
		if l.Path == requested {
			b.dirs.remember(cacheKey{repo: repo, shortID: shortID, path: requested}, l.Entries)
			return copyEntries(l.Entries)
		}
	}
	return nil
}

// Load runs the recursive listing of a snapshot and ingests it. The result
// maps every directory path to its children.
func (b *BulkIngestor) Load(ctx context.Context, repo *Repository, shortID string) (map[string][]VirtualEntry, error) {
	cred := b.registry.Credential(repo)
	defer zero(cred)

	out, code, err := b.exec.Run(ctx, repo, cred, Invocation{
		Args:    []string{"ls", "--json", shortID},
		Timeout: b.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshot %s: %w", shortID, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("listing snapshot %s: %w", shortID, &BackendError{Op: "ls", ExitCode: code, Output: string(out)})
	}

	nodes, err := b.decoder.Nodes(out)
	if err != nil {
		b.logger.Warn("decoding snapshot listing failed", "repo", repo.Name, "snapshot", shortID, "error", err)
		return nil, nil
	}

	listings := b.ingest(ctx, repo.Name, shortID, nodes)
	index := make(map[string][]VirtualEntry, len(listings))
	for _, l := range listings {
		index[l.Path] = l.Entries
	}
	return index, nil
}

func (b *BulkIngestor) ingest(ctx context.Context, repo, shortID string, nodes []Node) []DirListing {
	listings := groupByParent(nodes, shortID)
	if b.dirs.StoreAll(ctx, repo, shortID, listings) {
		b.dirs.MarkSnapshotLoaded(ctx, repo, shortID)
	}
	b.logger.Debug("snapshot ingested", "repo", repo, "snapshot", shortID, "nodes", len(nodes), "directories", len(listings))
	return listings
}

// groupByParent sorts nodes by parent path and emits one listing per run of
// siblings, followed by an empty listing for every directory that never
// appears as a parent.
func groupByParent(nodes []Node, shortID string) []DirListing {
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Parent() < sorted[j].Parent()
	})

	var listings []DirListing
	parents := make(map[string]bool)
	for i := 0; i < len(sorted); {
		parent := sorted[i].Parent()
		seen := make(map[string]bool)
		var entries []VirtualEntry
		j := i
		for ; j < len(sorted) && sorted[j].Parent() == parent; j++ {
			if seen[sorted[j].Name] {
				continue
			}
			seen[sorted[j].Name] = true
			entries = append(entries, nodeEntry(sorted[j], shortID))
		}
		listings = append(listings, DirListing{Path: parent, Entries: entries})
		parents[parent] = true
		i = j
	}

	for _, n := range sorted {
		if n.IsDir() && !parents[n.Path] {
			listings = append(listings, DirListing{Path: n.Path})
			parents[n.Path] = true
		}
	}
	return listings
}

func nodeEntry(n Node, shortID string) VirtualEntry {
	e := VirtualEntry{
		Name:       n.Name,
		BaseName:   n.Name,
		Kind:       KindFile,
		Size:       n.Size,
		ModTime:    n.ModTime,
		SnapshotID: shortID,
	}
	if n.IsDir() {
		e.Kind = KindDirectory
		e.Size = 0
	}
	return e
}

// SnapshotBrowser lists one directory of one snapshot: cache first, then a
// bulk load unless the snapshot is already fully loaded.
type SnapshotBrowser struct {
	dirs   *DirectoryCache
	ingest *BulkIngestor
	logger Logger

	group singleflight.Group
}

func NewSnapshotBrowser(dirs *DirectoryCache, ingest *BulkIngestor, logger Logger) *SnapshotBrowser {
	return &SnapshotBrowser{dirs: dirs, ingest: ingest, logger: logger}
}

// List returns the children of dir in the snapshot. A nil result with a nil
// error means the directory is empty or does not exist.
func (b *SnapshotBrowser) List(ctx context.Context, repo *Repository, shortID, dir string) ([]VirtualEntry, error) {
	entries, state := b.dirs.Lookup(ctx, repo.Name, shortID, dir)
	switch state {
	case StateNonemptyHit:
		return entries, nil
	case StateEmptyHit:
		return nil, nil
	}

	if b.dirs.IsSnapshotLoaded(ctx, repo.Name, shortID) {
		b.logger.Debug("path absent from loaded snapshot", "repo", repo.Name, "snapshot", shortID, "path", dir)
		return nil, nil
	}

	v, err, _ := b.group.Do(repo.Name+"\x00"+shortID, func() (any, error) {
		return b.ingest.Load(ctx, repo, shortID)
	})
	if err != nil {
		return nil, err
	}
	index := v.(map[string][]VirtualEntry)
	children, ok := index[dir]
	if !ok {
		return nil, nil
	}
	b.dirs.remember(cacheKey{repo: repo.Name, shortID: shortID, path: dir}, children)
	return copyEntries(children), nil
}
