package vfs

import (
	"context"
	"fmt"
	"path"
	"time"
)

// VersionResolver lists every distinct version of one file across snapshots.
type VersionResolver struct {
	exec     CommandExecutor
	decoder  Decoder
	registry RepoRegistry
	logger   Logger
	timeout  time.Duration
}

func NewVersionResolver(exec CommandExecutor, decoder Decoder, registry RepoRegistry, timeout time.Duration, logger Logger) *VersionResolver {
	if timeout <= 0 {
		timeout = DefaultMetadataTimeout
	}
	return &VersionResolver{
		exec:     exec,
		decoder:  decoder,
		registry: registry,
		logger:   logger,
		timeout:  timeout,
	}
}

// List queries the backend for relPath under the original backup path and
// returns one VersionedFile entry per distinct modification time, in the
// order the backend reports them.
func (v *VersionResolver) List(ctx context.Context, repo *Repository, original, relPath string) ([]VirtualEntry, error) {
	target := JoinBackendPath(original, relPath)

	cred := v.registry.Credential(repo)
	defer zero(cred)

	out, code, err := v.exec.Run(ctx, repo, cred, Invocation{
		Args:    []string{"find", "--json", "--path", original, target},
		Timeout: v.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("finding versions of %s: %w", target, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("finding versions of %s: %w", target, &BackendError{Op: "find", ExitCode: code, Output: string(out)})
	}

	matches, err := v.decoder.Matches(out)
	if err != nil {
		v.logger.Warn("decoding find output failed", "repo", repo.Name, "path", target, "error", err)
		return nil, nil
	}

	var entries []VirtualEntry
	var seen []time.Time
	for _, m := range matches {
		if m.Path != target || m.Type == "dir" {
			continue
		}
		if containsTime(seen, m.ModTime) {
			continue
		}
		seen = append(seen, m.ModTime)

		name := path.Base(m.Path)
		entries = append(entries, VirtualEntry{
			Name:       versionedName(m.ModTime, m.ShortID(), name),
			BaseName:   name,
			Kind:       KindVersionedFile,
			Size:       m.Size,
			ModTime:    m.ModTime,
			SnapshotID: m.ShortID(),
		})
	}
	v.logger.Debug("versions resolved", "repo", repo.Name, "path", target, "matches", len(matches), "versions", len(entries))
	return entries, nil
}

func containsTime(ts []time.Time, t time.Time) bool {
	for _, x := range ts {
		if x.Equal(t) {
			return true
		}
	}
	return false
}
