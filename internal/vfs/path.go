package vfs

import "strings"

// RequestKind identifies the listing strategy for a namespace path.
type RequestKind int

const (
	RequestInvalid RequestKind = iota
	RequestRoot
	RequestRepository
	RequestBackupPath
	RequestSnapshot
	RequestMerged
	RequestVersions
	RequestVersionSelected
	RequestRefresh
)

func (k RequestKind) String() string {
	switch k {
	case RequestRoot:
		return "root"
	case RequestRepository:
		return "repository"
	case RequestBackupPath:
		return "backup-path"
	case RequestSnapshot:
		return "snapshot"
	case RequestMerged:
		return "merged"
	case RequestVersions:
		return "versions"
	case RequestVersionSelected:
		return "version-selected"
	case RequestRefresh:
		return "refresh"
	default:
		return "invalid"
	}
}

// Request is the parsed form of a namespace path:
//
//	/<Repo>/<BackupPath>/<Selector>/<Rest...>
//
// Under the all-files selector a component starting with VersionPrefix
// splits Rest into PathBefore, FileName and AfterMarker.
type Request struct {
	Kind       RequestKind
	Repo       string
	BackupPath string
	Selector   string
	Rest       string

	PathBefore  string
	FileName    string
	AfterMarker string
}

// VersionFilePath is the file's path relative to the backup path.
func (r Request) VersionFilePath() string {
	if r.PathBefore == "" {
		return r.FileName
	}
	return r.PathBefore + "/" + r.FileName
}

// ParsePath splits a namespace path into a Request. It is purely syntactic.
// Both "/" and "\" separate components and empty components are dropped.
func ParsePath(p string) Request {
	parts := splitComponents(p)

	var r Request
	switch len(parts) {
	case 0:
		r.Kind = RequestRoot
		return r
	case 1:
		r.Kind = RequestRepository
		r.Repo = parts[0]
		return r
	case 2:
		r.Kind = RequestBackupPath
		r.Repo, r.BackupPath = parts[0], parts[1]
		return r
	}

	r.Repo, r.BackupPath, r.Selector = parts[0], parts[1], parts[2]
	rest := parts[3:]
	r.Rest = strings.Join(rest, "/")

	switch r.Selector {
	case RefreshMarker:
		if len(rest) == 0 {
			r.Kind = RequestRefresh
		}
	case AllFilesMarker:
		r.Kind = RequestMerged
		i := versionMarkerIndex(rest)
		if i < 0 {
			break
		}
		r.PathBefore = strings.Join(rest[:i], "/")
		r.FileName = strings.TrimPrefix(rest[i], VersionPrefix)
		r.AfterMarker = strings.Join(rest[i+1:], "/")
		switch {
		case r.FileName == "":
			r.Kind = RequestInvalid
		case r.AfterMarker != "":
			r.Kind = RequestVersionSelected
		default:
			r.Kind = RequestVersions
		}
	default:
		r.Kind = RequestSnapshot
	}
	return r
}

// versionMarkerIndex returns the index of the first component carrying the
// version prefix, or -1.
func versionMarkerIndex(components []string) int {
	for i, c := range components {
		if strings.HasPrefix(c, VersionPrefix) {
			return i
		}
	}
	return -1
}

func splitComponents(p string) []string {
	p = strings.ReplaceAll(p, `\`, "/")
	var parts []string
	for _, c := range strings.Split(p, "/") {
		if c != "" && c != "." {
			parts = append(parts, c)
		}
	}
	return parts
}

// JoinPath joins namespace components with "/", rooted.
func JoinPath(components ...string) string {
	var parts []string
	for _, c := range components {
		parts = append(parts, splitComponents(c)...)
	}
	return "/" + strings.Join(parts, "/")
}
