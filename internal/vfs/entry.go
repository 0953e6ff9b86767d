package vfs

import "time"

// EntryKind tags what a VirtualEntry represents in the namespace.
type EntryKind int

const (
	KindDirectory EntryKind = iota
	KindFile
	KindAllFilesRoot
	KindRefreshAction
	KindVersionPlaceholder
	KindVersionedFile
)

func (k EntryKind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	case KindAllFilesRoot:
		return "all-files"
	case KindRefreshAction:
		return "refresh"
	case KindVersionPlaceholder:
		return "version-placeholder"
	case KindVersionedFile:
		return "versioned-file"
	default:
		return "unknown"
	}
}

// IsDir reports whether entries of this kind are navigable rather than transferable.
func (k EntryKind) IsDir() bool {
	switch k {
	case KindDirectory, KindAllFilesRoot, KindRefreshAction, KindVersionPlaceholder:
		return true
	}
	return false
}

// VirtualEntry is one item of a namespace listing.
// Name is what the host displays; BaseName is the underlying file or
// directory name without any marker.
type VirtualEntry struct {
	Name       string
	BaseName   string
	Kind       EntryKind
	Size       int64
	ModTime    time.Time
	SnapshotID string
}

func (e VirtualEntry) IsDir() bool { return e.Kind.IsDir() }

func copyEntries(in []VirtualEntry) []VirtualEntry {
	if in == nil {
		return nil
	}
	out := make([]VirtualEntry, len(in))
	copy(out, in)
	return out
}

func dirEntry(name string, mtime time.Time) VirtualEntry {
	return VirtualEntry{Name: name, BaseName: name, Kind: KindDirectory, ModTime: mtime}
}

// LookupState is the three-way result of a DirectoryCache lookup.
type LookupState int

const (
	StateUnknown LookupState = iota
	StateEmptyHit
	StateNonemptyHit
)

func (s LookupState) String() string {
	switch s {
	case StateEmptyHit:
		return "empty"
	case StateNonemptyHit:
		return "nonempty"
	default:
		return "unknown"
	}
}
