// Package mount serves the virtual namespace as a read-only FUSE filesystem.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"resticvfs/internal/vfs"
)

// Namespace is the part of vfs.Service the filesystem needs.
type Namespace interface {
	ListDir(ctx context.Context, p string) []vfs.VirtualEntry
	Open(ctx context.Context, remote string) (string, error)
}

// Options configures the mount.
type Options struct {
	// Debug logs every FUSE request to stderr.
	Debug bool

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool
}

// Serve mounts ns at mountpoint and blocks until ctx is cancelled or the
// filesystem is unmounted externally.
func Serve(ctx context.Context, ns Namespace, mountpoint string, opts Options, logger vfs.Logger) error {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("creating mountpoint %s: %w", mountpoint, err)
	}

	root := &dirNode{fs: &filesystem{ns: ns, logger: logger}, path: "/"}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "resticvfs",
			Name:       "resticvfs",
			Debug:      opts.Debug,
			AllowOther: opts.AllowOther,
		},
	})
	if err != nil {
		return fmt.Errorf("mounting FUSE filesystem at %s: %w", mountpoint, err)
	}
	logger.Info("filesystem mounted", "mountpoint", mountpoint)

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmounting %s: %w", mountpoint, err)
		}
		<-done
	}
	logger.Info("filesystem unmounted", "mountpoint", mountpoint)
	return nil
}

type filesystem struct {
	ns     Namespace
	logger vfs.Logger
}

// dirNode is any navigable namespace entry. Children are resolved from the
// listing of the node's own path on every lookup.
type dirNode struct {
	gofuse.Inode
	fs    *filesystem
	path  string
	mtime time.Time
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	entry, ok := findEntry(d.fs.ns.ListDir(ctx, d.path), name)
	if !ok {
		return nil, syscall.ENOENT
	}

	childPath := vfs.JoinPath(d.path, name)
	fillAttr(&out.Attr, entry)
	if entry.IsDir() {
		child := d.NewInode(ctx, &dirNode{fs: d.fs, path: childPath, mtime: entry.ModTime}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
		return child, 0
	}
	child := d.NewInode(ctx, &fileNode{fs: d.fs, path: childPath, entry: entry}, gofuse.StableAttr{Mode: syscall.S_IFREG})
	return child, 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	return gofuse.NewListDirStream(dirEntries(d.fs.ns.ListDir(ctx, d.path))), 0
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0o555
	if !d.mtime.IsZero() {
		out.SetTimes(nil, &d.mtime, &d.mtime)
	}
	return 0
}

// fileNode is a file inside a snapshot or a selected version. Its content is
// extracted on first open and served from the local copy.
type fileNode struct {
	gofuse.Inode
	fs    *filesystem
	path  string
	entry vfs.VirtualEntry
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fga, ok := fh.(gofuse.FileGetattrer); ok {
		return fga.Getattr(ctx, out)
	}
	fillAttr(&out.Attr, f.entry)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, syscall.EROFS
	}

	local, err := f.fs.ns.Open(ctx, f.path)
	if err != nil {
		f.fs.logger.Warn("opening file failed", "path", f.path, "error", err)
		return nil, 0, errno(err)
	}
	fd, err := syscall.Open(local, syscall.O_RDONLY, 0)
	if err != nil {
		f.fs.logger.Error("opening extracted file failed", "path", f.path, "local", local, "error", err)
		return nil, 0, gofuse.ToErrno(err)
	}
	return gofuse.NewLoopbackFile(fd), fuse.FOPEN_KEEP_CACHE, 0
}

func findEntry(entries []vfs.VirtualEntry, name string) (vfs.VirtualEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return vfs.VirtualEntry{}, false
}

// dirEntries converts a listing for Readdir. Names that cannot appear in a
// single path component are skipped.
func dirEntries(entries []vfs.VirtualEntry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.Name == "." || e.Name == ".." || path.Base(e.Name) != e.Name {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if e.IsDir() {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return out
}

func fillAttr(attr *fuse.Attr, e vfs.VirtualEntry) {
	if e.IsDir() {
		attr.Mode = syscall.S_IFDIR | 0o555
	} else {
		attr.Mode = syscall.S_IFREG | 0o444
		attr.Size = uint64(max(e.Size, 0))
		attr.Blocks = (attr.Size + 511) / 512
	}
	if !e.ModTime.IsZero() {
		mtime := e.ModTime
		attr.SetTimes(nil, &mtime, &mtime)
	}
}

func errno(err error) syscall.Errno {
	switch {
	case errors.Is(err, vfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, vfs.ErrAborted):
		return syscall.EINTR
	case errors.Is(err, vfs.ErrNoCredential), errors.Is(err, vfs.ErrBackendRejected):
		return syscall.EACCES
	default:
		return syscall.EIO
	}
}
