// Package fuse implements the stacking layer: loopback-style passthrough
// nodes over the lower directory, the directory filter that hides backup
// objects, and the hooks that feed the versioning engine on writes and
// unlinks.
package fuse

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/bkpfs/bkpfs/internal/engine"
	"github.com/bkpfs/bkpfs/internal/metrics"
)

// rootData is the per-mount state every node shares.
type rootData struct {
	lowerDir string
	engine   *engine.Engine
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// node is one stacked inode. Its identity is the mount-relative path;
// every operation resolves against the lower object and refreshes upper
// attributes from the lower inode.
type node struct {
	fs.Inode
	rootData *rootData
}

var _ = (fs.NodeGetattrer)((*node)(nil))
var _ = (fs.NodeSetattrer)((*node)(nil))
var _ = (fs.NodeLookuper)((*node)(nil))
var _ = (fs.NodeReaddirer)((*node)(nil))
var _ = (fs.NodeOpener)((*node)(nil))
var _ = (fs.NodeCreater)((*node)(nil))
var _ = (fs.NodeUnlinker)((*node)(nil))
var _ = (fs.NodeMkdirer)((*node)(nil))
var _ = (fs.NodeRmdirer)((*node)(nil))
var _ = (fs.NodeRenamer)((*node)(nil))
var _ = (fs.NodeGetxattrer)((*node)(nil))
var _ = (fs.NodeSetxattrer)((*node)(nil))
var _ = (fs.NodeListxattrer)((*node)(nil))
var _ = (fs.NodeRemovexattrer)((*node)(nil))
var _ = (fs.NodeStatfser)((*node)(nil))

// relPath returns the node's mount-relative path ("" for the root).
func (n *node) relPath() string {
	return n.Path(n.Root())
}

// lowerPath returns the node's absolute lower path.
func (n *node) lowerPath() string {
	return filepath.Join(n.rootData.lowerDir, n.relPath())
}

func idFromStat(st *syscall.Stat_t) fs.StableAttr {
	return fs.StableAttr{
		Mode: st.Mode,
		Ino:  st.Ino,
	}
}

// Statfs passes filesystem statistics through from the lower mount.
func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(n.lowerPath(), &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStatfsT(&st)
	return 0
}

// Getattr refreshes attributes from the lower inode.
func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fga, ok := f.(fs.FileGetattrer); ok {
		return fga.Getattr(ctx, out)
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(n.lowerPath(), &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStat(&st)
	return 0
}

// Setattr applies mode, ownership, size and time changes to the lower
// object.
func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	path := n.lowerPath()

	if mode, ok := in.GetMode(); ok {
		if err := syscall.Chmod(path, mode); err != nil {
			return fs.ToErrno(err)
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		suid, sgid := -1, -1
		if uok {
			suid = int(uid)
		}
		if gok {
			sgid = int(gid)
		}
		if err := syscall.Chown(path, suid, sgid); err != nil {
			return fs.ToErrno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		if err := syscall.Truncate(path, int64(size)); err != nil {
			return fs.ToErrno(err)
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		ts := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Nsec: unix.UTIME_OMIT},
		}
		if aok {
			ts[0] = unix.NsecToTimespec(atime.UnixNano())
		}
		if mok {
			ts[1] = unix.NsecToTimespec(mtime.UnixNano())
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fs.ToErrno(err)
		}
	}

	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStat(&st)
	return 0
}

// Lookup resolves a child name against the lower directory. Backup
// object names do not resolve; the control channel is the only way at
// them.
func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if engine.IsBackupName(name) {
		return nil, syscall.ENOENT
	}
	path := filepath.Join(n.lowerPath(), name)
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	child := n.NewInode(ctx, &node{rootData: n.rootData}, idFromStat(&st))
	return child, 0
}

// Readdir enumerates the lower directory, suppressing backup objects
// from the caller's entry stream.
func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	f, err := os.Open(n.lowerPath())
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, fs.ToErrno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		if engine.IsBackupName(name) {
			n.rootData.metrics.RecordEntrySuppressed()
			continue
		}
		var st syscall.Stat_t
		if err := syscall.Lstat(filepath.Join(n.lowerPath(), name), &st); err != nil {
			continue
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: st.Mode & syscall.S_IFMT,
			Ino:  st.Ino,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open opens the lower object and hands back a passthrough handle.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	fd, err := syscall.Open(n.lowerPath(), int(flags), 0)
	if err != nil {
		return nil, 0, fs.ToErrno(err)
	}
	return newFile(fd, n), 0, 0
}

// Create makes a new lower child and opens it. Names in the backup
// namespace are not creatable through the stacked view.
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if engine.IsBackupName(name) {
		return nil, nil, 0, syscall.EPERM
	}
	path := filepath.Join(n.lowerPath(), name)
	fd, err := syscall.Open(path, int(flags)|syscall.O_CREAT, mode)
	if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	}
	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		syscall.Close(fd)
		return nil, nil, 0, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	child := n.NewInode(ctx, &node{rootData: n.rootData}, idFromStat(&st))
	return child, newFile(fd, child.Operations().(*node)), 0, 0
}

// Unlink removes a child. For a regular file the backup cleanup cascade
// runs first, so no orphaned backup objects outlive their target.
func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	if engine.IsBackupName(name) {
		return syscall.ENOENT
	}
	path := filepath.Join(n.lowerPath(), name)

	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err == nil && st.Mode&syscall.S_IFMT == syscall.S_IFREG {
		rel := filepath.Join(n.relPath(), name)
		n.rootData.engine.CleanupOnUnlink(rel)
	}

	if err := syscall.Unlink(path); err != nil {
		return fs.ToErrno(err)
	}
	return 0
}

// Mkdir creates a lower directory.
func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := filepath.Join(n.lowerPath(), name)
	if err := syscall.Mkdir(path, mode); err != nil {
		return nil, fs.ToErrno(err)
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(path, &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return n.NewInode(ctx, &node{rootData: n.rootData}, idFromStat(&st)), 0
}

// Rmdir removes a lower directory.
func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return fs.ToErrno(syscall.Rmdir(filepath.Join(n.lowerPath(), name)))
}

// Rename moves a lower object. The metadata record rides the file's
// xattr; its existing backup objects keep their old names and age out of
// the window as new writes land.
func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if engine.IsBackupName(name) || engine.IsBackupName(newName) {
		return syscall.EPERM
	}
	np, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	oldPath := filepath.Join(n.lowerPath(), name)
	newPath := filepath.Join(np.lowerPath(), newName)
	return fs.ToErrno(syscall.Rename(oldPath, newPath))
}

// Getxattr passes extended-attribute reads through to the lower object.
func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	sz, err := unix.Lgetxattr(n.lowerPath(), attr, dest)
	if err != nil {
		return 0, fs.ToErrno(err)
	}
	return uint32(sz), 0
}

// Setxattr passes extended-attribute writes through to the lower object.
func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return fs.ToErrno(unix.Lsetxattr(n.lowerPath(), attr, data, int(flags)))
}

// Listxattr passes attribute enumeration through to the lower object.
func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	sz, err := unix.Llistxattr(n.lowerPath(), dest)
	if err != nil {
		return 0, fs.ToErrno(err)
	}
	return uint32(sz), 0
}

// Removexattr passes attribute removal through to the lower object.
func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return fs.ToErrno(unix.Lremovexattr(n.lowerPath(), attr))
}
