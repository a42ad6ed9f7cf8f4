package fuse

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// file is an open passthrough handle on a lower object. The descriptor
// is owned by the handle and closed exactly once on release.
type file struct {
	mu   sync.Mutex
	fd   int
	node *node
}

var _ = (fs.FileReader)((*file)(nil))
var _ = (fs.FileWriter)((*file)(nil))
var _ = (fs.FileGetattrer)((*file)(nil))
var _ = (fs.FileFlusher)((*file)(nil))
var _ = (fs.FileReleaser)((*file)(nil))
var _ = (fs.FileFsyncer)((*file)(nil))
var _ = (fs.FileLseeker)((*file)(nil))

func newFile(fd int, n *node) *file {
	return &file{fd: fd, node: n}
}

// Read serves a positional read from the lower descriptor.
func (f *file) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := unix.Pread(f.fd, dest, off)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write forwards the payload to the lower descriptor, then runs the
// write-path backup policy with the requested byte count. The user's
// write result is returned regardless of the backup outcome; a backup
// failure is logged, never surfaced.
func (f *file) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	f.mu.Lock()
	n, err := unix.Pwrite(f.fd, data, off)
	f.mu.Unlock()
	if err != nil {
		return 0, fs.ToErrno(err)
	}

	rel := f.node.relPath()
	if berr := f.node.rootData.engine.BackupAfterWrite(rel, len(data)); berr != nil {
		f.node.rootData.logger.Warn("best-effort backup failed",
			"path", rel, "error", berr)
	}
	return uint32(n), 0
}

// Getattr serves attributes from the open descriptor.
func (f *file) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	var st syscall.Stat_t
	if err := syscall.Fstat(f.fd, &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStat(&st)
	return 0
}

// Flush handles the close-time flush with a dup'd descriptor so the
// handle stays usable until release.
func (f *file) Flush(ctx context.Context) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	newFd, err := syscall.Dup(f.fd)
	if err != nil {
		return fs.ToErrno(err)
	}
	return fs.ToErrno(syscall.Close(newFd))
}

// Release closes the lower descriptor.
func (f *file) Release(ctx context.Context) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fd == -1 {
		return syscall.EBADF
	}
	err := syscall.Close(f.fd)
	f.fd = -1
	return fs.ToErrno(err)
}

// Fsync flushes the lower object to stable storage.
func (f *file) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if flags&1 != 0 {
		return fs.ToErrno(unix.Fdatasync(f.fd))
	}
	return fs.ToErrno(syscall.Fsync(f.fd))
}

// Lseek keeps upper and lower offsets consistent for hole-seeking.
func (f *file) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := unix.Seek(f.fd, int64(off), int(whence))
	if err != nil {
		return 0, fs.ToErrno(err)
	}
	return uint64(n), 0
}
