// Package lower implements the capability-level adapter against the
// lower filesystem: open, exclusive create, unlink, resolve, positional
// read/write, truncate, full-file splice copy and extended-attribute
// access. The engine, the metadata store and the control server reach
// the lower directory through this package; the stacking layer and the
// mirror use direct system calls on lower paths.
package lower

import (
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bkpfs/bkpfs/pkg/errors"
)

// Adapter provides lower-filesystem operations rooted at the lower
// directory of a mount.
type Adapter struct {
	root string
}

// New creates an adapter rooted at the given lower directory.
func New(root string) (*Adapter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidArgument, "lower.new", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.FromErrno("lower.new", abs, err)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.KindInvalidArgument, "lower.new", abs)
	}
	return &Adapter{root: abs}, nil
}

// Root returns the absolute lower directory path.
func (a *Adapter) Root() string {
	return a.root
}

// Abs resolves a mount-relative path to the lower absolute path.
func (a *Adapter) Abs(rel string) string {
	return filepath.Join(a.root, rel)
}

// Handle is an open lower object.
type Handle struct {
	fd   int
	path string
}

// Fd exposes the raw descriptor for passthrough calls that need it.
func (h *Handle) Fd() int {
	return h.fd
}

// Path returns the lower path the handle was opened on.
func (h *Handle) Path() string {
	return h.path
}

// Open opens an existing lower object by mount-relative path.
func (a *Adapter) Open(rel string, flags int) (*Handle, error) {
	path := a.Abs(rel)
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, errors.FromErrno("lower.open", rel, err)
	}
	return &Handle{fd: fd, path: path}, nil
}

// CreateChild atomically creates a new child of the given parent
// directory, failing with KindExists if the name is already taken.
// The handle is open for writing.
func (a *Adapter) CreateChild(parentRel, name string, mode uint32) (*Handle, error) {
	path := filepath.Join(a.Abs(parentRel), name)
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL, mode)
	if err != nil {
		return nil, errors.FromErrno("lower.create", path, err)
	}
	return &Handle{fd: fd, path: path}, nil
}

// UnlinkChild removes a child of the given parent directory.
func (a *Adapter) UnlinkChild(parentRel, name string) error {
	path := filepath.Join(a.Abs(parentRel), name)
	if err := unix.Unlink(path); err != nil {
		return errors.FromErrno("lower.unlink", path, err)
	}
	return nil
}

// ResolveChild stats a child of the given parent directory, reporting
// KindNotFound when no such name exists.
func (a *Adapter) ResolveChild(parentRel, name string) (*unix.Stat_t, error) {
	path := filepath.Join(a.Abs(parentRel), name)
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, errors.FromErrno("lower.resolve", path, err)
	}
	return &st, nil
}

// Stat stats a lower object by mount-relative path without following a
// final symlink.
func (a *Adapter) Stat(rel string) (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Lstat(a.Abs(rel), &st); err != nil {
		return nil, errors.FromErrno("lower.stat", rel, err)
	}
	return &st, nil
}

// ReadAt reads from the handle at the given offset.
func (h *Handle) ReadAt(buf []byte, off int64) (int, error) {
	n, err := unix.Pread(h.fd, buf, off)
	if err != nil {
		return 0, errors.FromErrno("lower.read", h.path, err)
	}
	return n, nil
}

// WriteAt writes to the handle at the given offset.
func (h *Handle) WriteAt(buf []byte, off int64) (int, error) {
	n, err := unix.Pwrite(h.fd, buf, off)
	if err != nil {
		return 0, errors.FromErrno("lower.write", h.path, err)
	}
	return n, nil
}

// Truncate sets the handle's file length.
func (h *Handle) Truncate(size int64) error {
	if err := unix.Ftruncate(h.fd, size); err != nil {
		return errors.FromErrno("lower.truncate", h.path, err)
	}
	return nil
}

// Fsync flushes the handle's data and metadata to stable storage.
func (h *Handle) Fsync() error {
	if err := unix.Fsync(h.fd); err != nil {
		return errors.FromErrno("lower.fsync", h.path, err)
	}
	return nil
}

// Stat stats the open handle.
func (h *Handle) Stat() (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Fstat(h.fd, &st); err != nil {
		return nil, errors.FromErrno("lower.fstat", h.path, err)
	}
	return &st, nil
}

// Close releases the handle. Safe to call once.
func (h *Handle) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return errors.FromErrno("lower.close", h.path, err)
	}
	return nil
}

// spliceChunk bounds a single copy_file_range request; the kernel may
// still transfer less.
const spliceChunk = 1 << 20

// SpliceCopy transfers length bytes from the start of src to the start
// of dst, preferring in-kernel copy_file_range and falling back to a
// buffered copy when the lower filesystem cannot splice.
func SpliceCopy(src, dst *Handle, length int64) (int64, error) {
	var copied int64
	var offIn, offOut int64

	for copied < length {
		chunk := length - copied
		if chunk > spliceChunk {
			chunk = spliceChunk
		}
		n, err := unix.CopyFileRange(src.fd, &offIn, dst.fd, &offOut, int(chunk), 0)
		if err != nil {
			if copied == 0 && spliceUnsupported(err) {
				return bufferedCopy(src, dst, length)
			}
			return copied, errors.FromErrno("lower.splice", dst.path, err)
		}
		if n == 0 {
			break
		}
		copied += int64(n)
	}
	return copied, nil
}

func spliceUnsupported(err error) bool {
	switch err {
	case unix.ENOSYS, unix.EXDEV, unix.EINVAL, unix.EOPNOTSUPP:
		return true
	}
	return false
}

func bufferedCopy(src, dst *Handle, length int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var copied int64
	for copied < length {
		chunk := int64(len(buf))
		if rest := length - copied; rest < chunk {
			chunk = rest
		}
		n, err := src.ReadAt(buf[:chunk], copied)
		if err != nil {
			return copied, err
		}
		if n == 0 {
			break
		}
		w, err := dst.WriteAt(buf[:n], copied)
		if err != nil {
			return copied, err
		}
		if w != n {
			return copied, errors.New(errors.KindIO, "lower.splice", dst.path)
		}
		copied += int64(n)
	}
	return copied, nil
}

// XattrGet reads an extended attribute of a lower object, reporting
// KindNotFound when the attribute does not exist.
func (a *Adapter) XattrGet(rel, key string) ([]byte, error) {
	path := a.Abs(rel)
	buf := make([]byte, 256)
	for {
		sz, err := unix.Lgetxattr(path, key, buf)
		if err == unix.ERANGE {
			buf = make([]byte, len(buf)*2)
			continue
		}
		if err != nil {
			return nil, errors.FromErrno("lower.getxattr", rel, err)
		}
		return buf[:sz], nil
	}
}

// XattrSet writes an extended attribute of a lower object, replacing any
// previous value in one call.
func (a *Adapter) XattrSet(rel, key string, value []byte) error {
	if err := unix.Lsetxattr(a.Abs(rel), key, value, 0); err != nil {
		return errors.FromErrno("lower.setxattr", rel, err)
	}
	return nil
}

// XattrSupported probes whether the lower filesystem accepts user
// extended attributes, probing the adapter's root directory. Used by tests and by
// mount-time sanity checks.
func (a *Adapter) XattrSupported() bool {
	probe := a.Abs(".")
	err := unix.Lsetxattr(probe, "user.bkpfs.probe", []byte{0}, 0)
	if err != nil {
		return err != unix.EOPNOTSUPP && err != unix.ENOTSUP && err != syscall.EPERM
	}
	_ = unix.Lremovexattr(probe, "user.bkpfs.probe")
	return true
}
