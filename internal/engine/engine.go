// Package engine implements the versioning core: the write-path backup
// policy with its retention window, selector resolution, and the
// view/size/delete/restore operations the control channel exposes.
package engine

import (
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bkpfs/bkpfs/internal/lower"
	"github.com/bkpfs/bkpfs/internal/meta"
	"github.com/bkpfs/bkpfs/internal/metrics"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

// Notifier observes backup-object lifecycle events. Implementations must
// not block; the engine calls them inline on the write path.
type Notifier interface {
	// BackupCreated reports a committed backup object by mount-relative path.
	BackupCreated(rel string)
	// BackupRemoved reports a pruned or deleted backup object.
	BackupRemoved(rel string)
}

// Options configures an Engine.
type Options struct {
	// MaxVersions is the retention window; 0 disables versioning.
	MaxVersions uint32
	// BackupThreshold is the minimum requested single-write size that
	// triggers a backup.
	BackupThreshold uint32
	// Metrics may be nil.
	Metrics *metrics.Collector
	// Notifier may be nil.
	Notifier Notifier
	// Logger may be nil, in which case slog.Default applies.
	Logger *slog.Logger
}

// Engine is the backup policy core of a single mount.
type Engine struct {
	adapter  *lower.Adapter
	store    *meta.Store
	maxVers  uint32
	threshold uint32
	metrics  *metrics.Collector
	notifier Notifier
	logger   *slog.Logger

	// locks serializes the metadata-update critical section per file.
	locks sync.Map // rel path -> *sync.Mutex
}

// New creates an engine over the given lower adapter.
func New(adapter *lower.Adapter, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		adapter:   adapter,
		store:     meta.NewStore(adapter),
		maxVers:   opts.MaxVersions,
		threshold: opts.BackupThreshold,
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		logger:    logger,
	}
}

// MaxVersions returns the retention window.
func (e *Engine) MaxVersions() uint32 {
	return e.maxVers
}

// Adapter returns the lower adapter the engine operates through.
func (e *Engine) Adapter() *lower.Adapter {
	return e.adapter
}

func (e *Engine) lockFor(rel string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(rel, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func splitRel(rel string) (parentRel, base string) {
	parentRel = filepath.Dir(rel)
	if parentRel == "." {
		parentRel = ""
	}
	return parentRel, filepath.Base(rel)
}

func (e *Engine) backupRel(rel string, ver uint32) (string, error) {
	parentRel, base := splitRel(rel)
	name, err := BackupName(base, ver)
	if err != nil {
		return "", err
	}
	return filepath.Join(parentRel, name), nil
}

// BackupAfterWrite runs the write-path backup policy for the file at the
// mount-relative path after a user write of the given requested size has
// already been committed to the lower object. The caller's write result
// is never affected; a failure here is the best-effort backup failing.
func (e *Engine) BackupAfterWrite(rel string, requested int) error {
	if e.maxVers == 0 || requested < 0 || uint64(requested) < uint64(e.threshold) {
		return nil
	}

	mu := e.lockFor(rel)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.store.Load(rel)
	if err != nil {
		e.metrics.RecordBackupFailure()
		return err
	}

	parentRel, base := splitRel(rel)
	name, err := BackupName(base, rec.CurVer)
	if err != nil {
		e.metrics.RecordBackupFailure()
		return err
	}

	st, err := e.adapter.Stat(rel)
	if err != nil {
		e.metrics.RecordBackupFailure()
		return err
	}
	mode := st.Mode & 0o7777

	bkp, err := e.createBackupObject(parentRel, name, mode)
	if err != nil {
		e.metrics.RecordBackupFailure()
		return err
	}

	copied, err := e.copyInto(rel, bkp, int64(st.Size))
	if err != nil {
		_ = bkp.Close()
		_ = e.adapter.UnlinkChild(parentRel, name)
		e.metrics.RecordBackupFailure()
		return err
	}

	// The backup must be durable before the metadata record points at it.
	if err := bkp.Fsync(); err != nil {
		_ = bkp.Close()
		_ = e.adapter.UnlinkChild(parentRel, name)
		e.metrics.RecordBackupFailure()
		return err
	}
	if err := bkp.Close(); err != nil {
		e.logger.Warn("backup close failed", "path", name, "error", err)
	}

	if rec.CurVer-rec.StartVer >= e.maxVers {
		oldName, nameErr := BackupName(base, rec.StartVer)
		if nameErr != nil {
			e.metrics.RecordBackupFailure()
			return nameErr
		}
		if err := e.adapter.UnlinkChild(parentRel, oldName); err != nil {
			e.logger.Error("retention prune failed", "path", rel, "version", rec.StartVer, "error", err)
			e.metrics.RecordBackupFailure()
			return err
		}
		e.metrics.RecordBackupPruned()
		e.notifyRemoved(filepath.Join(parentRel, oldName))
		rec.StartVer++
	}
	rec.CurVer++

	if err := e.store.Save(rel, rec); err != nil {
		e.metrics.RecordBackupFailure()
		return err
	}

	e.metrics.RecordBackupCreated(copied)
	e.notifyCreated(filepath.Join(parentRel, name))
	e.logger.Debug("backup created",
		"path", rel, "version", rec.CurVer-1,
		"bytes", copied, "start_ver", rec.StartVer, "cur_ver", rec.CurVer)
	return nil
}

// createBackupObject creates the backup exclusively. A pre-existing
// object at the target name is a crash orphan from an interrupted
// write-backup sequence: it is unlinked and the create retried exactly
// once; a second collision is a conflict.
func (e *Engine) createBackupObject(parentRel, name string, mode uint32) (*lower.Handle, error) {
	h, err := e.adapter.CreateChild(parentRel, name, mode)
	if err == nil {
		return h, nil
	}
	if !errors.IsKind(err, errors.KindExists) {
		return nil, err
	}
	if err := e.adapter.UnlinkChild(parentRel, name); err != nil {
		return nil, errors.Wrap(errors.KindConflict, "engine.backup", name, err)
	}
	h, err = e.adapter.CreateChild(parentRel, name, mode)
	if err != nil {
		return nil, errors.Wrap(errors.KindConflict, "engine.backup", name, err)
	}
	return h, nil
}

// copyInto splice-copies size bytes of the target file into dst. A
// partial transfer reports KindIO.
func (e *Engine) copyInto(rel string, dst *lower.Handle, size int64) (int64, error) {
	src, err := e.adapter.Open(rel, unix.O_RDONLY)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	copied, err := lower.SpliceCopy(src, dst, size)
	if err != nil {
		return copied, err
	}
	if copied != size {
		return copied, errors.New(errors.KindIO, "engine.copy", rel)
	}
	return copied, nil
}

// Count returns the number of retained versions of the file.
func (e *Engine) Count(rel string) (uint32, error) {
	rec, err := e.store.Load(rel)
	if err != nil {
		return 0, err
	}
	return rec.Count(), nil
}

// Size returns the byte size of the selected backup.
func (e *Engine) Size(rel string, sel Selector) (uint64, error) {
	rec, err := e.store.Load(rel)
	if err != nil {
		return 0, err
	}
	ver, err := sel.Resolve(rec)
	if err != nil {
		return 0, err
	}
	parentRel, base := splitRel(rel)
	name, err := BackupName(base, ver)
	if err != nil {
		return 0, err
	}
	st, err := e.adapter.ResolveChild(parentRel, name)
	if err != nil {
		return 0, err
	}
	return uint64(st.Size), nil
}

// View reads exactly len(buf) bytes from the selected backup at the
// given offset. A transfer of fewer bytes is an I/O error, never a short
// read; clients size their final page from Size.
func (e *Engine) View(rel string, sel Selector, offset int64, buf []byte) error {
	rec, err := e.store.Load(rel)
	if err != nil {
		return err
	}
	ver, err := sel.Resolve(rec)
	if err != nil {
		return err
	}
	bkpRel, err := e.backupRel(rel, ver)
	if err != nil {
		return err
	}
	h, err := e.adapter.Open(bkpRel, unix.O_RDONLY)
	if err != nil {
		return err
	}
	defer h.Close()

	read := 0
	for read < len(buf) {
		n, err := h.ReadAt(buf[read:], offset+int64(read))
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New(errors.KindIO, "engine.view", bkpRel)
		}
		read += n
	}
	return nil
}

// Delete removes the selected backup (or, under SelAll, every retained
// one) and advances the metadata record so it never points at an absent
// object. An empty window yields KindNotFound for every selector.
func (e *Engine) Delete(rel string, sel Selector) error {
	mu := e.lockFor(rel)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.store.Load(rel)
	if err != nil {
		return err
	}
	if rec.Empty() {
		return errors.New(errors.KindNotFound, "engine.delete", rel)
	}

	parentRel, base := splitRel(rel)

	switch sel.Tag {
	case SelOldest:
		if err := e.unlinkVersion(parentRel, base, rec.StartVer); err != nil {
			return err
		}
		rec.StartVer++
	case SelNewest:
		if err := e.unlinkVersion(parentRel, base, rec.CurVer-1); err != nil {
			return err
		}
		rec.CurVer--
	case SelAll:
		var lastErr error
		for ver := rec.StartVer; ver < rec.CurVer; ver++ {
			if err := e.unlinkVersion(parentRel, base, ver); err != nil {
				// keep going; remaining versions may still be removable
				e.logger.Warn("delete-all: version removal failed",
					"path", rel, "version", ver, "error", err)
				lastErr = err
			}
		}
		rec = meta.Record{StartVer: 1, CurVer: 1}
		if err := e.store.Save(rel, rec); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		return nil
	default:
		return errors.New(errors.KindInvalidArgument, "engine.delete", sel.String())
	}

	if rec.Empty() {
		rec = meta.Record{StartVer: 1, CurVer: 1}
	}
	return e.store.Save(rel, rec)
}

// unlinkVersion removes one backup object. A missing object counts as
// removed so the index can still be advanced past it.
func (e *Engine) unlinkVersion(parentRel, base string, ver uint32) error {
	name, err := BackupName(base, ver)
	if err != nil {
		return err
	}
	if err := e.adapter.UnlinkChild(parentRel, name); err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return err
		}
	}
	e.metrics.RecordBackupDeleted()
	e.notifyRemoved(filepath.Join(parentRel, name))
	return nil
}

// Restore truncates the target file and copies the selected backup's
// contents back into it. The pre-restore contents are not backed up.
func (e *Engine) Restore(rel string, sel Selector) error {
	mu := e.lockFor(rel)
	mu.Lock()
	defer mu.Unlock()

	rec, err := e.store.Load(rel)
	if err != nil {
		return err
	}
	ver, err := sel.Resolve(rec)
	if err != nil {
		return err
	}
	bkpRel, err := e.backupRel(rel, ver)
	if err != nil {
		return err
	}

	src, err := e.adapter.Open(bkpRel, unix.O_RDONLY)
	if err != nil {
		return err
	}
	defer src.Close()

	st, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := e.adapter.Open(rel, unix.O_WRONLY|unix.O_TRUNC)
	if err != nil {
		return err
	}
	defer dst.Close()

	copied, err := lower.SpliceCopy(src, dst, st.Size)
	if err != nil {
		return err
	}
	if copied != st.Size {
		return errors.New(errors.KindIO, "engine.restore", rel)
	}
	if err := dst.Truncate(copied); err != nil {
		return err
	}

	e.metrics.RecordRestore()
	e.logger.Debug("restore complete", "path", rel, "version", ver, "bytes", copied)
	return nil
}

// CleanupOnUnlink removes every retained backup of a file that is being
// unlinked through the stacking layer. Per-version failures are logged
// and cleanup proceeds; the primary unlink's outcome is the caller's.
func (e *Engine) CleanupOnUnlink(rel string) {
	mu := e.lockFor(rel)
	mu.Lock()
	defer mu.Unlock()
	defer e.locks.Delete(rel)

	rec, err := e.store.Load(rel)
	if err != nil {
		e.logger.Warn("cleanup: metadata load failed", "path", rel, "error", err)
		return
	}
	if rec.Empty() {
		return
	}

	parentRel, base := splitRel(rel)
	for ver := rec.StartVer; ver < rec.CurVer; ver++ {
		name, err := BackupName(base, ver)
		if err != nil {
			e.logger.Warn("cleanup: bad backup name", "path", rel, "version", ver, "error", err)
			continue
		}
		if err := e.adapter.UnlinkChild(parentRel, name); err != nil {
			e.logger.Warn("cleanup: backup removal failed",
				"path", rel, "version", ver, "error", err)
			continue
		}
		e.notifyRemoved(filepath.Join(parentRel, name))
	}
	e.metrics.RecordCleanupCascade()
}

func (e *Engine) notifyCreated(rel string) {
	if e.notifier != nil {
		e.notifier.BackupCreated(rel)
	}
}

func (e *Engine) notifyRemoved(rel string) {
	if e.notifier != nil {
		e.notifier.BackupRemoved(rel)
	}
}
