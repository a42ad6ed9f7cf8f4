package fuse

import (
	"log/slog"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bkpfs/bkpfs/internal/config"
	"github.com/bkpfs/bkpfs/internal/engine"
	"github.com/bkpfs/bkpfs/internal/metrics"
	"github.com/bkpfs/bkpfs/pkg/errors"
)

// MountManager owns a mounted stacking layer.
type MountManager struct {
	server     *fuse.Server
	mountPoint string
	logger     *slog.Logger
}

// Mount wires the engine into a passthrough filesystem and mounts it.
func Mount(cfg *config.Configuration, eng *engine.Engine, collector *metrics.Collector, logger *slog.Logger) (*MountManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	root := &node{rootData: &rootData{
		lowerDir: eng.Adapter().Root(),
		engine:   eng,
		metrics:  collector,
		logger:   logger,
	}}

	attrTimeout := cfg.Mount.AttrTimeout
	entryTimeout := cfg.Mount.EntryTimeout
	if attrTimeout == 0 {
		attrTimeout = time.Second
	}
	if entryTimeout == 0 {
		entryTimeout = time.Second
	}

	opts := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		MountOptions: fuse.MountOptions{
			AllowOther: cfg.Mount.AllowOther,
			Debug:      cfg.Mount.Debug,
			FsName:     eng.Adapter().Root(),
			Name:       "bkpfs",
		},
	}

	server, err := fs.Mount(cfg.Mount.MountPoint, root, opts)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "fuse.mount", cfg.Mount.MountPoint, err)
	}

	logger.Info("mounted",
		"lower", eng.Adapter().Root(),
		"mountpoint", cfg.Mount.MountPoint,
		"maxvers", eng.MaxVersions())

	return &MountManager{
		server:     server,
		mountPoint: cfg.Mount.MountPoint,
		logger:     logger,
	}, nil
}

// Wait blocks until the filesystem is unmounted.
func (m *MountManager) Wait() {
	m.server.Wait()
}

// Unmount detaches the filesystem.
func (m *MountManager) Unmount() error {
	if err := m.server.Unmount(); err != nil {
		return errors.Wrap(errors.KindIO, "fuse.unmount", m.mountPoint, err)
	}
	m.logger.Info("unmounted", "mountpoint", m.mountPoint)
	return nil
}
