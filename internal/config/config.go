// Package config holds the bkpfs daemon configuration: the mount options
// that govern the versioning policy, the control-channel socket, the
// monitoring endpoint and the optional backup mirror.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Default versioning policy values, applied when the corresponding mount
// option is absent.
const (
	DefaultMaxVersions     = 10
	DefaultBackupThreshold = 32
)

// DefaultSocketPath is where the control-channel server listens unless
// configured otherwise.
const DefaultSocketPath = "/run/bkpfs.sock"

// Configuration represents the complete daemon configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Mount      MountConfig      `yaml:"mount"`
	Control    ControlConfig    `yaml:"control"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Mirror     MirrorConfig     `yaml:"mirror"`
}

// GlobalConfig represents process-wide settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// MountConfig represents the stacking-layer mount and the versioning
// policy. MaxVersions and BackupThreshold are read-only after mount.
type MountConfig struct {
	// LowerDir is the directory the mount overlays.
	LowerDir string `yaml:"lower_dir"`

	// MountPoint is where the stacked view is exposed.
	MountPoint string `yaml:"mount_point"`

	// MaxVersions is the retention window per file; 0 disables versioning.
	MaxVersions uint32 `yaml:"maxvers"`

	// BackupThreshold is the minimum single-write payload size, in bytes,
	// that triggers a backup.
	BackupThreshold uint32 `yaml:"bkp_threshold"`

	// AllowOther passes allow_other to the kernel.
	AllowOther bool `yaml:"allow_other"`

	// Debug enables FUSE protocol debugging.
	Debug bool `yaml:"debug"`

	// AttrTimeout and EntryTimeout are the kernel cache lifetimes.
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// ControlConfig represents the control-channel listener.
type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// MonitoringConfig represents the metrics endpoint.
type MonitoringConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
}

// MirrorConfig represents the optional replication of backup objects to
// S3-compatible object storage.
type MirrorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Prefix         string `yaml:"prefix"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// QueueDepth bounds the number of pending replication events before
	// new ones are dropped (the mirror is best-effort).
	QueueDepth int `yaml:"queue_depth"`
}

// DefaultConfiguration returns the configuration used when no file and
// no mount options are given.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "info",
		},
		Mount: MountConfig{
			MaxVersions:     DefaultMaxVersions,
			BackupThreshold: DefaultBackupThreshold,
			AttrTimeout:     time.Second,
			EntryTimeout:    time.Second,
		},
		Control: ControlConfig{
			SocketPath: DefaultSocketPath,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: false,
			MetricsPort:    9245,
		},
		Mirror: MirrorConfig{
			QueueDepth: 128,
		},
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Configuration, error) {
	cfg := DefaultConfiguration()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Configuration) Validate() error {
	if c.Mount.LowerDir == "" {
		return fmt.Errorf("lower directory must be set")
	}
	if c.Mount.MountPoint == "" {
		return fmt.Errorf("mount point must be set")
	}
	if c.Mount.LowerDir == c.Mount.MountPoint {
		return fmt.Errorf("lower directory and mount point must differ")
	}
	if c.Control.SocketPath == "" {
		return fmt.Errorf("control socket path must be set")
	}
	if c.Mirror.Enabled && c.Mirror.Bucket == "" {
		return fmt.Errorf("mirror enabled but no bucket configured")
	}
	return nil
}

// SlogLevel translates the configured level string into a slog.Level.
func (c *Configuration) SlogLevel() slog.Level {
	switch strings.ToLower(c.Global.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ApplyMountOptions parses a comma-separated key=value option string of
// the form accepted by -o and applies it to the mount configuration.
// Unknown keys are ignored with a warning.
func (c *Configuration) ApplyMountOptions(opts string, logger *slog.Logger) error {
	if opts == "" {
		return nil
	}
	for _, opt := range strings.Split(opts, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		key, value, found := strings.Cut(opt, "=")
		if !found {
			return fmt.Errorf("malformed mount option %q", opt)
		}
		switch key {
		case "maxvers":
			n, err := parseUint32(value)
			if err != nil {
				return fmt.Errorf("invalid maxvers %q: %w", value, err)
			}
			c.Mount.MaxVersions = n
		case "bkp_threshold":
			n, err := parseUint32(value)
			if err != nil {
				return fmt.Errorf("invalid bkp_threshold %q: %w", value, err)
			}
			c.Mount.BackupThreshold = n
		default:
			if logger != nil {
				logger.Warn("ignoring unknown mount option", "key", key)
			}
		}
	}
	return nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
