// Command bkpfs mounts the versioning filesystem over a lower directory
// and runs the control-channel server alongside it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bkpfs/bkpfs/internal/config"
	"github.com/bkpfs/bkpfs/internal/control"
	"github.com/bkpfs/bkpfs/internal/engine"
	bkpfuse "github.com/bkpfs/bkpfs/internal/fuse"
	"github.com/bkpfs/bkpfs/internal/lower"
	"github.com/bkpfs/bkpfs/internal/metrics"
	"github.com/bkpfs/bkpfs/internal/mirror"
)

var (
	flagConfig      string
	flagOptions     string
	flagSocket      string
	flagMetricsPort int
	flagMetrics     bool
	flagAllowOther  bool
	flagDebugFuse   bool
	flagLogLevel    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bkpfs [flags] LOWERDIR MOUNTPOINT",
		Short: "Mount a stackable versioning filesystem",
		Long: `bkpfs overlays LOWERDIR at MOUNTPOINT. Writes at or above the backup
threshold snapshot the file into an immutable sibling backup object;
the bkpctl tool manages snapshots over the control socket.`,
		Args: cobra.ExactArgs(2),
		RunE: run,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringVar(&flagConfig, "config", "", "YAML configuration file")
	rootCmd.Flags().StringVarP(&flagOptions, "options", "o", "", "mount options (maxvers=N,bkp_threshold=N)")
	rootCmd.Flags().StringVar(&flagSocket, "socket", "", "control socket path")
	rootCmd.Flags().BoolVar(&flagMetrics, "metrics", false, "serve Prometheus metrics")
	rootCmd.Flags().IntVar(&flagMetricsPort, "metrics-port", 0, "metrics endpoint port")
	rootCmd.Flags().BoolVar(&flagAllowOther, "allow-other", false, "allow other users to access the mount")
	rootCmd.Flags().BoolVar(&flagDebugFuse, "debug-fuse", false, "log the FUSE protocol")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildConfig(args []string) (*config.Configuration, error) {
	var cfg *config.Configuration
	var err error
	if flagConfig != "" {
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfiguration()
	}

	cfg.Mount.LowerDir = args[0]
	cfg.Mount.MountPoint = args[1]
	if flagSocket != "" {
		cfg.Control.SocketPath = flagSocket
	}
	if flagMetrics {
		cfg.Monitoring.MetricsEnabled = true
	}
	if flagMetricsPort != 0 {
		cfg.Monitoring.MetricsPort = flagMetricsPort
	}
	if flagAllowOther {
		cfg.Mount.AllowOther = true
	}
	if flagDebugFuse {
		cfg.Mount.Debug = true
	}
	if flagLogLevel != "" {
		cfg.Global.LogLevel = flagLogLevel
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := cfg.ApplyMountOptions(flagOptions, logger); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	adapter, err := lower.New(cfg.Mount.LowerDir)
	if err != nil {
		return err
	}
	if cfg.Mount.MaxVersions > 0 && !adapter.XattrSupported() {
		return fmt.Errorf("lower filesystem %s does not support user xattrs", adapter.Root())
	}

	collector := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.MetricsEnabled,
		Port:      cfg.Monitoring.MetricsPort,
		Namespace: "bkpfs",
	})
	if err := collector.Serve(); err != nil {
		return err
	}

	var notifier engine.Notifier
	var mir *mirror.Mirror
	if cfg.Mirror.Enabled {
		mir, err = mirror.New(cmd.Context(), cfg.Mirror, adapter.Root(), logger)
		if err != nil {
			return err
		}
		mir.Start()
		notifier = mir
	}

	eng := engine.New(adapter, engine.Options{
		MaxVersions:     cfg.Mount.MaxVersions,
		BackupThreshold: cfg.Mount.BackupThreshold,
		Metrics:         collector,
		Notifier:        notifier,
		Logger:          logger,
	})

	ctl := control.NewServer(eng, cfg.Mount.MountPoint, collector, logger)
	if err := ctl.Listen(cfg.Control.SocketPath); err != nil {
		return err
	}
	go func() {
		if err := ctl.Serve(); err != nil {
			logger.Error("control server stopped", "error", err)
		}
	}()
	logger.Info("control channel ready", "socket", cfg.Control.SocketPath)

	mgr, err := bkpfuse.Mount(cfg, eng, collector, logger)
	if err != nil {
		_ = ctl.Close()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info("signal received, unmounting", "signal", s)
		if err := mgr.Unmount(); err != nil {
			logger.Error("unmount failed; retry after closing open files", "error", err)
		}
	}()

	mgr.Wait()

	_ = ctl.Close()
	_ = os.Remove(cfg.Control.SocketPath)
	if mir != nil {
		mir.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = collector.Shutdown(shutdownCtx)
	return nil
}
