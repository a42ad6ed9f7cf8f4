// Package metrics implements Prometheus metrics for the versioning
// engine and the control channel, served over an HTTP endpoint owned by
// the daemon.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector owns the Prometheus registry and the engine's counters. A
// nil Collector (or a disabled one) accepts all record calls as no-ops,
// so callers never guard their instrumentation.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	backupsCreated   prometheus.Counter
	backupsPruned    prometheus.Counter
	backupsDeleted   prometheus.Counter
	backupFailures   prometheus.Counter
	backupBytes      prometheus.Counter
	restores         prometheus.Counter
	cleanupCascades  prometheus.Counter
	controlRequests  *prometheus.CounterVec
	controlErrors    *prometheus.CounterVec
	entriesSuppressed prometheus.Counter

	server *http.Server
}

// NewCollector creates a metrics collector. When config is nil, defaults
// apply; when disabled, the collector is inert.
func NewCollector(config *Config) *Collector {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9245,
			Path:      "/metrics",
			Namespace: "bkpfs",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "bkpfs"
	}

	c := &Collector{config: config}
	if !config.Enabled {
		return c
	}

	c.registry = prometheus.NewRegistry()
	ns := config.Namespace

	c.backupsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "backups_created_total",
		Help: "Backup objects created by the write-path policy.",
	})
	c.backupsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "backups_pruned_total",
		Help: "Backup objects removed by the retention window.",
	})
	c.backupsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "backups_deleted_total",
		Help: "Backup objects removed by explicit delete requests.",
	})
	c.backupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "backup_failures_total",
		Help: "Write-path backup attempts that failed after a successful user write.",
	})
	c.backupBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "backup_bytes_copied_total",
		Help: "Bytes splice-copied into backup objects.",
	})
	c.restores = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "restores_total",
		Help: "Successful restore operations.",
	})
	c.cleanupCascades = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "cleanup_cascades_total",
		Help: "Unlink-triggered backup cleanup cascades.",
	})
	c.controlRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "control_requests_total",
		Help: "Control-channel requests by operation.",
	}, []string{"op"})
	c.controlErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "control_errors_total",
		Help: "Control-channel failures by operation.",
	}, []string{"op"})
	c.entriesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "dir_entries_suppressed_total",
		Help: "Backup objects hidden from directory enumeration.",
	})

	c.registry.MustRegister(
		c.backupsCreated, c.backupsPruned, c.backupsDeleted,
		c.backupFailures, c.backupBytes, c.restores,
		c.cleanupCascades, c.controlRequests, c.controlErrors,
		c.entriesSuppressed,
	)
	return c
}

func (c *Collector) enabled() bool {
	return c != nil && c.registry != nil
}

// RecordBackupCreated counts a committed backup and the bytes it copied.
func (c *Collector) RecordBackupCreated(bytes int64) {
	if !c.enabled() {
		return
	}
	c.backupsCreated.Inc()
	c.backupBytes.Add(float64(bytes))
}

// RecordBackupPruned counts a retention-window eviction.
func (c *Collector) RecordBackupPruned() {
	if c.enabled() {
		c.backupsPruned.Inc()
	}
}

// RecordBackupDeleted counts an explicitly deleted backup object.
func (c *Collector) RecordBackupDeleted() {
	if c.enabled() {
		c.backupsDeleted.Inc()
	}
}

// RecordBackupFailure counts a best-effort backup that failed.
func (c *Collector) RecordBackupFailure() {
	if c.enabled() {
		c.backupFailures.Inc()
	}
}

// RecordRestore counts a successful restore.
func (c *Collector) RecordRestore() {
	if c.enabled() {
		c.restores.Inc()
	}
}

// RecordCleanupCascade counts an unlink-triggered cleanup.
func (c *Collector) RecordCleanupCascade() {
	if c.enabled() {
		c.cleanupCascades.Inc()
	}
}

// RecordControlRequest counts a control request by operation name.
func (c *Collector) RecordControlRequest(op string) {
	if c.enabled() {
		c.controlRequests.WithLabelValues(op).Inc()
	}
}

// RecordControlError counts a failed control request by operation name.
func (c *Collector) RecordControlError(op string) {
	if c.enabled() {
		c.controlErrors.WithLabelValues(op).Inc()
	}
}

// RecordEntrySuppressed counts a backup object hidden from readdir.
func (c *Collector) RecordEntrySuppressed() {
	if c.enabled() {
		c.entriesSuppressed.Inc()
	}
}

// Registry returns the underlying registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// Serve starts the metrics HTTP endpoint. It is a no-op for a disabled
// collector.
func (c *Collector) Serve() error {
	if !c.enabled() {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = c.server.ListenAndServe()
	}()
	return nil
}

// Shutdown stops the metrics endpoint.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
