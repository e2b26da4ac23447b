// Package metrics exposes process-wide backup statistics in the Prometheus
// text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paulschiretz/pgl-autobackup/pkg/engine"
	"github.com/paulschiretz/pgl-autobackup/pkg/history"
	"github.com/paulschiretz/pgl-autobackup/pkg/pathretention"
	"github.com/paulschiretz/pgl-autobackup/pkg/pathsync"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

const namespace = "pglautobackup"

// Collector records run statistics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	filesCopied      prometheus.Counter
	filesUpToDate    prometheus.Counter
	filesFailed      prometheus.Counter
	bytesWritten     prometheus.Counter
	lastRunTimestamp *prometheus.GaugeVec
	lastRunDuration  *prometheus.GaugeVec
	lastRunSuccess   *prometheus.GaugeVec
	progress         prometheus.Gauge
	prunedTotal      *prometheus.CounterVec
	pruneFailures    prometheus.Counter
}

// Statically assert that *Collector implements engine.RunMetrics.
var _ engine.RunMetrics = (*Collector)(nil)

// NewCollector creates a collector with a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Number of finished backup runs by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		filesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_copied_total",
			Help:      "Number of files copied into backups",
		}),
		filesUpToDate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_uptodate_total",
			Help:      "Number of files skipped because the backup copy was up to date",
		}),
		filesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_failed_total",
			Help:      "Number of files that could not be copied",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Number of bytes written into backups",
		}),
		lastRunTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Timestamp of the end of the last run",
			},
			[]string{"kind"},
		),
		lastRunDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_duration_seconds",
				Help:      "Duration of the last run in seconds",
			},
			[]string{"kind"},
		),
		lastRunSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_success",
				Help:      "Outcome of the last run (1=success, 0=anything else)",
			},
			[]string{"kind"},
		),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_percent",
			Help:      "Copy progress of the current or last run",
		}),
		prunedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pruned_total",
				Help:      "Number of expired entries deleted by retention",
			},
			[]string{"type"},
		),
		pruneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prune_failures_total",
			Help:      "Number of expired entries that could not be deleted",
		}),
	}

	reg.MustRegister(
		c.runsTotal,
		c.filesCopied,
		c.filesUpToDate,
		c.filesFailed,
		c.bytesWritten,
		c.lastRunTimestamp,
		c.lastRunDuration,
		c.lastRunSuccess,
		c.progress,
		c.prunedTotal,
		c.pruneFailures,
	)
	return c
}

func (c *Collector) ObserveRun(kind engine.RunKind, outcome history.Outcome, copied pathsync.Result, duration time.Duration) {
	k := string(kind)
	c.runsTotal.WithLabelValues(k, outcome.String()).Inc()
	c.filesCopied.Add(float64(copied.Copied))
	c.filesUpToDate.Add(float64(copied.UpToDate))
	c.filesFailed.Add(float64(copied.Failed))
	c.bytesWritten.Add(float64(copied.BytesWritten))
	c.lastRunTimestamp.WithLabelValues(k).SetToCurrentTime()
	c.lastRunDuration.WithLabelValues(k).Set(duration.Seconds())
	if outcome == history.Success {
		c.lastRunSuccess.WithLabelValues(k).Set(1)
	} else {
		c.lastRunSuccess.WithLabelValues(k).Set(0)
	}
}

func (c *Collector) SetProgress(pct float64) { c.progress.Set(pct) }

func (c *Collector) ObservePrune(res pathretention.Result) {
	c.prunedTotal.WithLabelValues("file").Add(float64(res.FilesDeleted))
	c.prunedTotal.WithLabelValues("dir").Add(float64(res.DirsDeleted))
	c.pruneFailures.Add(float64(res.Failed))
}

// Handler returns the HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry: c.registry,
	})
}

// Serve exposes the collector at /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		plog.Info("Serving metrics", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown failed: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
