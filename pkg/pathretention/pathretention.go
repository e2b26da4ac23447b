// --- ARCHITECTURAL OVERVIEW: Retention Strategy ---
//
// Retention is purely age based. Everything below the destination root whose
// own modification time is strictly older than now - retentionDays is deleted.
//
// The tree is processed bottom-up. For each directory, its subdirectories are
// pruned first; then its old files are deleted; then each direct subdirectory
// is re-examined and removed as a whole if its own mtime is older than the
// cutoff. The root itself is never removed, and neither is an excluded path
// such as the directory of the backup that is about to be written. A retention
// of zero days puts the cutoff at now, which removes every earlier entry.
//
// Known limitation: a directory is judged by its own mtime, not by the newest
// file below it. On most filesystems, deleting a child updates the parent's
// mtime, so a directory that just lost old children usually survives until a
// later run. Other filesystems do not update directory mtimes on child writes
// and will drop a subtree even when it holds fresh files.

// Package pathretention deletes backup content that is older than a retention window.
package pathretention

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/config"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

// Result summarizes a prune run.
type Result struct {
	FilesDeleted int64
	DirsDeleted  int64
	Failed       int64
}

// Retainer defines the interface for a component that prunes old backup content.
type Retainer interface {
	PruneOlderThan(ctx context.Context, destinationRoot string, retentionDays int, exclude ...string) (Result, error)
}

// PathRetainer prunes a destination tree by modification time.
type PathRetainer struct {
	numWorkers       int
	metrics          bool
	progressInterval time.Duration

	// now is the clock used to compute the cutoff.
	now func() time.Time
}

// Statically assert that *PathRetainer implements the Retainer interface.
var _ Retainer = (*PathRetainer)(nil)

// NewPathRetainer creates a new PathRetainer with the given configuration.
func NewPathRetainer(cfg config.Config) *PathRetainer {
	workers := cfg.Engine.Performance.DeleteWorkers
	if workers < 1 {
		workers = 1
	}
	return &PathRetainer{
		numWorkers:       workers,
		metrics:          cfg.Engine.Metrics,
		progressInterval: cfg.ProgressInterval(),
		now:              time.Now,
	}
}

// PruneOlderThan deletes every file and directory below destinationRoot whose
// modification time is strictly older than now - retentionDays. Paths listed
// in exclude are neither descended into nor deleted. Per-entry failures are
// logged, counted and skipped. An error is returned only if retentionDays is
// negative, the root cannot be read or ctx is done.
func (r *PathRetainer) PruneOlderThan(ctx context.Context, destinationRoot string, retentionDays int, exclude ...string) (Result, error) {
	if retentionDays < 0 {
		return Result{}, fmt.Errorf("invalid retention of %d days", retentionDays)
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	cutoff := r.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	var m Metrics
	if r.metrics {
		m = &RetentionMetrics{}
	} else {
		m = &NoopMetrics{}
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		excluded[filepath.Clean(p)] = struct{}{}
	}

	t := &task{
		ctx:         ctx,
		absBasePath: destinationRoot,
		cutoff:      cutoff,
		excluded:    excluded,
		numWorkers:  r.numWorkers,
		metrics:     m,
		deleteJobs:  make(chan deleteJob, r.numWorkers*4),
	}

	plog.Info("Pruning outdated backup content", "path", destinationRoot, "retention_days", retentionDays, "cutoff", cutoff.Format(time.DateTime))

	m.StartProgress("Prune progress", r.progressInterval)
	defer func() {
		m.StopProgress()
		m.LogSummary("Prune finished")
	}()

	res, err := t.execute()
	if err != nil {
		return res, fmt.Errorf("prune of %s failed: %w", destinationRoot, err)
	}
	return res, nil
}
