// --- ARCHITECTURAL OVERVIEW: Run Procedures ---
//
// The runner composes the leaf packages into the two backup procedures.
//
// 1. Daily Run - "Gate, then Copy Incrementally"
//    - Sequence: source check, new backup directory, space check, prune, copy,
//      record. A missing source or a lack of space ends the run early with a
//      recorded outcome and leaves the destination as it was.
//    - Pruning runs on the destination root after the new directory exists.
//      The new directory has a fresh mtime, so it is never older than the cutoff.
//
// 2. Full Run - "Copy Everything"
//    - Sequence: new backup directory, full copy, record. No gates, no prune.
//
// Gating results and per-file copy failures are outcomes and end up in the
// history. Only infrastructure failures (the backup directory cannot be created,
// the copy was cancelled, the history cannot be written) are returned as errors.
//
// Runs of a single Runner are serialized, so overlapping triggers queue up
// instead of writing into the same destination concurrently.

package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-autobackup/pkg/config"
	"github.com/paulschiretz/pgl-autobackup/pkg/history"
	"github.com/paulschiretz/pgl-autobackup/pkg/pathretention"
	"github.com/paulschiretz/pgl-autobackup/pkg/pathsync"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
	"github.com/paulschiretz/pgl-autobackup/pkg/preflight"
	"github.com/paulschiretz/pgl-autobackup/pkg/util"
)

// RunKind identifies the procedure of a run.
type RunKind string

const (
	DailyRun RunKind = "daily"
	FullRun  RunKind = "full"
)

// Syncer copies a source tree into a backup directory.
type Syncer interface {
	FullBackup(ctx context.Context, src, dst string, onProgress pathsync.ProgressFunc) (pathsync.Result, error)
	IncrementalBackup(ctx context.Context, src, dst string, onProgress pathsync.ProgressFunc) (pathsync.Result, error)
}

// SpaceChecker decides whether a destination can hold a source tree.
type SpaceChecker interface {
	HasSufficientSpace(ctx context.Context, sourceRoot, destinationRoot string) (bool, preflight.SpaceReport)
}

// Report describes a finished run.
type Report struct {
	RunID     string
	Kind      RunKind
	Outcome   history.Outcome
	BackupDir string
	Copy      pathsync.Result
	Prune     pathretention.Result
	Space     preflight.SpaceReport
	Entry     history.Entry
	Started   time.Time
	Duration  time.Duration
}

// Runner executes backup runs against a history store.
type Runner struct {
	store   history.Store
	metrics RunMetrics
	space   SpaceChecker

	newSyncer   func(cfg config.Config) Syncer
	newRetainer func(cfg config.Config) pathretention.Retainer
	now         func() time.Time

	runMu sync.Mutex
}

// NewRunner creates a runner that records to store. A nil store disables
// history and nil metrics disables run metrics.
func NewRunner(store history.Store, metrics RunMetrics) *Runner {
	if store == nil {
		store = history.NoopStore{}
	}
	if metrics == nil {
		metrics = NoopRunMetrics{}
	}
	return &Runner{
		store:   store,
		metrics: metrics,
		space:   preflight.NewSpaceChecker(),
		newSyncer: func(cfg config.Config) Syncer {
			return pathsync.NewPathSyncer(cfg)
		},
		newRetainer: func(cfg config.Config) pathretention.Retainer {
			return pathretention.NewPathRetainer(cfg)
		},
		now: time.Now,
	}
}

// SetSpaceChecker replaces the free space check.
func (r *Runner) SetSpaceChecker(c SpaceChecker) { r.space = c }

// SetSyncer makes every run use s instead of a syncer built from the run's config.
func (r *Runner) SetSyncer(s Syncer) {
	r.newSyncer = func(config.Config) Syncer { return s }
}

// SetClock replaces the clock used for run timestamps and directory names.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// DailyBackupRun performs the gated incremental backup of cfg.Source into a new
// backup directory below cfg.Destination.
func (r *Runner) DailyBackupRun(ctx context.Context, cfg config.Config, n Notifier) (Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	rep := r.newReport(DailyRun)
	plog.Info("Starting daily backup", "run_id", rep.RunID, "source", cfg.Source, "destination", cfg.Destination)

	if err := ctx.Err(); err != nil {
		return rep, err
	}

	// 1. Source gate. Nothing is written to the destination on failure.
	if err := preflight.CheckBackupSourceAccessible(cfg.Source); err != nil {
		plog.Warn("Source is not accessible, skipping backup", "run_id", rep.RunID, "error", err)
		n.Log(fmt.Sprintf("Source not found: %s", cfg.Source))
		rep.Outcome = history.SourceNotFound
		return r.finish(ctx, cfg, rep, n, err.Error())
	}

	// 2. New backup directory.
	backupDir, err := createUniqueBackupDir(cfg.Destination, rep.Started)
	if err != nil {
		n.Log(fmt.Sprintf("Backup failed: %v", err))
		return rep, err
	}
	rep.BackupDir = backupDir

	// 3. Space gate.
	ok, space := r.space.HasSufficientSpace(ctx, cfg.Source, backupDir)
	rep.Space = space
	if !ok {
		plog.Warn("Insufficient space for backup",
			"run_id", rep.RunID,
			"required", util.ByteCountIEC(space.Required),
			"available", util.ByteCountIEC(int64(space.Available)))
		if err := os.Remove(backupDir); err != nil {
			plog.Warn("Failed to remove unused backup directory", "path", backupDir, "error", err)
		}
		rep.BackupDir = ""
		n.Log("Insufficient space for the backup.")
		rep.Outcome = history.InsufficientSpace
		detail := fmt.Sprintf("required %s, available %s",
			util.ByteCountIEC(space.Required), util.ByteCountIEC(int64(space.Available)))
		return r.finish(ctx, cfg, rep, n, detail)
	}

	// 4. Prune. The new backup directory is excluded. Failures are logged and
	// the backup continues.
	pruned, err := r.newRetainer(cfg).PruneOlderThan(ctx, cfg.Destination, cfg.RetentionDays, backupDir)
	rep.Prune = pruned
	r.metrics.ObservePrune(pruned)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rep, ctxErr
		}
		plog.Warn("Error during prune, continuing with backup", "run_id", rep.RunID, "error", err)
		n.Log(fmt.Sprintf("Pruning old backups failed: %v", err))
	}

	// 5. Incremental copy.
	n.Log(fmt.Sprintf("Starting daily incremental backup for %s", rep.Started.Format(time.DateOnly)))
	copied, err := r.newSyncer(cfg).IncrementalBackup(ctx, cfg.Source, backupDir, r.progress(n))
	rep.Copy = copied
	if err != nil {
		n.Log(fmt.Sprintf("Backup failed: %v", err))
		return rep, fmt.Errorf("error during copy: %w", err)
	}

	// 6. Record.
	return r.finishCopy(ctx, cfg, rep, n, "Daily backup completed successfully!")
}

// FullBackupRun copies every file of cfg.Source into a new backup directory
// below cfg.Destination. It does not check the source or the free space and
// does not prune.
func (r *Runner) FullBackupRun(ctx context.Context, cfg config.Config, n Notifier) (Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	rep := r.newReport(FullRun)
	plog.Info("Starting full backup", "run_id", rep.RunID, "source", cfg.Source, "destination", cfg.Destination)

	if err := ctx.Err(); err != nil {
		return rep, err
	}

	backupDir, err := createUniqueBackupDir(cfg.Destination, rep.Started)
	if err != nil {
		n.Log(fmt.Sprintf("Backup failed: %v", err))
		return rep, err
	}
	rep.BackupDir = backupDir

	n.Log(fmt.Sprintf("Starting full backup for %s", rep.Started.Format(time.DateOnly)))
	copied, err := r.newSyncer(cfg).FullBackup(ctx, cfg.Source, backupDir, r.progress(n))
	rep.Copy = copied
	if err != nil {
		n.Log(fmt.Sprintf("Backup failed: %v", err))
		return rep, fmt.Errorf("error during copy: %w", err)
	}

	return r.finishCopy(ctx, cfg, rep, n, "Full backup completed successfully!")
}

// PruneRun applies the retention window of cfg to its destination without
// creating a backup.
func (r *Runner) PruneRun(ctx context.Context, cfg config.Config) (pathretention.Result, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	res, err := r.newRetainer(cfg).PruneOlderThan(ctx, cfg.Destination, cfg.RetentionDays)
	r.metrics.ObservePrune(res)
	if err != nil {
		return res, err
	}
	plog.Info("Prune completed", "files_deleted", res.FilesDeleted, "dirs_deleted", res.DirsDeleted, "failed", res.Failed)
	return res, nil
}

func (r *Runner) newReport(kind RunKind) Report {
	return Report{
		RunID:   uuid.NewString(),
		Kind:    kind,
		Started: r.now(),
	}
}

// progress forwards copy progress to the notifier and the run metrics.
func (r *Runner) progress(n Notifier) pathsync.ProgressFunc {
	return func(pct float64) {
		r.metrics.SetProgress(pct)
		n.Progress(pct)
	}
}

// finishCopy derives the outcome of a completed copy and records it.
func (r *Runner) finishCopy(ctx context.Context, cfg config.Config, rep Report, n Notifier, doneMsg string) (Report, error) {
	detail := fmt.Sprintf("%d copied, %d up to date", rep.Copy.Copied, rep.Copy.UpToDate)
	if rep.Copy.Failed > 0 {
		rep.Outcome = history.PartialSuccess
		detail = fmt.Sprintf("%s, %d failed", detail, rep.Copy.Failed)
		n.Log(fmt.Sprintf("Backup completed with %d failed files.", rep.Copy.Failed))
	} else {
		rep.Outcome = history.Success
		n.Log(doneMsg)
	}

	rep, err := r.finish(ctx, cfg, rep, n, detail)
	if err != nil {
		return rep, err
	}
	n.History(fmt.Sprintf("Backup performed on %s to %s", rep.Started.Format(time.DateOnly), rep.BackupDir))
	return rep, nil
}

// finish records the outcome of rep in the history and the run metrics.
func (r *Runner) finish(ctx context.Context, cfg config.Config, rep Report, n Notifier, detail string) (Report, error) {
	rep.Duration = r.now().Sub(rep.Started)
	r.metrics.ObserveRun(rep.Kind, rep.Outcome, rep.Copy, rep.Duration)

	plog.Info("Run finished",
		"run_id", rep.RunID,
		"kind", rep.Kind,
		"outcome", rep.Outcome,
		"failed_files", rep.Copy.Failed,
		"duration", rep.Duration.Round(time.Millisecond))

	entry, err := r.store.Append(ctx, history.Entry{
		RunID:       rep.RunID,
		Timestamp:   rep.Started,
		Source:      cfg.Source,
		Destination: cfg.Destination,
		Status:      rep.Outcome,
		FailedFiles: rep.Copy.Failed,
		Detail:      detail,
	})
	if err != nil {
		n.Log(fmt.Sprintf("Failed to record history: %v", err))
		return rep, fmt.Errorf("failed to record history: %w", err)
	}
	rep.Entry = entry
	return rep, nil
}
