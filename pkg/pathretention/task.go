package pathretention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

// deleteJob is a single deletion handed to the worker pool.
type deleteJob struct {
	absPath string
	isDir   bool
	done    func()
}

// task holds the mutable state for a single execution of the retainer.
// This makes the PathRetainer itself stateless and safe for concurrent use.
type task struct {
	ctx         context.Context
	absBasePath string
	cutoff      time.Time
	excluded    map[string]struct{}

	numWorkers int
	metrics    Metrics

	filesDeleted atomic.Int64
	dirsDeleted  atomic.Int64
	failed       atomic.Int64

	deleteJobs chan deleteJob
	deleteWg   sync.WaitGroup
}

// execute runs the retention logic.
func (t *task) execute() (Result, error) {
	if _, err := os.Stat(t.absBasePath); err != nil {
		if os.IsNotExist(err) {
			plog.Debug("Destination does not exist yet, nothing to prune", "path", t.absBasePath)
			return Result{}, nil
		}
		return Result{}, err
	}

	// Start workers
	for range t.numWorkers {
		t.deleteWg.Add(1)
		go t.deleteWorker()
	}

	err := t.pruneDir(t.absBasePath, true)

	close(t.deleteJobs)
	t.deleteWg.Wait()

	res := Result{
		FilesDeleted: t.filesDeleted.Load(),
		DirsDeleted:  t.dirsDeleted.Load(),
		Failed:       t.failed.Load(),
	}
	if ctxErr := t.ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, err
}

// pruneDir processes one directory bottom-up. Deletions of a level are
// complete before pruneDir returns, so the caller observes the resulting
// directory mtime when it judges this directory.
func (t *task) pruneDir(absDir string, isRoot bool) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		if isRoot {
			return fmt.Errorf("cannot read destination root: %w", err)
		}
		t.failed.Add(1)
		t.metrics.AddFailed(1)
		plog.Warn("SKIP", "reason", "cannot read directory", "path", absDir, "error", err)
		return nil
	}

	// 1. Descend first.
	var subdirs []string
	for _, e := range entries {
		if e.IsDir() {
			absSub := filepath.Join(absDir, e.Name())
			if t.isExcluded(absSub) {
				plog.Debug("Keeping excluded directory", "path", absSub)
				continue
			}
			subdirs = append(subdirs, absSub)
			if err := t.pruneDir(absSub, false); err != nil {
				return err
			}
		}
	}

	var batch sync.WaitGroup

	// 2. Old files (and symlinks, which are never followed) of this directory.
	for _, e := range entries {
		if e.IsDir() || t.isExcluded(filepath.Join(absDir, e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				t.failed.Add(1)
				t.metrics.AddFailed(1)
				plog.Warn("SKIP", "reason", "cannot stat file", "path", filepath.Join(absDir, e.Name()), "error", err)
			}
			continue
		}
		if info.ModTime().Before(t.cutoff) {
			if !t.submit(deleteJob{absPath: filepath.Join(absDir, e.Name())}, &batch) {
				break
			}
		}
	}

	// 3. Direct subdirectories judged by their own, current mtime.
	for _, absSub := range subdirs {
		info, err := os.Lstat(absSub)
		if err != nil {
			if !os.IsNotExist(err) {
				t.failed.Add(1)
				t.metrics.AddFailed(1)
				plog.Warn("SKIP", "reason", "cannot stat directory", "path", absSub, "error", err)
			}
			continue
		}
		if info.ModTime().Before(t.cutoff) {
			if !t.submit(deleteJob{absPath: absSub, isDir: true}, &batch) {
				break
			}
		}
	}

	batch.Wait()
	return t.ctx.Err()
}

func (t *task) isExcluded(absPath string) bool {
	_, ok := t.excluded[filepath.Clean(absPath)]
	return ok
}

// submit hands a job to the worker pool. It returns false if the context was cancelled.
func (t *task) submit(job deleteJob, batch *sync.WaitGroup) bool {
	batch.Add(1)
	job.done = batch.Done
	select {
	case <-t.ctx.Done():
		batch.Done()
		return false
	case t.deleteJobs <- job:
		return true
	}
}

// deleteWorker consumes jobs from the channel and deletes the paths.
func (t *task) deleteWorker() {
	defer t.deleteWg.Done()
	for job := range t.deleteJobs {
		t.delete(job)
		job.done()
	}
}

func (t *task) delete(job deleteJob) {
	var err error
	if job.isDir {
		err = os.RemoveAll(job.absPath)
	} else {
		err = os.Remove(job.absPath)
	}
	if err != nil && !os.IsNotExist(err) {
		t.failed.Add(1)
		t.metrics.AddFailed(1)
		plog.Warn("Failed to delete outdated entry", "path", job.absPath, "error", err)
		return
	}

	plog.Notice("DELETE", "path", job.absPath)
	if job.isDir {
		t.dirsDeleted.Add(1)
		t.metrics.AddDirsDeleted(1)
	} else {
		t.filesDeleted.Add(1)
		t.metrics.AddFilesDeleted(1)
	}
}
