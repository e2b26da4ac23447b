package pathsync

// The copy engine uses a producer-consumer pipeline.
//
// 1. A counting pass walks the source once to learn the number of files, which
//    is the denominator of the progress percentage.
// 2. The producer (`itemProducer`) walks the source again and sends a copyItem
//    for every directory, regular file and symlink to the items channel. Links
//    to regular files are sent as the file they point to.
// 3. A pool of workers (`copyWorker`) performs the I/O. Directories are created
//    on demand; a singleflight group makes sure only one worker creates a given
//    directory while the others wait for its result.
//
// All directories and files created in the destination get the owner-write
// bit so the backup user is never locked out of its own backups.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
	"github.com/paulschiretz/pgl-autobackup/pkg/pool"
	"github.com/paulschiretz/pgl-autobackup/pkg/util"
)

// copyItem holds the metadata a worker needs to process an entry without
// re-fetching filesystem stats.
type copyItem struct {
	RelPath   string // OS-native path relative to the source root.
	Mode      os.FileMode
	ModTime   time.Time
	Size      int64
	IsDir     bool
	IsSymlink bool
}

type copyTask struct {
	ctx  context.Context
	mode Mode

	src, trg   string
	numWorkers int

	ioBufferPool *pool.FixedBufferPool
	metrics      Metrics
	progress     *progressTracker
	onProgress   ProgressFunc

	total        int64
	copied       *xsync.Counter
	upToDate     *xsync.Counter
	bytesWritten *xsync.Counter

	// failed maps the relative path of every file that could not be copied to its error.
	failed *xsync.Map[string, error]

	// srcDirModes is filled by the producer before any child of a directory is sent,
	// so workers can create parents with the source permissions without an Lstat.
	srcDirModes *xsync.Map[string, os.FileMode]

	// createdDirs tracks directories that already exist in the destination.
	createdDirs *xsync.Map[string, struct{}]
	dirSFGroup  singleflight.Group

	wg      sync.WaitGroup
	items   chan copyItem
	walkErr error
}

func newCopyTask(ctx context.Context, mode Mode, src, trg string, numWorkers int, ioBufferPool *pool.FixedBufferPool, metrics Metrics, onProgress ProgressFunc) *copyTask {
	return &copyTask{
		ctx:          ctx,
		mode:         mode,
		src:          src,
		trg:          trg,
		numWorkers:   numWorkers,
		ioBufferPool: ioBufferPool,
		metrics:      metrics,
		onProgress:   onProgress,
		copied:       xsync.NewCounter(),
		upToDate:     xsync.NewCounter(),
		bytesWritten: xsync.NewCounter(),
		failed:       xsync.NewMap[string, error](),
		srcDirModes:  xsync.NewMap[string, os.FileMode](),
		createdDirs:  xsync.NewMap[string, struct{}](),
		items:        make(chan copyItem, numWorkers*4),
	}
}

// countFiles returns the number of regular files and symlinks below root.
// Unreadable entries are skipped. A missing root counts as an empty tree.
func countFiles(ctx context.Context, root string) (int64, error) {
	var n int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() || d.Type()&fs.ModeSymlink != 0 {
			n++
		}
		return nil
	})
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return n, err
	}
	return n, nil
}

func (t *copyTask) execute() (Result, error) {
	// WalkDir does not follow a symlinked root.
	t.src = util.ResolveRoot(t.src)

	plog.Debug("Counting source files", "source", t.src)
	total, err := countFiles(t.ctx, t.src)
	if err != nil {
		return Result{}, err
	}
	t.total = total
	t.progress = newProgressTracker(total, t.onProgress)

	if total == 0 {
		plog.Info("Nothing to copy", "source", t.src)
		t.progress.finish()
		return Result{}, nil
	}

	plog.Notice("CPY", "mode", t.mode, "from", t.src, "to", t.trg, "files", total)

	// The target root is created up front; every other directory on demand.
	if err := os.MkdirAll(t.trg, util.UserWritableDirPerms); err != nil {
		return Result{}, fmt.Errorf("failed to create target directory %s: %w", t.trg, err)
	}
	t.createdDirs.Store(".", struct{}{})

	// 1. Start copyWorkers (Consumers).
	for range t.numWorkers {
		t.wg.Add(1)
		go t.copyWorker()
	}

	// 2. Start the itemProducer (Producer).
	// It closes the items channel when the walk is complete.
	walkDone := make(chan struct{})
	go func() {
		defer close(walkDone)
		t.itemProducer()
	}()

	// 3. Wait for all workers to finish processing all items.
	t.wg.Wait()
	<-walkDone

	res := t.result()
	if err := t.ctx.Err(); err != nil {
		return res, err
	}
	if t.walkErr != nil {
		return res, t.walkErr
	}

	if res.Failed > 0 {
		plog.Warn("Some files could not be copied", "failed", res.Failed, "total", res.Total)
	}
	t.progress.finish()
	return res, nil
}

func (t *copyTask) result() Result {
	res := Result{
		Total:        t.total,
		Copied:       t.copied.Value(),
		UpToDate:     t.upToDate.Value(),
		BytesWritten: t.bytesWritten.Value(),
	}
	t.failed.Range(func(path string, _ error) bool {
		res.FailedPaths = append(res.FailedPaths, path)
		return true
	})
	slices.Sort(res.FailedPaths)
	res.Failed = int64(len(res.FailedPaths))
	return res
}

func (t *copyTask) itemProducer() {
	defer close(t.items) // Signal copyWorkers to stop when the walk is complete.

	err := filepath.WalkDir(t.src, func(absSrcPath string, d fs.DirEntry, err error) error {
		if err != nil {
			// A missing or unreadable source root is an empty tree. The counting
			// pass already reported zero files in that case.
			if absSrcPath == t.src {
				return fmt.Errorf("source root is unreadable: %w", err)
			}
			plog.Warn("SKIP", "reason", "error accessing path", "path", absSrcPath, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if absSrcPath == t.src {
			return nil
		}

		relPath, err := filepath.Rel(t.src, absSrcPath)
		if err != nil {
			return fmt.Errorf("could not get relative path for %s: %w", absSrcPath, err)
		}

		t.metrics.AddEntriesProcessed(1)

		typ := d.Type()
		isDir := d.IsDir()
		isSymlink := typ&fs.ModeSymlink != 0
		if !isDir && !typ.IsRegular() && !isSymlink {
			// Named pipes, sockets and devices are not copied.
			plog.Notice("SKIP", "type", typ.String(), "path", relPath)
			return nil
		}

		// WalkDir gives us a DirEntry. Fetching the FileInfo here saves the worker an Lstat.
		info, err := d.Info()
		if err != nil {
			if isDir {
				plog.Warn("SKIP", "reason", "failed to get directory info", "path", relPath, "error", err)
				return filepath.SkipDir
			}
			t.recordFailure(relPath, fmt.Errorf("failed to get file info: %w", err))
			t.progress.step()
			return nil
		}

		if isSymlink {
			if target, statErr := os.Stat(absSrcPath); statErr == nil && target.Mode().IsRegular() {
				info = target
				isSymlink = false
			}
		}

		item := copyItem{
			RelPath:   relPath,
			Mode:      info.Mode(),
			ModTime:   info.ModTime(),
			Size:      info.Size(),
			IsDir:     isDir,
			IsSymlink: isSymlink,
		}
		if isDir {
			t.srcDirModes.Store(relPath, info.Mode())
		}

		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case t.items <- item:
			return nil
		}
	})

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.walkErr = fmt.Errorf("copy producer failed: %w", err)
	}
}

func (t *copyTask) copyWorker() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case item, ok := <-t.items:
			if !ok {
				// Channel closed by the producer, work is done.
				return
			}
			if item.IsDir {
				if err := t.ensureDir(item.RelPath); err != nil {
					plog.Warn("Failed to create directory", "path", item.RelPath, "error", err)
				}
				continue
			}
			t.processFile(item)
		}
	}
}

// ensureDir creates the destination directory for relPath and its parents.
func (t *copyTask) ensureDir(relPath string) error {
	// FAST PATH: Check the cache first.
	if _, ok := t.createdDirs.Load(relPath); ok {
		return nil
	}

	_, err, _ := t.dirSFGroup.Do(relPath, func() (any, error) {
		// Re-check inside the flight; another flight may have finished in between.
		if _, ok := t.createdDirs.Load(relPath); ok {
			return nil, nil
		}

		if parent := filepath.Dir(relPath); parent != "." {
			if err := t.ensureDir(parent); err != nil {
				return nil, err
			}
		}

		perm := util.UserWritableDirPerms
		if mode, ok := t.srcDirModes.Load(relPath); ok {
			perm = util.WithUserExecutePermission(util.WithUserWritePermission(mode.Perm()))
		}

		absTrgPath := filepath.Join(t.trg, relPath)
		err := os.Mkdir(absTrgPath, perm)
		switch {
		case err == nil:
			// Mkdir is subject to the umask; apply the exact permissions.
			if err := os.Chmod(absTrgPath, perm); err != nil {
				return nil, fmt.Errorf("failed to set permissions on %s: %w", absTrgPath, err)
			}
			t.metrics.AddDirsCreated(1)
		case errors.Is(err, fs.ErrExist):
			info, statErr := os.Lstat(absTrgPath)
			if statErr != nil {
				return nil, statErr
			}
			if !info.IsDir() {
				return nil, fmt.Errorf("destination path %s exists but is not a directory", absTrgPath)
			}
		default:
			return nil, fmt.Errorf("failed to create directory %s: %w", absTrgPath, err)
		}

		t.createdDirs.Store(relPath, struct{}{})
		return nil, nil
	})
	return err
}

// processFile copies a single file or symlink and reports its completion to the
// progress tracker, whatever the outcome.
func (t *copyTask) processFile(item copyItem) {
	defer t.progress.step()

	if err := t.ensureDir(filepath.Dir(item.RelPath)); err != nil {
		t.recordFailure(item.RelPath, fmt.Errorf("failed to ensure parent directory exists: %w", err))
		return
	}

	absSrcPath := filepath.Join(t.src, item.RelPath)
	absTrgPath := filepath.Join(t.trg, item.RelPath)

	if t.mode == Incremental && t.isUpToDate(item, absTrgPath) {
		t.upToDate.Inc()
		t.metrics.AddFilesUpToDate(1)
		plog.Debug("Up to date", "path", item.RelPath)
		return
	}

	var err error
	var n int64
	if item.IsSymlink {
		err = t.copySymlink(absSrcPath, absTrgPath)
	} else {
		n, err = t.copyFile(absSrcPath, absTrgPath, item)
	}
	if err != nil {
		t.recordFailure(item.RelPath, err)
		return
	}

	t.copied.Inc()
	t.bytesWritten.Add(n)
	t.metrics.AddFilesCopied(1)
	t.metrics.AddBytesWritten(n)
	plog.Notice("COPY", "path", item.RelPath)
}

// isUpToDate reports whether the destination holds a copy that is not older than the source.
func (t *copyTask) isUpToDate(item copyItem, absTrgPath string) bool {
	info, err := os.Lstat(absTrgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			plog.Debug("Cannot stat destination, copying", "path", absTrgPath, "error", err)
		}
		return false
	}
	if (info.Mode()&fs.ModeSymlink != 0) != item.IsSymlink {
		return false
	}
	return !item.ModTime.After(info.ModTime())
}

func (t *copyTask) recordFailure(relPath string, err error) {
	t.failed.Store(relPath, err)
	t.metrics.AddFilesFailed(1)
	plog.Warn("Copy failed for path; skipping", "path", relPath, "error", err)
}

func (t *copyTask) copyFile(absSrcPath, absTrgPath string, item copyItem) (int64, error) {
	in, err := os.Open(absSrcPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file %s: %w", absSrcPath, err)
	}
	defer in.Close()

	// A link left at the destination must not be written through.
	if info, err := os.Lstat(absTrgPath); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		if err := os.Remove(absTrgPath); err != nil {
			return 0, fmt.Errorf("failed to replace symlink %s: %w", absTrgPath, err)
		}
	}

	// Open destination file directly. os.O_TRUNC will clear the file if it exists.
	// The permissions from the source file are used, with the user-write bit always set.
	perm := util.WithUserWritePermission(item.Mode.Perm())
	out, err := os.OpenFile(absTrgPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, fmt.Errorf("failed to open destination file %s: %w", absTrgPath, err)
	}
	defer out.Close() // Ensure closed on error.

	// Explicitly set permissions to ensure they match source even if file existed.
	if err := out.Chmod(perm); err != nil {
		return 0, fmt.Errorf("failed to set permissions on destination file %s: %w", absTrgPath, err)
	}

	// Pre-allocate file size to reduce fragmentation.
	if item.Size > 0 {
		_ = out.Truncate(item.Size)
	}

	bufPtr := t.ioBufferPool.Get()
	defer t.ioBufferPool.Put(bufPtr)

	n, err := io.CopyBuffer(out, in, *bufPtr)
	if err != nil {
		return n, fmt.Errorf("failed to copy content from %s to %s: %w", absSrcPath, absTrgPath, err)
	}
	// The source may have shrunk since it was listed.
	if n < item.Size {
		if err := out.Truncate(n); err != nil {
			return n, fmt.Errorf("failed to truncate %s: %w", absTrgPath, err)
		}
	}

	// Close the file to flush data to disk before setting timestamps.
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("failed to close destination file %s: %w", absTrgPath, err)
	}

	if err := os.Chtimes(absTrgPath, item.ModTime, item.ModTime); err != nil {
		return n, fmt.Errorf("failed to set timestamps on %s: %w", absTrgPath, err)
	}
	return n, nil
}

// copySymlink recreates a link to a directory or a dangling link as a link.
func (t *copyTask) copySymlink(absSrcPath, absTrgPath string) error {
	target, err := os.Readlink(absSrcPath)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", absSrcPath, err)
	}
	if err := os.Remove(absTrgPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to replace %s: %w", absTrgPath, err)
	}
	if err := os.Symlink(target, absTrgPath); err != nil {
		return fmt.Errorf("failed to create symlink %s: %w", absTrgPath, err)
	}
	return nil
}
