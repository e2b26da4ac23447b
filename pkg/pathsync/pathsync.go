// Package pathsync copies a source directory tree into a backup directory.
//
// Two modes are supported. A full copy writes every file. An incremental copy
// writes a file only when it is missing in the destination or its source
// modification time is strictly newer than the destination's. File identity
// is the relative path; no content is hashed.
package pathsync

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/config"
	"github.com/paulschiretz/pgl-autobackup/pkg/pool"
)

// Mode selects how the copy engine decides whether a file must be written.
type Mode int

const (
	Incremental Mode = iota
	Full
)

func (m Mode) String() string {
	switch m {
	case Incremental:
		return "incremental"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("unknown_mode(%d)", int(m))
	}
}

// ProgressFunc receives the completion percentage of a copy in [0, 100].
// Within a run the values never decrease and the last value is exactly 100.
type ProgressFunc func(pct float64)

// Result summarizes a copy run.
type Result struct {
	// Total is the number of files found by the counting pass.
	Total        int64
	Copied       int64
	UpToDate     int64
	Failed       int64
	BytesWritten int64
	// FailedPaths holds the relative paths of the files that could not be copied, sorted.
	FailedPaths []string
}

// PathSyncer orchestrates the copy process.
type PathSyncer struct {
	ioBufferPool     *pool.FixedBufferPool
	numWorkers       int
	metrics          bool
	progressInterval time.Duration
}

// NewPathSyncer creates a new PathSyncer with the given configuration.
func NewPathSyncer(cfg config.Config) *PathSyncer {
	workers := cfg.Engine.Performance.CopyWorkers
	if workers < 1 {
		workers = 1
	}
	return &PathSyncer{
		ioBufferPool:     pool.NewFixedBuffer(int64(cfg.Engine.Performance.BufferSizeKB) * 1024),
		numWorkers:       workers,
		metrics:          cfg.Engine.Metrics,
		progressInterval: cfg.ProgressInterval(),
	}
}

// FullBackup copies every file below src into dst.
func (s *PathSyncer) FullBackup(ctx context.Context, src, dst string, onProgress ProgressFunc) (Result, error) {
	return s.run(ctx, Full, src, dst, onProgress)
}

// IncrementalBackup copies the files below src that are missing in dst or
// whose modification time is strictly newer than their copy in dst.
func (s *PathSyncer) IncrementalBackup(ctx context.Context, src, dst string, onProgress ProgressFunc) (Result, error) {
	return s.run(ctx, Incremental, src, dst, onProgress)
}

func (s *PathSyncer) run(ctx context.Context, mode Mode, src, dst string, onProgress ProgressFunc) (Result, error) {
	// Check for cancellation before starting the heavy work.
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	var m Metrics
	if s.metrics {
		m = NewSyncMetrics()
	} else {
		m = &NoopMetrics{}
	}

	t := newCopyTask(ctx, mode, src, dst, s.numWorkers, s.ioBufferPool, m, onProgress)
	m.StartProgress("Copy progress", s.progressInterval)
	defer func() {
		m.StopProgress()
		m.LogSummary("Copy finished")
	}()
	return t.execute()
}
