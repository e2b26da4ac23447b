package engine

import (
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/history"
	"github.com/paulschiretz/pgl-autobackup/pkg/pathretention"
	"github.com/paulschiretz/pgl-autobackup/pkg/pathsync"
)

// RunMetrics collects process-wide statistics across runs.
type RunMetrics interface {
	// ObserveRun records a finished run.
	ObserveRun(kind RunKind, outcome history.Outcome, copied pathsync.Result, duration time.Duration)
	// SetProgress reports the progress of the current run.
	SetProgress(pct float64)
	// ObservePrune records a finished prune.
	ObservePrune(res pathretention.Result)
}

// NoopRunMetrics is a RunMetrics that records nothing.
type NoopRunMetrics struct{}

func (NoopRunMetrics) ObserveRun(RunKind, history.Outcome, pathsync.Result, time.Duration) {}
func (NoopRunMetrics) SetProgress(float64)                                                 {}
func (NoopRunMetrics) ObservePrune(pathretention.Result)                                   {}

var _ RunMetrics = NoopRunMetrics{}
