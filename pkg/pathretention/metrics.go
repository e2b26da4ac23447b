package pathretention

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

// Metrics defines the interface for collecting and reporting retention statistics.
type Metrics interface {
	AddFilesDeleted(n int64)
	AddDirsDeleted(n int64)
	AddFailed(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// RetentionMetrics holds the atomic counters for tracking the retention operation's progress.
type RetentionMetrics struct {
	FilesDeleted atomic.Int64
	DirsDeleted  atomic.Int64
	Failed       atomic.Int64

	stopChan chan struct{}
}

func (m *RetentionMetrics) AddFilesDeleted(n int64) { m.FilesDeleted.Add(n) }
func (m *RetentionMetrics) AddDirsDeleted(n int64)  { m.DirsDeleted.Add(n) }
func (m *RetentionMetrics) AddFailed(n int64)       { m.Failed.Add(n) }

func (m *RetentionMetrics) StartProgress(msg string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	m.stopChan = stop
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

func (m *RetentionMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

func (m *RetentionMetrics) LogSummary(msg string) {
	plog.Info(msg,
		"files_deleted", m.FilesDeleted.Load(),
		"dirs_deleted", m.DirsDeleted.Load(),
		"failed", m.Failed.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesDeleted(n int64)                          {}
func (m *NoopMetrics) AddDirsDeleted(n int64)                           {}
func (m *NoopMetrics) AddFailed(n int64)                                {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*RetentionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
