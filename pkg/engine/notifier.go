package engine

import (
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

// Notifier receives the events of a backup run. Progress may be called from
// worker goroutines, but calls are serialized and the values never decrease.
type Notifier interface {
	// Progress reports the copy completion percentage in [0, 100].
	Progress(pct float64)
	// Log reports a human readable status line.
	Log(msg string)
	// History reports a one-line summary of a finished run.
	History(summary string)
}

// LogNotifier forwards all events to plog.
type LogNotifier struct{}

func (LogNotifier) Progress(pct float64) { plog.Debug("Progress", "percent", int(pct)) }
func (LogNotifier) Log(msg string)       { plog.Info(msg) }
func (LogNotifier) History(summary string) {
	plog.Notice("HISTORY", "summary", summary)
}

// NoopNotifier discards all events.
type NoopNotifier struct{}

func (NoopNotifier) Progress(pct float64)   {}
func (NoopNotifier) Log(msg string)         {}
func (NoopNotifier) History(summary string) {}

// MultiNotifier fans every event out to each of its notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Progress(pct float64) {
	for _, n := range m {
		n.Progress(pct)
	}
}

func (m MultiNotifier) Log(msg string) {
	for _, n := range m {
		n.Log(msg)
	}
}

func (m MultiNotifier) History(summary string) {
	for _, n := range m {
		n.History(summary)
	}
}

var (
	_ Notifier = LogNotifier{}
	_ Notifier = NoopNotifier{}
	_ Notifier = MultiNotifier{}
)
