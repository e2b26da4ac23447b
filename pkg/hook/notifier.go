package hook

import (
	"context"

	"github.com/paulschiretz/pgl-autobackup/pkg/engine"
)

// Notifier runs hook commands for log and history notifications. Progress
// updates are ignored.
type Notifier struct {
	ctx      context.Context
	exec     *Executor
	commands func() []string
}

// NewNotifier creates a Notifier. commands is read on every notification so
// a reloaded configuration applies to the next event.
func NewNotifier(ctx context.Context, exec *Executor, commands func() []string) *Notifier {
	return &Notifier{ctx: ctx, exec: exec, commands: commands}
}

func (n *Notifier) Progress(pct float64) {}

func (n *Notifier) Log(msg string) { n.run(EventLog, msg) }

func (n *Notifier) History(summary string) { n.run(EventHistory, summary) }

// run never fails the backup. Command failures are logged by the executor.
func (n *Notifier) run(event Event, message string) {
	_ = n.exec.Run(n.ctx, n.commands(), event, message)
}

var _ engine.Notifier = (*Notifier)(nil)
