// Package hook runs user configured shell commands for backup notifications,
// for example to show a desktop notification or send a mail.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

// Environment variables set for every hook command.
const (
	EnvEvent   = "PGL_AUTOBACKUP_EVENT"
	EnvMessage = "PGL_AUTOBACKUP_MESSAGE"
)

// DefaultTimeout bounds a single hook command.
const DefaultTimeout = time.Minute

// Event names the notification that triggered a hook.
type Event string

const (
	EventLog     Event = "log"
	EventHistory Event = "history"
)

var ErrNothingToExecute = errors.New("nothing to execute")

type Executor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	timeout        time.Duration
}

// NewExecutor creates an Executor. A nil commandContext uses exec.CommandContext.
func NewExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Executor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Executor{
		commandContext: commandContext,
		timeout:        DefaultTimeout,
	}
}

// Run executes commands one after another through the system shell. A failing
// command does not stop the remaining ones; all failures are returned joined.
func (e *Executor) Run(ctx context.Context, commands []string, event Event, message string) error {
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	var errs []error
	for _, hookCommand := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		plog.Debug("Executing hook command", "command", hookCommand, "event", event)

		if err := e.runOne(ctx, hookCommand, event, message); err != nil {
			// Check if the context was canceled, which can cause cmd.Wait() to return an error.
			// If so, we should return the context's error to be more specific.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			plog.Warn("Hook command failed", "command", hookCommand, "error", err)
			errs = append(errs, fmt.Errorf("command '%s' failed: %w", hookCommand, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) runOne(ctx context.Context, hookCommand string, event Event, message string) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := e.createCommand(ctx, hookCommand)
	cmd.Env = append(cmd.Environ(), EnvEvent+"="+string(event), EnvMessage+"="+message)

	// Pipe output to our own streams for visibility
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
