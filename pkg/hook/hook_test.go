package hook

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is a helper for testing exec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	fields := strings.Fields(strings.Join(args, " "))
	if len(fields) == 0 {
		os.Exit(0)
	}
	switch fields[0] {
	case "fail":
		os.Exit(1)
	case "sleep":
		time.Sleep(10 * time.Second)
	case "record":
		line := os.Getenv(EnvEvent) + "|" + os.Getenv(EnvMessage) + "\n"
		f, err := os.OpenFile(fields[1], os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			os.Exit(2)
		}
		_, _ = f.WriteString(line)
		_ = f.Close()
	}
	os.Exit(0)
}

func mockCommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd {
	// The command line follows "-c" on Unix and "/C" on Windows.
	var cmdLine string
	if len(arg) > 1 && (arg[0] == "/C" || arg[0] == "-c") {
		cmdLine = strings.Join(arg[1:], " ")
	} else {
		cmdLine = name + " " + strings.Join(arg, " ")
	}

	cs := []string{"-test.run=TestHelperProcess", "--", cmdLine}
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

func readRecords(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestExecutor_Run(t *testing.T) {
	t.Run("Passes Event And Message", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "record.txt")
		e := NewExecutor(mockCommandContext)

		err := e.Run(t.Context(), []string{"record " + out}, EventHistory, "Backup performed on 2024-05-01")
		require.NoError(t, err)
		assert.Equal(t, []string{"history|Backup performed on 2024-05-01"}, readRecords(t, out))
	})

	t.Run("Nothing To Execute", func(t *testing.T) {
		err := NewExecutor(mockCommandContext).Run(t.Context(), nil, EventLog, "msg")
		assert.ErrorIs(t, err, ErrNothingToExecute)
	})

	t.Run("Failure Does Not Stop Remaining Commands", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "record.txt")
		e := NewExecutor(mockCommandContext)

		err := e.Run(t.Context(), []string{"fail first", "record " + out}, EventLog, "after failure")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "command 'fail first' failed")
		assert.Equal(t, []string{"log|after failure"}, readRecords(t, out))
	})

	t.Run("Timeout", func(t *testing.T) {
		e := NewExecutor(mockCommandContext)
		e.timeout = 100 * time.Millisecond

		start := time.Now()
		err := e.Run(t.Context(), []string{"sleep"}, EventLog, "slow")
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("Cancelled Context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		err := NewExecutor(mockCommandContext).Run(ctx, []string{"record x"}, EventLog, "msg")
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestNotifier(t *testing.T) {
	out := filepath.Join(t.TempDir(), "record.txt")
	commands := []string{"record " + out}
	n := NewNotifier(t.Context(), NewExecutor(mockCommandContext), func() []string { return commands })

	n.Progress(50)
	n.Log("Source not found: /src")
	n.History("Backup performed on 2024-05-01 to /dst/backup_x")

	assert.Equal(t, []string{
		"log|Source not found: /src",
		"history|Backup performed on 2024-05-01 to /dst/backup_x",
	}, readRecords(t, out))

	t.Run("No Commands Configured", func(t *testing.T) {
		n := NewNotifier(t.Context(), NewExecutor(mockCommandContext), func() []string { return nil })
		assert.NotPanics(t, func() {
			n.Log("ignored")
			n.History("ignored")
		})
	})
}
