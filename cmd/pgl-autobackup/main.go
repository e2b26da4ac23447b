package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-autobackup/cmd"
	"github.com/paulschiretz/pgl-autobackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-autobackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if quiet, ok := flagMap["quiet"].(bool); ok {
		plog.SetQuiet(quiet)
	}

	switch command {
	case flagparse.None:
		return nil
	case flagparse.Version:
		return cmd.RunVersion(buildinfo.Name, buildinfo.Version)
	}

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "command", command, "pid", os.Getpid())

	switch command {
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Run:
		return cmd.RunDaemon(ctx, flagMap)
	case flagparse.Backup:
		return cmd.RunBackup(ctx, flagMap)
	case flagparse.Full:
		return cmd.RunFull(ctx, flagMap)
	case flagparse.Prune:
		return cmd.RunPrune(ctx, flagMap)
	case flagparse.History:
		return cmd.RunHistory(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// Set up a context that is canceled when an interrupt or termination signal is received.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
