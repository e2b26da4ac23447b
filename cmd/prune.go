package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-autobackup/pkg/engine"
	"github.com/paulschiretz/pgl-autobackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

// RunPrune handles the logic for the prune command.
func RunPrune(ctx context.Context, flagMap map[string]interface{}) error {
	_, runConfig, err := loadRunConfig(flagparse.Prune, flagMap)
	if err != nil {
		return err
	}
	if err := applyLogging(runConfig); err != nil {
		return err
	}
	defer plog.CloseLogFile()

	runConfig.LogSummary()

	if !boolFlag(flagMap, "force") {
		fmt.Printf("This operation will permanently delete everything older than %d days below:\n", runConfig.RetentionDays)
		fmt.Printf("  %s\n", runConfig.Destination)
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " prune operation canceled.")
			return nil
		}
	}

	// Prune runs are not backups and are not recorded in the history.
	runner := engine.NewRunner(nil, nil)

	startTime := time.Now()
	res, err := runner.PruneRun(ctx, runConfig)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		plog.Warn(buildinfo.Name+" prune finished with failures.", "failed", res.Failed, "duration", duration)
		return nil
	}
	plog.Info(buildinfo.Name+" prune finished successfully.", "duration", duration)
	return nil
}
