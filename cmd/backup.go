package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-autobackup/pkg/engine"
	"github.com/paulschiretz/pgl-autobackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-autobackup/pkg/history"
	"github.com/paulschiretz/pgl-autobackup/pkg/hook"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

// RunBackup handles the logic for the 'backup' command: one daily run now.
func RunBackup(ctx context.Context, flagMap map[string]interface{}) error {
	return runOnce(ctx, flagparse.Backup, flagMap)
}

// RunFull handles the logic for the 'full' command: one full run now.
func RunFull(ctx context.Context, flagMap map[string]interface{}) error {
	return runOnce(ctx, flagparse.Full, flagMap)
}

func runOnce(ctx context.Context, command flagparse.Command, flagMap map[string]interface{}) error {
	configPath, runConfig, err := loadRunConfig(command, flagMap)
	if err != nil {
		return err
	}
	if err := applyLogging(runConfig); err != nil {
		return err
	}
	defer plog.CloseLogFile()

	runConfig.LogSummary()

	store, err := history.OpenSQLite(ctx, runConfig.HistoryPath(configPath))
	if err != nil {
		return err
	}
	defer store.Close()

	runner := engine.NewRunner(store, nil)
	notifier := engine.MultiNotifier{
		engine.LogNotifier{},
		hook.NewNotifier(ctx, hook.NewExecutor(nil), func() []string { return runConfig.NotifyCommands }),
	}

	startTime := time.Now()
	var report engine.Report
	if command == flagparse.Full {
		report, err = runner.FullBackupRun(ctx, runConfig, notifier)
	} else {
		report, err = runner.DailyBackupRun(ctx, runConfig, notifier)
	}
	if err != nil {
		return err
	}
	duration := time.Since(startTime).Round(time.Millisecond)

	switch report.Outcome {
	case history.Success:
		plog.Info(buildinfo.Name+" "+command.String()+" finished successfully.", "backup_dir", report.BackupDir, "duration", duration)
		return nil
	case history.PartialSuccess:
		plog.Warn(buildinfo.Name+" "+command.String()+" finished with failed files.",
			"backup_dir", report.BackupDir,
			"failed_files", report.Copy.Failed,
			"duration", duration)
		return nil
	default:
		return fmt.Errorf("%s did not run: %s", command, report.Outcome)
	}
}
