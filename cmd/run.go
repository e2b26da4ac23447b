package cmd

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-autobackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-autobackup/pkg/config"
	"github.com/paulschiretz/pgl-autobackup/pkg/engine"
	"github.com/paulschiretz/pgl-autobackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-autobackup/pkg/history"
	"github.com/paulschiretz/pgl-autobackup/pkg/hook"
	"github.com/paulschiretz/pgl-autobackup/pkg/metrics"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
	"github.com/paulschiretz/pgl-autobackup/pkg/scheduler"
)

// RunDaemon handles the logic for the 'run' command. It registers the daily,
// interval and cron triggers and blocks until ctx is cancelled. Changes to the
// configuration file are picked up without a restart.
func RunDaemon(ctx context.Context, flagMap map[string]interface{}) error {
	configPath, runConfig, err := loadRunConfig(flagparse.Run, flagMap)
	if err != nil {
		return err
	}
	if err := applyLogging(runConfig); err != nil {
		return err
	}
	defer plog.CloseLogFile()

	runConfig.LogSummary()

	lock, err := acquireDaemonLock(ctx, configPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := history.OpenSQLite(ctx, runConfig.HistoryPath(configPath))
	if err != nil {
		return err
	}
	defer store.Close()

	collector := metrics.NewCollector()
	runner := engine.NewRunner(store, collector)
	live := config.NewLive(runConfig)
	notifier := engine.MultiNotifier{
		engine.LogNotifier{},
		hook.NewNotifier(ctx, hook.NewExecutor(nil), func() []string { return live.Get().NotifyCommands }),
	}

	daily := func(ctx context.Context) {
		if _, err := runner.DailyBackupRun(ctx, live.Get(), notifier); err != nil && ctx.Err() == nil {
			plog.Error("Daily backup failed", "error", err)
		}
	}
	full := func(ctx context.Context) {
		if _, err := runner.FullBackupRun(ctx, live.Get(), notifier); err != nil && ctx.Err() == nil {
			plog.Error("Full backup failed", "error", err)
		}
	}

	sched := scheduler.New(ctx)
	defer sched.Stop()

	sched.RegisterDaily(live, daily)
	sched.RegisterInterval(live, full)
	if err := sched.RegisterCron(runConfig.Cron, daily); err != nil {
		return err
	}

	onChange := func(old, updated config.Config) {
		plog.SetLevel(plog.LevelFromString(updated.LogLevel))
		if old.LogFile != updated.LogFile {
			if err := applyLogging(updated); err != nil {
				plog.Warn("Failed to reopen log file", "error", err)
			}
		}
		if old.Cron != updated.Cron {
			if err := sched.RegisterCron(updated.Cron, daily); err != nil {
				plog.Warn("Keeping previous cron trigger", "cron", old.Cron, "error", err)
			}
		}
		if old.MetricsListen != updated.MetricsListen || old.HistoryDB != updated.HistoryDB {
			plog.Warn("Changes to metricsListen and historyDB take effect after a restart")
		}
		updated.LogSummary()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return config.Watch(gctx, configPath, live, onChange)
	})
	if runConfig.MetricsListen != "" {
		g.Go(func() error {
			return collector.Serve(gctx, runConfig.MetricsListen)
		})
	}

	plog.Info(buildinfo.Name+" scheduler started",
		"config", configPath,
		"time", runConfig.Time,
		"interval_days", runConfig.IntervalDays,
		"cron", runConfig.Cron)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("scheduler stopped: %w", err)
	}
	plog.Info(buildinfo.Name + " scheduler stopped.")
	return nil
}
