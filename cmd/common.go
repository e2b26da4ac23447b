package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/paulschiretz/pgl-autobackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-autobackup/pkg/config"
	"github.com/paulschiretz/pgl-autobackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-autobackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
	"github.com/paulschiretz/pgl-autobackup/pkg/util"
)

// resolveConfigPath returns the absolute path given with -config, or the
// per-user default location.
func resolveConfigPath(flagMap map[string]any) (string, error) {
	if p, ok := flagMap["config"].(string); ok && p != "" {
		return util.ExpandedAbsPath(p)
	}
	return config.DefaultConfigPath()
}

// loadRunConfig loads the configuration file, overlays the flags set for
// command and validates the result.
func loadRunConfig(command flagparse.Command, flagMap map[string]any) (string, config.Config, error) {
	configPath, err := resolveConfigPath(flagMap)
	if err != nil {
		return "", config.Config{}, err
	}

	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return "", config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return "", config.Config{}, fmt.Errorf("invalid configuration %s: %w", configPath, err)
	}
	return configPath, runConfig, nil
}

// applyLogging sets the log level and the optional log file of cfg.
func applyLogging(cfg config.Config) error {
	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))

	logPath := cfg.LogFile.Path
	if logPath != "" {
		var err error
		if logPath, err = util.ExpandedAbsPath(logPath); err != nil {
			return fmt.Errorf("invalid log file path: %w", err)
		}
	}
	return plog.SetLogFile(plog.FileConfig{
		Path:       logPath,
		MaxSizeMB:  cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAgeDays: cfg.LogFile.MaxAgeDays,
		Compress:   cfg.LogFile.Compress,
	})
}

// acquireDaemonLock ensures that only one scheduler runs for the
// configuration at configPath. One-shot commands do not take it: each run
// writes into its own new backup directory.
func acquireDaemonLock(ctx context.Context, configPath string) (*lockfile.Lock, error) {
	appID := fmt.Sprintf("%s-%s:%s", buildinfo.Name, flagparse.Run, configPath)
	lock, err := lockfile.Acquire(ctx, filepath.Dir(configPath), appID)
	if err != nil {
		var active *lockfile.ErrLockActive
		if errors.As(err, &active) {
			return nil, fmt.Errorf("another scheduler is already running for %s: %w", configPath, err)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return lock, nil
}

func boolFlag(flagMap map[string]any, name string) bool {
	v, ok := flagMap[name].(bool)
	return ok && v
}
