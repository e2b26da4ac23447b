package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-autobackup/pkg/config"
	"github.com/paulschiretz/pgl-autobackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
	"github.com/paulschiretz/pgl-autobackup/pkg/preflight"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	configPath, err := resolveConfigPath(flagMap)
	if err != nil {
		return err
	}

	baseConfig := config.NewDefault()
	if _, err := os.Stat(configPath); err == nil {
		if !boolFlag(flagMap, "force") {
			fmt.Printf("WARNING: Configuration file already exists at %s.\n", configPath)
			fmt.Printf("Settings not given as flags are kept from the existing file.\n")
			if !PromptForConfirmation("Are you sure you want to overwrite it?", false) {
				plog.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
		}
		// Try to load existing config to preserve settings.
		// If it fails (e.g. corrupt JSON), we fall back to defaults.
		existing, err := config.Load(configPath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
		} else {
			baseConfig = existing
		}
	}

	// Create a config from base merged with user flags.
	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	// CRITICAL: Validate the config before it is written
	if err := runConfig.Validate(); err != nil {
		return err
	}

	startTime := time.Now()

	// A missing source is only a warning: the daemon records it as a run outcome.
	if err := preflight.CheckBackupSourceAccessible(runConfig.Source); err != nil {
		plog.Warn("Source is not accessible yet", "source", runConfig.Source, "reason", err)
	}
	if err := preflight.CheckBackupTargetWritable(runConfig.Destination); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := config.Save(configPath, runConfig); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" successfully initialized.", "config", configPath, "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
