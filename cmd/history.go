package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/paulschiretz/pgl-autobackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-autobackup/pkg/config"
	"github.com/paulschiretz/pgl-autobackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-autobackup/pkg/history"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
	"github.com/paulschiretz/pgl-autobackup/pkg/util"
)

// RunHistory handles the logic for the history command. Without flags it
// lists all entries newest first, as JSON with -json; -clear deletes them and
// -export writes them to a CSV file.
func RunHistory(ctx context.Context, flagMap map[string]interface{}) error {
	configPath, err := resolveConfigPath(flagMap)
	if err != nil {
		return err
	}

	// The history only needs the database location, so the job settings are
	// not validated here.
	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	runConfig := config.MergeConfigWithFlags(flagparse.History, loadedConfig, flagMap)
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	store, err := history.OpenSQLite(ctx, runConfig.HistoryPath(configPath))
	if err != nil {
		return err
	}
	defer store.Close()

	if exportPath, ok := flagMap["export"].(string); ok && exportPath != "" {
		return exportHistory(ctx, store, exportPath)
	}

	if boolFlag(flagMap, "clear") {
		if !boolFlag(flagMap, "force") {
			if !PromptForConfirmation("This will permanently delete the backup history. Are you sure?", false) {
				plog.Info(buildinfo.Name + " history clear canceled.")
				return nil
			}
		}
		if err := store.ClearAll(ctx); err != nil {
			return err
		}
		plog.Info("Backup history cleared.", "path", store.Path())
		return nil
	}

	entries, err := store.ListAll(ctx)
	if err != nil {
		return err
	}
	if boolFlag(flagMap, "json") {
		return printHistoryJSON(os.Stdout, entries)
	}
	return printHistory(os.Stdout, entries)
}

func exportHistory(ctx context.Context, store history.Store, exportPath string) (retErr error) {
	absExportPath, err := util.ExpandedAbsPath(exportPath)
	if err != nil {
		return err
	}
	f, err := os.Create(absExportPath)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("failed to close export file: %w", err)
		}
	}()

	n, err := history.Export(ctx, store, f, history.FormatFromPath(absExportPath))
	if err != nil {
		return fmt.Errorf("failed to export history: %w", err)
	}
	plog.Info("History exported", "path", absExportPath, "entries", n)
	return nil
}

// printHistory writes entries as an aligned table.
func printHistory(w io.Writer, entries []history.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No backups recorded yet.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tSTATUS\tFAILED\tSOURCE\tDESTINATION\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.Timestamp.Format(history.TimestampLayout),
			e.Status,
			e.FailedFiles,
			e.Source,
			e.Destination,
			e.Detail)
	}
	return tw.Flush()
}

// printHistoryJSON writes entries as an indented JSON array.
func printHistoryJSON(w io.Writer, entries []history.Entry) error {
	if entries == nil {
		entries = []history.Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
