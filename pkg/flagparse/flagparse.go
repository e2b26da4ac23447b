package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-autobackup/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	Config   *string
	LogLevel *string
	Quiet    *bool
	Metrics  *bool

	// Shared: Init / Backup / Full / Prune
	Source        *string
	Destination   *string
	RetentionDays *int
	CopyWorkers   *int
	DeleteWorkers *int
	BufferSizeKB  *int

	// Init / Run
	Time          *string
	IntervalDays  *int
	Cron          *string
	LogFile       *string
	HistoryDB     *string
	MetricsListen *string

	// Init / Prune / History
	Force *bool

	// History specific
	Clear  *bool
	Export *string
	JSON   *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Config = fs.String("config", "", "Path to the configuration file (.json or .toml). Defaults to the user config directory.")
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Quiet = fs.Bool("quiet", false, "Suppress all output below warnings.")
	f.Metrics = fs.Bool("metrics", true, "Enable file-counting metrics and periodic progress logs.")
}

func registerJobFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Source directory to back up.")
	f.Destination = fs.String("destination", "", "Destination directory; backups are created beneath it.")
	f.CopyWorkers = fs.Int("copy-workers", 0, "Number of worker goroutines for file copies.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes for file copies.")
}

func registerRetentionFlags(fs *flag.FlagSet, f *cliFlags) {
	f.RetentionDays = fs.Int("retention-days", 0, "Delete backup content older than this many days.")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting outdated backups.")
}

func registerScheduleFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Time = fs.String("time", "", "Daily trigger time in 24-hour HH:MM format.")
	f.IntervalDays = fs.Int("interval-days", 0, "Run a full backup every N days (0 disables the interval trigger).")
	f.Cron = fs.String("cron", "", "Additional cron expression that triggers the daily run (e.g. '0 3 * * *' or '@daily').")
	f.LogFile = fs.String("log-file", "", "Mirror log output into this size-rotated file.")
	f.MetricsListen = fs.String("metrics-listen", "", "Serve Prometheus metrics on this address (e.g. ':9100').")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	registerJobFlags(fs, f)
	registerRetentionFlags(fs, f)
	registerScheduleFlags(fs, f)
	f.HistoryDB = fs.String("history-db", "", "Path of the history database. Relative paths are resolved against the config directory.")
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration without prompting.")
}

func registerRunFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogFile = fs.String("log-file", "", "Mirror log output into this size-rotated file.")
	f.MetricsListen = fs.String("metrics-listen", "", "Serve Prometheus metrics on this address (e.g. ':9100').")
}

func registerBackupFlags(fs *flag.FlagSet, f *cliFlags) {
	registerJobFlags(fs, f)
	registerRetentionFlags(fs, f)
}

func registerFullFlags(fs *flag.FlagSet, f *cliFlags) {
	registerJobFlags(fs, f)
}

func registerPruneFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Destination = fs.String("destination", "", "Destination directory to prune.")
	registerRetentionFlags(fs, f)
	f.Force = fs.Bool("force", false, "Bypass the confirmation prompt.")
}

func registerHistoryFlags(fs *flag.FlagSet, f *cliFlags) {
	f.HistoryDB = fs.String("history-db", "", "Path of the history database. Relative paths are resolved against the config directory.")
	f.Clear = fs.Bool("clear", false, "Delete all history entries.")
	f.Force = fs.Bool("force", false, "Bypass the confirmation prompt when clearing.")
	f.Export = fs.String("export", "", "Export the history as CSV to this file ('.gz' and '.zst' are compressed).")
	f.JSON = fs.Bool("json", false, "List the history as JSON instead of a table.")
}

type subcommand struct {
	desc     string
	register func(*flag.FlagSet, *cliFlags)
}

var subcommands = map[Command]subcommand{
	Init:    {"Create a new configuration file.", registerInitFlags},
	Run:     {"Run the scheduler daemon (daily, interval and cron triggers).", registerRunFlags},
	Backup:  {"Run one daily backup now: preflight, prune and incremental copy.", registerBackupFlags},
	Full:    {"Run one full backup now.", registerFullFlags},
	Prune:   {"Delete backup content older than the retention window.", registerPruneFlags},
	History: {"List, clear or export the backup history.", registerHistoryFlags},
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the action and config map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// Handle top-level help
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	sub, ok := subcommands[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	sub.register(fs, f)

	// Custom usage for the subcommand
	fs.Usage = func() {
		printSubcommandUsage(command, sub.desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %v", command, fs.Args())
	}

	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "destination", f.Destination)
	addIfUsed(flagMap, usedFlags, "retention-days", f.RetentionDays)
	addIfUsed(flagMap, usedFlags, "copy-workers", f.CopyWorkers)
	addIfUsed(flagMap, usedFlags, "delete-workers", f.DeleteWorkers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)

	addIfUsed(flagMap, usedFlags, "time", f.Time)
	addIfUsed(flagMap, usedFlags, "interval-days", f.IntervalDays)
	addIfUsed(flagMap, usedFlags, "cron", f.Cron)
	addIfUsed(flagMap, usedFlags, "log-file", f.LogFile)
	addIfUsed(flagMap, usedFlags, "history-db", f.HistoryDB)
	addIfUsed(flagMap, usedFlags, "metrics-listen", f.MetricsListen)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "clear", f.Clear)
	addIfUsed(flagMap, usedFlags, "export", f.Export)
	addIfUsed(flagMap, usedFlags, "json", f.JSON)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Scheduled incremental and full directory backups.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  init        Create a new configuration file\n")
	fmt.Fprintf(fs.Output(), "  run         Run the scheduler daemon\n")
	fmt.Fprintf(fs.Output(), "  backup      Run one daily (incremental) backup now\n")
	fmt.Fprintf(fs.Output(), "  full        Run one full backup now\n")
	fmt.Fprintf(fs.Output(), "  prune       Delete backup content older than the retention window\n")
	fmt.Fprintf(fs.Output(), "  history     List, clear or export the backup history\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Scheduled incremental and full directory backups.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}
