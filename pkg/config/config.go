package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-autobackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
	"github.com/paulschiretz/pgl-autobackup/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "pgl-autobackup.config.json"

// HistoryFileName is the default name of the history database, stored next to the config file.
const HistoryFileName = "pgl-autobackup.history.db"

// TimeLayout is the layout of the daily trigger time.
const TimeLayout = "15:04"

type LogFileConfig struct {
	Path       string `json:"path" toml:"path"`
	MaxSizeMB  int    `json:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays" toml:"maxAgeDays"`
	Compress   bool   `json:"compress" toml:"compress"`
}

type EnginePerformanceConfig struct {
	CopyWorkers   int `json:"copyWorkers" toml:"copyWorkers"`
	DeleteWorkers int `json:"deleteWorkers" toml:"deleteWorkers"`
	BufferSizeKB  int `json:"bufferSizeKB" toml:"bufferSizeKB" comment:"Size of the I/O buffer in kilobytes for file copies. Default is 256 (256KB)."`
}

type BackupEngineConfig struct {
	Metrics                 bool                    `json:"metrics" toml:"metrics"`
	ProgressIntervalSeconds int                     `json:"progressIntervalSeconds" toml:"progressIntervalSeconds"`
	Performance             EnginePerformanceConfig `json:"performance" toml:"performance"`
}

// Config is the backup job configuration. It is a plain value; the daemon
// shares it between goroutines through Live.
type Config struct {
	Source        string `json:"source" toml:"source"`
	Destination   string `json:"destination" toml:"destination"`
	Time          string `json:"time" toml:"time"`
	RetentionDays int    `json:"retentionDays" toml:"retentionDays"`
	IntervalDays  int    `json:"intervalDays" toml:"intervalDays"`
	Cron          string `json:"cron,omitempty" toml:"cron,omitempty"`

	LogLevel      string        `json:"logLevel" toml:"logLevel"`
	LogFile       LogFileConfig `json:"logFile" toml:"logFile"`
	HistoryDB     string        `json:"historyDB" toml:"historyDB"`
	MetricsListen string        `json:"metricsListen" toml:"metricsListen"`

	// NotifyCommands are run through the system shell for every log and
	// history notification of a run.
	NotifyCommands []string `json:"notifyCommands,omitempty" toml:"notifyCommands,omitempty"`

	Engine BackupEngineConfig `json:"engine" toml:"engine"`
}

// NewDefault creates and returns a Config struct with sensible default
// values. Source and destination are left empty and must be provided.
func NewDefault() Config {
	// Default to the number of CPU cores, but cap it for the copy pool to avoid
	// overwhelming the disk with too many concurrent operations.
	copyWorkers := min(runtime.NumCPU(), 4)

	return Config{
		Time:          "02:00",
		RetentionDays: 7,
		IntervalDays:  0,
		LogLevel:      "info",
		LogFile: LogFileConfig{
			MaxSizeMB:  25,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Engine: BackupEngineConfig{
			Metrics:                 true,
			ProgressIntervalSeconds: 10,
			Performance: EnginePerformanceConfig{
				CopyWorkers:   copyWorkers,
				DeleteWorkers: 2,
				BufferSizeKB:  256,
			},
		},
	}
}

// DefaultConfigPath returns the per-user location of the configuration file.
func DefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(dir, "pgl-autobackup", ConfigFileName), nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads the configuration file at path on top of the defaults.
// JSON is the default format; files ending in .toml are decoded as TOML.
// A missing file is not an error and yields the defaults.
func Load(path string) (Config, error) {
	config := NewDefault()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", path, err)
	}

	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the file.
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &config); err != nil {
			return Config{}, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}
	return config, nil
}

// Save writes the configuration to path, creating parent directories as needed.
func Save(path string, c Config) error {
	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// Validate checks the configuration for consistency and canonicalizes paths.
// It deliberately does not check that the source exists: a missing source is
// a run outcome, not a configuration error.
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.Destination == "" {
		return fmt.Errorf("destination path cannot be empty")
	}

	var err error
	if c.Source, err = util.ExpandPath(c.Source); err != nil {
		return fmt.Errorf("could not expand source path: %w", err)
	}
	c.Source = filepath.Clean(c.Source)

	if c.Destination, err = util.ExpandPath(c.Destination); err != nil {
		return fmt.Errorf("could not expand destination path: %w", err)
	}
	c.Destination = filepath.Clean(c.Destination)

	if c.Source == c.Destination {
		return fmt.Errorf("source and destination cannot be the same path")
	}
	if rel, err := filepath.Rel(c.Source, c.Destination); err == nil && !strings.HasPrefix(rel, "..") {
		return fmt.Errorf("destination %s cannot be inside source %s", c.Destination, c.Source)
	}

	if _, err := ParseTriggerTime(c.Time); err != nil {
		return err
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retentionDays cannot be negative")
	}
	if c.IntervalDays < 0 {
		return fmt.Errorf("intervalDays cannot be negative")
	}
	if c.Cron != "" {
		if _, err := cron.ParseStandard(c.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", c.Cron, err)
		}
	}

	if c.Engine.Performance.CopyWorkers < 1 {
		return fmt.Errorf("copyWorkers must be at least 1")
	}
	if c.Engine.Performance.DeleteWorkers < 1 {
		return fmt.Errorf("deleteWorkers must be at least 1")
	}
	if c.Engine.Performance.BufferSizeKB < 1 {
		return fmt.Errorf("bufferSizeKB must be at least 1")
	}
	if c.Engine.ProgressIntervalSeconds < 0 {
		return fmt.Errorf("progressIntervalSeconds cannot be negative")
	}
	return nil
}

// ParseTriggerTime validates a 24-hour "HH:MM" string.
func ParseTriggerTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil || len(s) != len(TimeLayout) {
		return time.Time{}, fmt.Errorf("invalid trigger time %q: must be HH:MM in 24-hour format", s)
	}
	return t, nil
}

// HistoryPath returns the history database path. Relative or empty values
// are resolved against the directory of the config file.
func (c *Config) HistoryPath(configPath string) string {
	p := c.HistoryDB
	if p == "" {
		p = HistoryFileName
	}
	if expanded, err := util.ExpandPath(p); err == nil {
		p = expanded
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(filepath.Dir(configPath), p)
	}
	return p
}

// ProgressInterval returns the cadence of periodic progress log lines.
func (c *Config) ProgressInterval() time.Duration {
	if c.Engine.ProgressIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Engine.ProgressIntervalSeconds) * time.Second
}

// LogSummary prints the effective configuration.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"source", c.Source,
		"destination", c.Destination,
		"time", c.Time,
		"retention_days", c.RetentionDays,
		"interval_days", c.IntervalDays,
		"log_level", c.LogLevel,
		"copy_workers", c.Engine.Performance.CopyWorkers,
		"delete_workers", c.Engine.Performance.DeleteWorkers,
		"buffer_size_kb", c.Engine.Performance.BufferSizeKB,
		"metrics", c.Engine.Metrics,
	}
	if c.Cron != "" {
		logArgs = append(logArgs, "cron", c.Cron)
	}
	if c.MetricsListen != "" {
		logArgs = append(logArgs, "metrics_listen", c.MetricsListen)
	}
	if c.LogFile.Path != "" {
		logArgs = append(logArgs, "log_file", c.LogFile.Path)
	}
	if len(c.NotifyCommands) > 0 {
		logArgs = append(logArgs, "notify_commands", len(c.NotifyCommands))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the flags explicitly set on the command line
// on top of a base configuration.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Source = value.(string)
		case "destination":
			merged.Destination = value.(string)
		case "time":
			merged.Time = value.(string)
		case "retention-days":
			merged.RetentionDays = value.(int)
		case "interval-days":
			merged.IntervalDays = value.(int)
		case "cron":
			merged.Cron = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "log-file":
			merged.LogFile.Path = value.(string)
		case "history-db":
			merged.HistoryDB = value.(string)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "metrics-listen":
			switch command {
			case flagparse.Run, flagparse.Init:
				merged.MetricsListen = value.(string)
			default:
			}
		case "copy-workers":
			merged.Engine.Performance.CopyWorkers = value.(int)
		case "delete-workers":
			merged.Engine.Performance.DeleteWorkers = value.(int)
		case "buffer-size-kb":
			merged.Engine.Performance.BufferSizeKB = value.(int)
		case "config", "force", "quiet", "clear", "export", "json":
			// Handled by the command itself.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
