package plog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log levels. NOTICE sits between DEBUG and INFO and is used for per-file
// events (COPY, DELETE, SKIP) that are too chatty for INFO.
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// teeHandler forwards every record to all wrapped handlers.
// It is used to mirror console output into the rotating log file.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithAttrs(attrs)
	}
	return &teeHandler{handlers: out}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		out[i] = hh.WithGroup(name)
	}
	return &teeHandler{handlers: out}
}

// stderrLeveler never lets the stderr handler go below WARN, but follows
// the global level when it is set higher than that.
type stderrLeveler struct{}

func (stderrLeveler) Level() slog.Level {
	if l := currentLevel.Level(); l > slog.LevelWarn {
		return l
	}
	return slog.LevelWarn
}

// FileConfig describes the optional rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	defaultLogger atomic.Pointer[slog.Logger]
	quietMode     atomic.Bool // Use an atomic bool for safe concurrent reads.
	currentLevel  slog.LevelVar

	fileMu     sync.Mutex
	fileWriter *lumberjack.Logger
	consoleOut io.Writer // nil means the default stdout/stderr split
)

func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}

func consoleHandler() slog.Handler {
	if consoleOut != nil {
		return slog.NewTextHandler(consoleOut, &slog.HandlerOptions{
			Level:       &currentLevel,
			ReplaceAttr: replaceLevelName,
		})
	}
	return &LevelDispatchHandler{
		stdoutHandler: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       &currentLevel,
			ReplaceAttr: replaceLevelName,
		}),
		stderrHandler: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       stderrLeveler{},
			ReplaceAttr: replaceLevelName,
		}),
	}
}

// rebuild must be called with fileMu held.
func rebuild() {
	var h slog.Handler = consoleHandler()
	if fileWriter != nil {
		h = &teeHandler{handlers: []slog.Handler{
			h,
			slog.NewTextHandler(fileWriter, &slog.HandlerOptions{
				Level:       &currentLevel,
				ReplaceAttr: replaceLevelName,
			}),
		}}
	}
	defaultLogger.Store(slog.New(h))
}

func init() {
	currentLevel.Set(LevelInfo)
	rebuild()
}

// SetOutput allows redirecting the logger's output, primarily for testing.
func SetOutput(w io.Writer) {
	// When redirecting output for tests, ensure quiet mode is off
	// so that all levels are written to the provided writer.
	quietMode.Store(false)
	fileMu.Lock()
	defer fileMu.Unlock()
	if w == os.Stdout || w == os.Stderr {
		consoleOut = nil
	} else {
		consoleOut = w
	}
	rebuild()
}

// SetLogFile mirrors all log output into a size-rotated file.
// An empty path disables the file sink.
func SetLogFile(cfg FileConfig) error {
	fileMu.Lock()
	defer fileMu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	if cfg.Path != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}
	rebuild()
	return nil
}

// CloseLogFile flushes and detaches the rotating log file, if any.
func CloseLogFile() error {
	fileMu.Lock()
	defer fileMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	rebuild()
	return err
}

// SetLevel sets the minimum level that will be logged.
func SetLevel(level slog.Level) {
	currentLevel.Set(level)
}

// LevelFromString maps a level name to a slog.Level. Unknown names map to INFO.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetQuiet enables or disables quiet mode for the global logger.
// In quiet mode, INFO level logs and below are suppressed.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Debug(msg, args...)
}

// Notice logs per-item progress events.
func Notice(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	defaultLogger.Load().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	defaultLogger.Load().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	defaultLogger.Load().Error(msg, args...)
}
