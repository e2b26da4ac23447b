package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
)

// reloadDebounce collapses the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// ChangeFunc is called after a reloaded configuration has been stored.
type ChangeFunc func(old, new Config)

// Watch reloads the configuration at path into live whenever the file is
// written, created or renamed into place. Files that fail to load or validate
// are logged and ignored; live keeps its last good value.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, live *Live, onChange ChangeFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	// Watch the directory, not the file: editors often replace the file
	// with a rename, which drops a watch on the file itself.
	dir := filepath.Dir(absPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}
	plog.Debug("Watching config file", "path", absPath)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			plog.Warn("Config watcher error", "error", err)
		case <-fire:
			fire = nil
			reload(absPath, live, onChange)
		}
	}
}

func reload(path string, live *Live, onChange ChangeFunc) {
	cfg, err := Load(path)
	if err != nil {
		plog.Warn("Ignoring unreadable config file", "path", path, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		plog.Warn("Ignoring invalid config file", "path", path, "error", err)
		return
	}
	old := live.Get()
	live.Set(cfg)
	plog.Info("Configuration reloaded", "path", path)
	if onChange != nil {
		onChange(old, cfg)
	}
}
