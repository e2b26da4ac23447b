package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-autobackup/pkg/util"
)

const (
	// BackupDirPrefix starts the name of every backup directory.
	BackupDirPrefix = "backup_"
	// BackupDirTimeLayout formats the run start time in a backup directory name.
	BackupDirTimeLayout = "2006-01-02_15-04-05"

	maxDirAttempts = 100
)

// BackupDirName returns the base name of the backup directory for a run started at t.
func BackupDirName(t time.Time) string {
	return BackupDirPrefix + t.Format(BackupDirTimeLayout)
}

// createUniqueBackupDir creates a new backup directory below destinationRoot.
// If the timestamped name is taken, a numeric suffix -1, -2, ... is appended.
// The directory is created with os.Mkdir, so an existing directory is never reused.
func createUniqueBackupDir(destinationRoot string, t time.Time) (string, error) {
	if err := os.MkdirAll(destinationRoot, util.UserWritableDirPerms); err != nil {
		return "", fmt.Errorf("failed to create destination %s: %w", destinationRoot, err)
	}

	base := BackupDirName(t)
	for idx := 0; idx < maxDirAttempts; idx++ {
		name := base
		if idx > 0 {
			name = fmt.Sprintf("%s-%d", base, idx)
		}
		absPath := filepath.Join(destinationRoot, name)
		err := os.Mkdir(absPath, util.UserWritableDirPerms)
		if err == nil {
			return absPath, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to create backup directory %s: %w", absPath, err)
		}
	}
	return "", fmt.Errorf("failed to find a free backup directory name for %s after %d attempts", base, maxDirAttempts)
}
