// Package preflight provides functions for validation and checks that run before
// a main operation begins. These checks are stateless and, except for the
// writability probe, do not change the state of the system.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
	"github.com/paulschiretz/pgl-autobackup/pkg/util"
)

// ErrSourceNotFound is returned when the backup source does not exist.
var ErrSourceNotFound = errors.New("source not found")

// CheckBackupSourceAccessible validates that the source path exists and is a directory.
func CheckBackupSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist: %w", srcPath, ErrSourceNotFound)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckBackupTargetAccessible ensures the target is either an existing directory
// or can be created below an accessible parent.
func CheckBackupTargetAccessible(targetPath string) error {
	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		parentDir := filepath.Dir(targetPath)
		if _, err := os.Stat(parentDir); err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parentDir, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}
	return nil
}

// CheckBackupTargetWritable ensures the target directory can be created and is writable
// by performing filesystem modifications.
func CheckBackupTargetWritable(targetPath string) error {
	if err := CheckBackupTargetAccessible(targetPath); err != nil {
		return err
	}

	// Ensure the destination directory can be created.
	if err := os.MkdirAll(targetPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetPath, err)
	}

	// Perform a thorough write check by creating and deleting a temporary file.
	f, err := os.CreateTemp(targetPath, ".pgl-autobackup-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	f.Close()
	_ = os.Remove(f.Name())
	return nil
}

// EstimateTotalSize returns the summed size of all regular files below root.
// Links to regular files count with the size of their target, since the copy
// writes that content. Entries that cannot be read are logged and count as
// zero; the walk never aborts on them. A cancelled context stops the walk early
// and returns the partial sum.
func EstimateTotalSize(ctx context.Context, root string) int64 {
	var total int64
	root = util.ResolveRoot(root)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			plog.Warn("Cannot read entry while estimating size", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		var info fs.FileInfo
		switch typ := d.Type(); {
		case typ.IsRegular():
			info, err = d.Info()
		case typ&fs.ModeSymlink != 0:
			info, err = os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
		default:
			return nil
		}
		if err != nil {
			plog.Warn("Cannot stat file while estimating size", "path", path, "error", err)
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}

// SpaceReport describes the outcome of a free space check.
type SpaceReport struct {
	Required  int64
	Available uint64
	// Known is false when the free space of the destination could not be determined.
	Known bool
}

// SpaceChecker compares the size of a source tree with the free space at a destination.
type SpaceChecker struct {
	// FreeSpace reports the bytes available at a path. Defaults to the package FreeSpace.
	FreeSpace func(path string) (uint64, error)
}

func NewSpaceChecker() *SpaceChecker {
	return &SpaceChecker{FreeSpace: FreeSpace}
}

// HasSufficientSpace reports whether the destination can hold the whole source tree.
// If the free space is unknown the check is skipped and reports true.
func (c *SpaceChecker) HasSufficientSpace(ctx context.Context, sourceRoot, destinationRoot string) (bool, SpaceReport) {
	report := SpaceReport{Required: EstimateTotalSize(ctx, sourceRoot)}

	available, err := c.FreeSpace(destinationRoot)
	if err != nil {
		plog.Warn("Could not determine free space, skipping space check", "path", destinationRoot, "error", err)
		return true, report
	}
	report.Available = available
	report.Known = true

	plog.Debug("Space check",
		"required", util.ByteCountIEC(report.Required),
		"available_bytes", available)

	return uint64(report.Required) <= available, report
}

// HasSufficientSpace checks the destination using the platform free space query.
func HasSufficientSpace(ctx context.Context, sourceRoot, destinationRoot string) (bool, SpaceReport) {
	return NewSpaceChecker().HasSufficientSpace(ctx, sourceRoot, destinationRoot)
}
