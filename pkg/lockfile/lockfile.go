// Package lockfile guarantees that only one scheduler instance works with a
// configuration at a time.
//
// The lock is an OS level advisory lock (flock on Unix, LockFileEx on Windows)
// on a file in the guarded directory, so it is released by the kernel when the
// holding process exits, even after a crash. The holder writes a small JSON
// description into the file to make contention errors readable.
package lockfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/paulschiretz/pgl-autobackup/pkg/plog"
	"github.com/paulschiretz/pgl-autobackup/pkg/util"
)

// LockFileName is the name of the lock file created in the guarded directory.
// The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-autobackup.lock"

// LockContent describes the holder of a lock.
type LockContent struct {
	PID      int64     `json:"pid"`
	Hostname string    `json:"hostname"`
	Acquired time.Time `json:"acquired"`
	AppID    string    `json:"appID"`
}

// ErrLockActive is returned when the lock is already held by another process
// or by another Lock in this process.
type ErrLockActive struct {
	// Holder is the content written by the holder. It is zero if it could not be read.
	Holder LockContent
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	if e.Holder.PID == 0 {
		return "lock is active, held by another process"
	}
	return fmt.Sprintf("lock is active, held by PID %d on host '%s' (App: %s) since %s",
		e.Holder.PID, e.Holder.Hostname, e.Holder.AppID, e.Holder.Acquired.Local().Format(time.DateTime))
}

// Lock is a held lock.
type Lock struct {
	fl   *flock.Flock
	path string

	mu   sync.Mutex
	held bool
}

// Acquire takes the lock in dirPath, creating the directory if needed. It never
// waits: if the lock is held elsewhere it returns a *ErrLockActive.
func Acquire(ctx context.Context, dirPath string, appID string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dirPath, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dirPath, err)
	}

	absLockFilePath := filepath.Join(dirPath, LockFileName)
	fl := flock.New(absLockFilePath, flock.SetPermissions(util.UserWritableFilePerms))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to access lock file: %w", err)
	}
	if !locked {
		holder, readErr := readLockContent(absLockFilePath)
		if readErr != nil {
			plog.Debug("Could not read lock holder", "path", absLockFilePath, "error", readErr)
		}
		return nil, &ErrLockActive{Holder: holder}
	}

	hostname, _ := os.Hostname()
	content := LockContent{
		PID:      int64(os.Getpid()),
		Hostname: hostname,
		Acquired: time.Now().UTC(),
		AppID:    appID,
	}
	if err := writeLockContent(absLockFilePath, content); err != nil {
		// The lock is held regardless; the content is informational.
		plog.Debug("Could not write lock content", "path", absLockFilePath, "error", err)
	}

	plog.Debug("Lock acquired", "path", absLockFilePath)
	return &Lock{fl: fl, path: absLockFilePath, held: true}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks the lock. It is safe to call more than once. The file itself
// is kept; deleting it would let a waiting process lock a different inode than
// the next one.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.held = false

	_ = os.Truncate(l.path, 0)
	if err := l.fl.Unlock(); err != nil {
		plog.Warn("Failed to release lock", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func writeLockContent(path string, content LockContent) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("could not marshal lock content: %w", err)
	}
	return os.WriteFile(path, data, util.UserWritableFilePerms)
}

func readLockContent(path string) (LockContent, error) {
	var content LockContent
	data, err := os.ReadFile(path)
	if err != nil {
		return content, err
	}
	if len(data) == 0 {
		return content, fmt.Errorf("lock file is empty")
	}
	if err := json.Unmarshal(data, &content); err != nil {
		return LockContent{}, fmt.Errorf("lock file is corrupt: %w", err)
	}
	return content, nil
}
