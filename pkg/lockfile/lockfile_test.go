package lockfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// TestAcquireAndRelease verifies the basic functionality of acquiring and releasing a lock.
func TestAcquireAndRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")
	expectedLockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(context.Background(), dir, "test-app")
	if err != nil {
		t.Fatalf("expected to acquire lock, but got error: %v", err)
	}
	if lock.Path() != expectedLockPath {
		t.Errorf("expected lock path %s, got %s", expectedLockPath, lock.Path())
	}

	if runtime.GOOS != "windows" {
		content, err := readLockContent(expectedLockPath)
		if err != nil {
			t.Fatalf("expected readable lock content, got error: %v", err)
		}
		if content.PID != int64(os.Getpid()) || content.AppID != "test-app" {
			t.Errorf("unexpected lock content: %+v", content)
		}
	}

	lock.Release()

	// A released lock can be acquired again.
	lock2, err := Acquire(context.Background(), dir, "test-app")
	if err != nil {
		t.Fatalf("expected to re-acquire released lock, got: %v", err)
	}
	lock2.Release()
}

// TestContention ensures that a second holder cannot acquire an active lock.
func TestContention(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(context.Background(), dir, "app-1")
	if err != nil {
		t.Fatalf("first holder failed to acquire lock: %v", err)
	}
	defer lock1.Release()

	_, err = Acquire(context.Background(), dir, "app-2")
	if err == nil {
		t.Fatal("second holder unexpectedly acquired an active lock")
	}

	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected error of type *ErrLockActive, got %T: %v", err, err)
	}
	if runtime.GOOS == "windows" {
		// The holder content is not readable through a locked file on Windows.
		return
	}
	if lockErr.Holder.AppID != "app-1" {
		t.Errorf("expected holder app-1, got %+v", lockErr.Holder)
	}
	if !strings.Contains(lockErr.Error(), "app-1") {
		t.Errorf("expected error message to name the holder, got %q", lockErr.Error())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(context.Background(), dir, "app")
	if err != nil {
		t.Fatal(err)
	}
	lock.Release()
	lock.Release()

	if _, err := os.Stat(filepath.Join(dir, LockFileName)); err != nil {
		t.Errorf("the lock file must stay in place after release: %v", err)
	}
}

func TestAcquire_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquire(ctx, t.TempDir(), "app"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestErrLockActive_UnknownHolder(t *testing.T) {
	err := &ErrLockActive{}
	if !strings.Contains(err.Error(), "another process") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestReadLockContent(t *testing.T) {
	dir := t.TempDir()

	t.Run("Empty", func(t *testing.T) {
		path := filepath.Join(dir, "empty")
		os.WriteFile(path, nil, 0644)
		if _, err := readLockContent(path); err == nil {
			t.Error("expected an error for an empty file")
		}
	})

	t.Run("Corrupt", func(t *testing.T) {
		path := filepath.Join(dir, "corrupt")
		os.WriteFile(path, []byte("{not json"), 0644)
		if _, err := readLockContent(path); err == nil {
			t.Error("expected an error for a corrupt file")
		}
	})

	t.Run("Valid", func(t *testing.T) {
		path := filepath.Join(dir, "valid")
		if err := writeLockContent(path, LockContent{PID: 42, Hostname: "host", AppID: "app"}); err != nil {
			t.Fatal(err)
		}
		c, err := readLockContent(path)
		if err != nil {
			t.Fatal(err)
		}
		if c.PID != 42 || c.Hostname != "host" {
			t.Errorf("unexpected content: %+v", c)
		}
	})
}
