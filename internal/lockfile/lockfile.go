package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// LockFile is an exclusive PID lock. The queue runner, library scans and the
// TUI take one each so two processes never drive the same queue or rewrite the
// same sidecar files.
type LockFile struct {
	path string
	file *os.File
}

// Name returns the lock path for a named job under dataRoot.
func Name(dataRoot, job string) string {
	return filepath.Join(dataRoot, job+".lock")
}

// Acquire creates and locks a lockfile at the given path.
// A lock left behind by a dead process is removed and acquisition is retried once.
func Acquire(path string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("failed to write PID to lock file: %w", err)
			}
			if err := f.Sync(); err != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("failed to sync lock file: %w", err)
			}
			return &LockFile{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		stale, herr := staleLock(path)
		if herr != nil {
			return nil, herr
		}
		if !stale {
			break
		}
	}
	pid, _ := readPID(path)
	return nil, fmt.Errorf("%w (PID %d): close the other civitai-browser instance or remove %s", ErrLocked, pid, path)
}

// staleLock removes the lock when its owner is gone and reports whether it did.
func staleLock(path string) (bool, error) {
	pid, err := readPID(path)
	if err != nil {
		return false, fmt.Errorf("lock file %s is unreadable or corrupt; remove it if no other instance is running: %w", path, err)
	}
	if processExists(pid) {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("stale lock file (PID %d not running) cannot be removed: %w", pid, err)
	}
	return true, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM: alive but owned by someone else.
	return !errors.Is(err, unix.ESRCH)
}

// Release releases the lock and removes the lock file
func (l *LockFile) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		l.file.Close()
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Path returns the path to the lock file
func (l *LockFile) Path() string {
	return l.path
}
