package lockfile

import (
	"errors"
	"os"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	p := Name(t.TempDir(), "queue")
	l, err := Acquire(p)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := Acquire(p); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire err=%v, want ErrLocked", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("lock file still present after release")
	}
}

func TestStaleLockIsReplaced(t *testing.T) {
	p := Name(t.TempDir(), "scan")
	// PIDs this large are never handed out on Linux (pid_max <= 4194304).
	if err := os.WriteFile(p, []byte("99999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := Acquire(p)
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer l.Release()
}

func TestCorruptLock(t *testing.T) {
	p := Name(t.TempDir(), "tui")
	if err := os.WriteFile(p, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Acquire(p); err == nil {
		t.Fatal("expected error for corrupt lock file")
	}
}
