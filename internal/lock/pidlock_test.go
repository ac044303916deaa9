package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "profiled.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		t.Fatalf("expected PID in lock file, got empty")
	}
}

func TestAcquirePIDLockIsExclusive(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "profiled.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	if _, err := AcquirePIDLock(lockPath); err == nil {
		t.Fatalf("expected second acquire to fail while lock is held")
	}
}

func TestReadPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "profiled.lock")
	if got := ReadPID(lockPath); got != 0 {
		t.Fatalf("expected 0 for missing file, got %d", got)
	}

	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	if got := ReadPID(lockPath); got != os.Getpid() {
		t.Fatalf("expected %s, got %d", strconv.Itoa(os.Getpid()), got)
	}
}
