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

	lockPath := filepath.Join(t.TempDir(), "amplicon.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	pid := strings.TrimSpace(string(b))
	if pid != strconv.Itoa(os.Getpid()) {
		t.Fatalf("expected own PID in lock file, got %q", pid)
	}
}

func TestAcquirePIDLockExclusive(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "amplicon.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}

	_, err = AcquirePIDLock(lockPath)
	if err == nil {
		t.Fatal("expected second acquisition to fail while held")
	}
	if !strings.Contains(err.Error(), strconv.Itoa(os.Getpid())) {
		t.Fatalf("contention error should name the holder pid, got %q", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock after release: %v", err)
	}
	_ = l2.Release()
}

func TestReleaseNil(t *testing.T) {
	t.Parallel()

	var l *PIDLock
	if err := l.Release(); err != nil {
		t.Fatalf("Release on nil: %v", err)
	}
}
