package lock

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}

	// Lock file exists and records our PID.
	data, err := os.ReadFile(filepath.Join(dir, "gateway.lock"))
	if err != nil {
		t.Fatal(err)
	}
	if pid := parsePID(string(data)); pid != os.Getpid() {
		t.Errorf("lock pid = %d, want %d", pid, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatal(err)
	}

	// Lock file removed on release.
	if _, err := os.Stat(filepath.Join(dir, "gateway.lock")); !os.IsNotExist(err) {
		t.Error("lock file still present after release")
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l1.Release(); err != nil {
		t.Fatal(err)
	}

	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	_ = l2.Release()
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil release returned %v", err)
	}
}
