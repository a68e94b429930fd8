package command

import (
	"path/filepath"
	"testing"
)

func TestAcquireStartupLockExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediad.lock")

	release, err := AcquireStartupLock(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := AcquireStartupLock(path); err == nil {
		t.Fatal("expected a second acquire on the same lock file to fail while the first is held")
	}

	if err := release(); err != nil {
		t.Fatal(err)
	}

	release2, err := AcquireStartupLock(path)
	if err != nil {
		t.Fatalf("expected the lock to be acquirable again after release, got %v", err)
	}
	release2()
}
