package mount

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFindHelperDiscoversExecutable(t *testing.T) {
	dir := t.TempDir()
	helper := filepath.Join(dir, "mount.weirdfs")
	if err := os.WriteFile(helper, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	orig := helperDirs
	helperDirs = []string{dir}
	defer func() { helperDirs = orig }()

	ex := NewExecutor()
	if got := ex.findHelper("weirdfs"); got != helper {
		t.Fatalf("findHelper = %q, want %q", got, helper)
	}
}

func TestFindHelperCachesMissAsEmpty(t *testing.T) {
	orig := helperDirs
	helperDirs = []string{t.TempDir()}
	defer func() { helperDirs = orig }()

	ex := NewExecutor()
	if got := ex.findHelper("nosuchfs"); got != "" {
		t.Fatalf("findHelper = %q, want empty for a missing helper", got)
	}
	if got, cached := ex.helpers["nosuchfs"]; !cached || got != "" {
		t.Fatal("expected the miss to be cached as an empty string")
	}
}

func TestFindHelperSkipsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	helper := filepath.Join(dir, "mount.notexec")
	if err := os.WriteFile(helper, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	orig := helperDirs
	helperDirs = []string{dir}
	defer func() { helperDirs = orig }()

	ex := NewExecutor()
	if got := ex.findHelper("notexec"); got != "" {
		t.Fatalf("findHelper = %q, want empty for a non-executable file", got)
	}
}

func TestClassifyErrnoRendersErrno(t *testing.T) {
	got := ClassifyErrno(unix.EBUSY)
	if got == "" {
		t.Fatal("expected a non-empty rendering of an errno")
	}
}

func TestClassifyErrnoPassesThroughPlainError(t *testing.T) {
	err := errors.New("boom")
	if got := ClassifyErrno(err); got != "boom" {
		t.Fatalf("ClassifyErrno(plain error) = %q, want %q", got, "boom")
	}
}
