package logger

import (
	"bufio"
	"os"
	"strings"
	"testing"
)

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	SetOutput(w)
	defer SetOutput(os.Stderr)

	fn()
	w.Close()

	scanner := bufio.NewScanner(r)
	var out strings.Builder
	for scanner.Scan() {
		out.WriteString(scanner.Text())
		out.WriteByte('\n')
	}
	return out.String()
}

func TestErrLevelLogsErrorOutsideShutdown(t *testing.T) {
	atomicReset(t)
	out := captureOutput(t, func() {
		ErrLevel("unmount failed", errBoom, nil)
	})
	if !strings.Contains(out, "level=error") {
		t.Fatalf("expected error-level output, got %q", out)
	}
	if !strings.Contains(out, "unmount failed") {
		t.Fatalf("expected message in output, got %q", out)
	}
}

func TestErrLevelDowngradesDuringShutdown(t *testing.T) {
	atomicReset(t)
	Configure(true) // debug on so Debug-level lines are emitted
	BeginShutdown()
	defer atomicReset(t)

	out := captureOutput(t, func() {
		ErrLevel("unmount failed", errBoom, nil)
	})
	if !strings.Contains(out, "level=debug") {
		t.Fatalf("expected shutdown to downgrade to debug level, got %q", out)
	}
	if strings.Contains(out, "level=error") {
		t.Fatalf("did not expect error level during shutdown, got %q", out)
	}
}

func atomicReset(t *testing.T) {
	t.Helper()
	shutdownFl = 0
}

var errBoom = fakeErr("boom")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
