package registry

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/romanho/mediad/internal/cond"
	"github.com/romanho/mediad/internal/config"
	"github.com/romanho/mediad/internal/logger"
)

func TestDirFromDevice(t *testing.T) {
	if got := dirFromDevice("/dev/sda1", false); got != "sda1" {
		t.Fatalf("dirFromDevice = %q, want %q", got, "sda1")
	}
	if got := dirFromDevice("/dev/sda1", true); got != ".sda1" {
		t.Fatalf("dirFromDevice(hidden) = %q, want %q", got, ".sda1")
	}
	if got := dirFromDevice("/dev/mapper/foo", false); got != "mapper_foo" {
		t.Fatalf("dirFromDevice with nested path = %q, want %q", got, "mapper_foo")
	}
}

func TestFmt2PadsSingleDigit(t *testing.T) {
	if got := fmt2(3); got != "03" {
		t.Fatalf("fmt2(3) = %q, want %q", got, "03")
	}
	if got := fmt2(12); got != "12" {
		t.Fatalf("fmt2(12) = %q, want %q", got, "12")
	}
}

func TestSplitPartitionSyspath(t *testing.T) {
	num, whole, ok := splitPartitionSyspath("/sys/devices/pci/block/sda/sda1")
	if !ok || num != 1 || whole != "/sys/devices/pci/block/sda" {
		t.Fatalf("splitPartitionSyspath = (%d,%q,%v), want (1,.../sda,true)", num, whole, ok)
	}

	_, _, ok = splitPartitionSyspath("/sys/devices/pci/block/sda")
	if ok {
		t.Fatal("expected no partition number on a whole-device syspath with no trailing digits")
	}
}

func TestLooksPartitioned(t *testing.T) {
	dir := t.TempDir()
	if looksPartitioned(dir) {
		t.Fatal("a syspath without a 'start' file should not look partitioned")
	}
	if err := os.WriteFile(filepath.Join(dir, "start"), []byte("0"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !looksPartitioned(dir) {
		t.Fatal("a syspath with a 'start' file should look partitioned")
	}
}

func TestComputeMountOptionsFallsBackToDefault(t *testing.T) {
	cfg := config.New()
	flags, data := ComputeMountOptions(cfg, &Entry{attrs: map[cond.What]string{}})
	if flags == 0 {
		t.Fatal("expected the mountflags.Default fallback when no rule matches")
	}
	if data != "" {
		t.Fatalf("data = %q, want empty with no fs-option rule", data)
	}
}

func TestAddRemoveAddRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := config.New()
	reg := New(root, cfg)

	device := "/dev/ADDTEST1"

	first, err := reg.Add(AddRequest{Device: device, Identities: []string{"ID_VENDOR=Acme"}})
	if err != nil {
		t.Fatal(err)
	}

	if got, ok := reg.LookupDevice(device); !ok || got != first {
		if ok {
			got.Unlock()
		}
		t.Fatal("expected the newly added entry to be findable by device")
	} else {
		got.Unlock()
	}

	if err := reg.Remove(device); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.LookupDevice(device); ok {
		t.Fatal("expected no entry to remain after Remove")
	}

	second, err := reg.Add(AddRequest{Device: device, Identities: []string{"ID_VENDOR=Acme"}})
	if err != nil {
		t.Fatal(err)
	}

	if second.Device() != device {
		t.Fatalf("re-added entry device = %q, want %q", second.Device(), device)
	}
	if second == first {
		t.Fatal("a fresh Add after Remove should allocate a new entry, not resurrect the old pointer")
	}
}

func TestAddIsIdempotentForSameDevice(t *testing.T) {
	root := t.TempDir()
	cfg := config.New()
	reg := New(root, cfg)

	device := "/dev/ADDTEST2"
	e1, err := reg.Add(AddRequest{Device: device})
	if err != nil {
		t.Fatal(err)
	}

	e2, err := reg.Add(AddRequest{Device: device})
	if err != nil {
		t.Fatal(err)
	}

	if e1 != e2 {
		t.Fatal("re-adding the same device should reuse the existing entry, not create a new one")
	}
	if got := len(reg.Snapshot()); got != 1 {
		t.Fatalf("expected exactly one registry row after a repeated Add, got %d", got)
	}
}

func TestRemoveUnknownDeviceSucceedsSilently(t *testing.T) {
	reg := New(t.TempDir(), config.New())
	if err := reg.Remove("/dev/does-not-exist"); err != nil {
		t.Fatalf("Remove of an unknown device should succeed silently, got %v", err)
	}
}

// TestScheduleDelayedMessageFiresForWholeDeviceWithoutFstype covers
// spec.md §8 scenario 2: a whole device added with no discoverable
// fstype gets the delayed "no filesystem" message, per the
// entry.parent == nil && fstype == "" gate in Add (no additional
// "looks like a partition" check belongs here; that check is linkParent's
// job for the entry being added, not this one's).
func TestScheduleDelayedMessageFiresForWholeDeviceWithoutFstype(t *testing.T) {
	root := t.TempDir()
	reg := New(root, config.New())

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	logger.SetOutput(w)
	defer logger.SetOutput(os.Stderr)

	device := "/dev/ADDTEST-WHOLE"
	if _, err := reg.Add(AddRequest{Device: device}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(1200 * time.Millisecond)

	w.Close()
	out, _ := io.ReadAll(r)
	if !strings.Contains(string(out), "no recognised filesystem") {
		t.Fatalf("expected the delayed no-filesystem message to fire for a whole device with no fstype, got log: %q", out)
	}
}

// TestScheduleDelayedMessageSuppressedByLaterPartition covers the other
// half of spec.md §8 scenario 2: once a partition links under the
// whole-device entry before the delay elapses, the message is suppressed.
func TestScheduleDelayedMessageSuppressedByLaterPartition(t *testing.T) {
	root := t.TempDir()
	reg := New(root, config.New())

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	logger.SetOutput(w)
	defer logger.SetOutput(os.Stderr)

	device := "/dev/ADDTEST-PARENT"
	e, err := reg.Add(AddRequest{Device: device})
	if err != nil {
		t.Fatal(err)
	}
	e.Lock()
	e.childrenCount++
	e.Unlock()

	time.Sleep(1200 * time.Millisecond)

	w.Close()
	out, _ := io.ReadAll(r)
	if strings.Contains(string(out), "no recognised filesystem") {
		t.Fatalf("expected the delayed message to be suppressed once a partition linked, got log: %q", out)
	}
}
