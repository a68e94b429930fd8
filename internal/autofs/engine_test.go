package autofs

import "testing"

type noopMounter struct{}

func (noopMounter) MountByDir(dir string) error   { return nil }
func (noopMounter) UnmountByDir(dir string) error { return nil }

func TestMountCounterIncDec(t *testing.T) {
	e := New("/media", noopMounter{}, 0, 0)

	if got := e.currentMounted(); got != 0 {
		t.Fatalf("fresh engine mounted count = %d, want 0", got)
	}

	e.IncMounted()
	e.IncMounted()
	if got := e.currentMounted(); got != 2 {
		t.Fatalf("mounted count = %d, want 2", got)
	}

	e.DecMounted()
	if got := e.currentMounted(); got != 1 {
		t.Fatalf("mounted count = %d, want 1", got)
	}
}

func TestDecMountedNeverGoesNegative(t *testing.T) {
	e := New("/media", noopMounter{}, 0, 0)
	e.DecMounted()
	if got := e.currentMounted(); got != 0 {
		t.Fatalf("mounted count = %d, want 0 (DecMounted on an already-zero count must not go negative)", got)
	}
}
