package medium

import "testing"

type fakeProber struct {
	noMedium    bool
	openErr     error
	optical     bool
	opticalOK   bool
	floppyGen   uint64
	floppyOK    bool
	closeCalled int
}

func (f *fakeProber) Open(device string) (int, bool, error) {
	if f.noMedium {
		return -1, true, nil
	}
	if f.openErr != nil {
		return -1, false, f.openErr
	}
	return 3, false, nil
}

func (f *fakeProber) Close(fd int) { f.closeCalled++ }

func (f *fakeProber) OpticalChanged(fd int) (bool, bool) { return f.optical, f.opticalOK }

func (f *fakeProber) FloppyGeneration(fd int) (uint64, bool) { return f.floppyGen, f.floppyOK }

func TestCheckNoMediumIsAbsent(t *testing.T) {
	p := &fakeProber{noMedium: true}
	d := New(p)

	changed, present, err := d.Check("/dev/sr0")
	if err != nil || changed || present {
		t.Fatalf("Check() = (%v,%v,%v), want (false,false,nil)", changed, present, err)
	}
	if d.State() != Absent {
		t.Fatalf("state = %v, want Absent", d.State())
	}
}

func TestCheckFreshInsertionIsChanged(t *testing.T) {
	p := &fakeProber{opticalOK: true, optical: false}
	d := New(p)

	changed, present, err := d.Check("/dev/sr0")
	if err != nil || !changed || !present {
		t.Fatalf("first Check() = (%v,%v,%v), want (true,true,nil)", changed, present, err)
	}
	if d.State() != PresentChanged {
		t.Fatalf("state = %v, want PresentChanged", d.State())
	}
}

func TestCheckSettlesToPresentAfterTwoPolls(t *testing.T) {
	p := &fakeProber{opticalOK: true}
	d := New(p)

	d.Check("/dev/sr0") // Absent -> PresentChanged
	changed, present, err := d.Check("/dev/sr0")
	if err != nil || !changed || !present {
		t.Fatalf("second Check() = (%v,%v,%v), want (true,true,nil)", changed, present, err)
	}
	if d.State() != Present {
		t.Fatalf("state = %v, want Present", d.State())
	}
}

func TestCheckOpticalStrategyMemoised(t *testing.T) {
	p := &fakeProber{opticalOK: true}
	d := New(p)
	d.Check("/dev/sr0")
	d.Check("/dev/sr0")

	if d.Strategy() != StrategyOptical {
		t.Fatalf("strategy = %v, want StrategyOptical", d.Strategy())
	}

	p.optical = true
	changed, present, err := d.Check("/dev/sr0")
	if err != nil || !changed || !present {
		t.Fatalf("Check() after real change = (%v,%v,%v), want (true,true,nil)", changed, present, err)
	}
	if d.State() != PresentChanged {
		t.Fatal("a reported optical change should move back to PresentChanged")
	}
}

func TestCheckFloppyStrategyUsesGeneration(t *testing.T) {
	p := &fakeProber{floppyOK: true, floppyGen: 1}
	d := New(p)
	d.Check("/dev/fd0")
	d.Check("/dev/fd0")

	if d.Strategy() != StrategyLegacyFloppy {
		t.Fatalf("strategy = %v, want StrategyLegacyFloppy", d.Strategy())
	}

	// Unchanged generation: settles to Present, no further change reported.
	changed, _, err := d.Check("/dev/fd0")
	if err != nil || changed {
		t.Fatalf("Check() with unchanged generation = (%v, _, %v), want (false,nil)", changed, err)
	}

	p.floppyGen = 2
	changed, _, err = d.Check("/dev/fd0")
	if err != nil || !changed {
		t.Fatalf("Check() with bumped generation = (%v, _, %v), want (true,nil)", changed, err)
	}
}

func TestCheckNoStrategyAlwaysReportsChanged(t *testing.T) {
	p := &fakeProber{}
	d := New(p)
	d.Check("/dev/sda1")
	d.Check("/dev/sda1")

	if d.Strategy() != StrategyNone {
		t.Fatalf("strategy = %v, want StrategyNone", d.Strategy())
	}
	changed, present, err := d.Check("/dev/sda1")
	if err != nil || !changed || !present {
		t.Fatalf("Check() under StrategyNone = (%v,%v,%v), want (true,true,nil)", changed, present, err)
	}
}

func TestCheckOpenErrorPreservesPresence(t *testing.T) {
	p := &fakeProber{opticalOK: true}
	d := New(p)
	d.Check("/dev/sr0")
	d.Check("/dev/sr0")

	p.openErr = errTransient
	_, present, err := d.Check("/dev/sr0")
	if err == nil {
		t.Fatal("expected the transient open error to propagate")
	}
	if !present {
		t.Fatal("a transient open failure should not flip presence to absent")
	}
}

func TestCheckClosesFdOnEveryPoll(t *testing.T) {
	p := &fakeProber{opticalOK: true}
	d := New(p)
	d.Check("/dev/sr0")
	d.Check("/dev/sr0")
	if p.closeCalled != 2 {
		t.Fatalf("Close called %d times, want 2", p.closeCalled)
	}
}

var errTransient = fakeErr("transient")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
