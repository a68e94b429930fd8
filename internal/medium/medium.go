// Package medium implements the per-entry medium-presence state
// machine of spec.md §4.5.
package medium

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Strategy identifies which change-detection mechanism an entry's
// device uses.
type Strategy int

const (
	StrategyUnknown Strategy = iota
	StrategyNone
	StrategyOptical
	StrategyLegacyFloppy
)

// State is the medium-presence state machine of spec.md §4.5.
type State int

const (
	Absent State = iota
	Present
	PresentChanged
)

// Prober is the device-facing half of the detector: open the device
// node and ask it whether its medium changed. Implementations wrap
// the real ioctls on Linux; tests substitute a fake.
type Prober interface {
	// Open opens device, classifying "no medium present" errnos
	// (ENOMEDIUM, ENXIO, ENODEV, EIO) distinctly from other errors.
	Open(device string) (fd int, noMedium bool, err error)
	Close(fd int)
	// OpticalChanged runs the CDROM_MEDIA_CHANGED-style ioctl.
	OpticalChanged(fd int) (changed bool, ok bool)
	// FloppyGeneration runs the legacy floppy generation-counter
	// ioctl, returning ok=false if the device doesn't support it.
	FloppyGeneration(fd int) (gen uint64, ok bool)
}

// Detector holds one entry's change-detection state across calls.
// It is not safe for concurrent use; callers serialise access via the
// owning mount entry's lock (spec.md §5).
type Detector struct {
	prober   Prober
	state    State
	strategy Strategy
	floppy   uint64 // last observed floppy generation counter
}

// New creates a detector using the given device prober.
func New(p Prober) *Detector {
	return &Detector{prober: p, state: Absent}
}

// State reports the current medium-presence state.
func (d *Detector) State() State { return d.state }

// Strategy reports the memoised change-detection strategy.
func (d *Detector) Strategy() Strategy { return d.strategy }

// Check runs one poll of the device per spec.md §4.5, returning
// whether the caller should treat the medium as newly changed
// (PresentChanged was entered or re-entered, or this is the poll that
// settles it into Present) and whether it is present at all.
func (d *Detector) Check(device string) (changed bool, present bool, err error) {
	fd, noMedium, openErr := d.prober.Open(device)
	if noMedium {
		d.state = Absent
		return false, false, nil
	}
	if openErr != nil {
		return false, d.state != Absent, openErr
	}
	defer d.prober.Close(fd)

	switch d.state {
	case Absent:
		// A fresh insertion counts as a change.
		d.state = PresentChanged
		return true, true, nil
	case PresentChanged:
		// Settling poll: memoise the strategy and take its baseline
		// for this medium, so the next poll in Present compares
		// against it.
		_, _ = d.checkStrategy(fd)
		d.state = Present
		return true, true, nil
	case Present:
		changed, detErr := d.checkStrategy(fd)
		if detErr != nil {
			return false, true, detErr
		}
		if changed {
			d.state = PresentChanged
		}
		return changed, true, nil
	}
	return false, false, errors.New("medium: unreachable state")
}

func (d *Detector) checkStrategy(fd int) (bool, error) {
	switch d.strategy {
	case StrategyUnknown:
		if changed, ok := d.prober.OpticalChanged(fd); ok {
			d.strategy = StrategyOptical
			return changed, nil
		}
		if gen, ok := d.prober.FloppyGeneration(fd); ok {
			d.strategy = StrategyLegacyFloppy
			d.floppy = gen
			return true, nil // a fresh memoisation counts as "changed" once
		}
		d.strategy = StrategyNone
		return true, nil
	case StrategyOptical:
		changed, _ := d.prober.OpticalChanged(fd)
		return changed, nil
	case StrategyLegacyFloppy:
		gen, ok := d.prober.FloppyGeneration(fd)
		if !ok {
			return false, nil
		}
		changed := gen != d.floppy
		d.floppy = gen
		return changed, nil
	case StrategyNone:
		return true, nil // conservative: always report changed
	}
	return false, nil
}

// linuxProber is the production Prober, talking to real device nodes.
type linuxProber struct{}

// DefaultProber is the production implementation used outside tests.
var DefaultProber Prober = linuxProber{}

const (
	// cdromMediaChanged is CDROM_MEDIA_CHANGED, 0x5325 in linux/cdrom.h.
	cdromMediaChanged = 0x5325
	// fdGetDrvStat-style generation query; see linux/fd.h FDGETDRVSTAT.
	fdGetDrvStat = 0x0215
)

func (linuxProber) Open(device string) (int, bool, error) {
	fd, err := unix.Open(device, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err == nil {
		return fd, false, nil
	}
	switch err {
	case unix.ENOMEDIUM, unix.ENXIO, unix.ENODEV, unix.EIO:
		return -1, true, nil
	default:
		return -1, false, err
	}
}

func (linuxProber) Close(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

func (linuxProber) OpticalChanged(fd int) (bool, bool) {
	n, err := unix.IoctlGetInt(fd, cdromMediaChanged)
	if err != nil {
		return false, false
	}
	return n != 0, true
}

func (linuxProber) FloppyGeneration(fd int) (uint64, bool) {
	n, err := unix.IoctlGetInt(fd, fdGetDrvStat)
	if err != nil {
		return 0, false
	}
	return uint64(n), true
}
