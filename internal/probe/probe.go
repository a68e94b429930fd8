// Package probe is the device-attribute probe collaborator of
// spec.md §1/§6: it is intentionally thin — the core never reaches
// into udev itself, it only ever consumes the KEY=VALUE identity bag
// this package produces, whether from a coldplug enumeration or from
// an re-probe triggered by the medium-change detector.
package probe

import (
	"context"
	"fmt"
	"strings"

	"github.com/jochenvg/go-udev"
)

// Identity is one probed device's KEY=VALUE attribute bag, in the
// vocabulary of spec.md §6: DEVPATH, ID_VENDOR, ID_MODEL, ID_SERIAL,
// ID_FS_TYPE, ID_FS_UUID, ID_FS_LABEL (and legacy ID_FS_LABEL_SAFE).
type Identity struct {
	Device string
	Pairs  []string // "KEY=VALUE", in udev property order
	Action string   // "add"/"remove"/"change" from Monitor; empty from Coldplug/Refresh
}

var udevKeys = []string{
	"DEVPATH",
	"ID_VENDOR",
	"ID_MODEL",
	"ID_SERIAL",
	"ID_FS_TYPE",
	"ID_FS_UUID",
	"ID_FS_LABEL",
	"ID_FS_LABEL_SAFE",
}

func identityFromDevice(d *udev.Device) Identity {
	devnode := d.Devnode()
	var pairs []string
	for _, k := range udevKeys {
		if v := d.PropertyValue(k); v != "" {
			pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return Identity{Device: devnode, Pairs: pairs, Action: d.Action()}
}

// Coldplug enumerates every already-present block device via udev,
// for the start-of-day scan named in the GLOSSARY ("Coldplug"). Whole
// devices are returned before their partitions, matching the kernel's
// own sysfs enumeration order closely enough that registry.Add's
// parent-linking (step 4) finds whole-device entries already
// registered when their partitions arrive.
func Coldplug() ([]Identity, error) {
	u := udev.Udev{}
	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem("block"); err != nil {
		return nil, err
	}
	devices, err := e.Devices()
	if err != nil {
		return nil, err
	}

	var whole, parts []Identity
	for _, d := range devices {
		if d.Devnode() == "" {
			continue
		}
		id := identityFromDevice(d)
		if isPartitionSyspath(d.Syspath()) {
			parts = append(parts, id)
		} else {
			whole = append(whole, id)
		}
	}
	return append(whole, parts...), nil
}

func isPartitionSyspath(syspath string) bool {
	// A partition's sysfs node carries a "start" attribute file; the
	// registry re-derives this authoritatively at Add time (spec.md
	// §4.4 step 4). Here we only need a rough ordering hint, so a
	// trailing-digit heuristic on the syspath leaf is enough.
	leaf := syspath
	if i := strings.LastIndexByte(syspath, '/'); i >= 0 {
		leaf = syspath[i+1:]
	}
	return len(leaf) > 0 && leaf[len(leaf)-1] >= '0' && leaf[len(leaf)-1] <= '9'
}

// Refresh re-probes a single device's identity, used by the
// medium-change detector (spec.md §4.5: "re-probe attributes") when a
// fresh medium is inserted.
func Refresh(device string) (Identity, error) {
	u := udev.Udev{}
	d := u.NewDeviceFromSubsystemSysname("block", strings.TrimPrefix(device, "/dev/"))
	if d == nil {
		return Identity{}, fmt.Errorf("probe: no udev device for %s", device)
	}
	return identityFromDevice(d), nil
}

// Monitor watches the udev netlink socket for block-subsystem events,
// for deployments that want udev-driven hotplug in addition to the
// command-socket path of spec.md §6. Callers select on the returned
// channel until ctx is cancelled.
func Monitor(ctx context.Context) (<-chan Identity, <-chan error, error) {
	u := udev.Udev{}
	m := u.NewMonitorFromNetlink("udev")
	if err := m.FilterAddMatchSubsystem("block"); err != nil {
		return nil, nil, err
	}

	devCh, errCh, err := m.DeviceChan(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Identity)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-devCh:
				if !ok {
					return
				}
				out <- identityFromDevice(d)
			}
		}
	}()
	return out, errCh, nil
}
