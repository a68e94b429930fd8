// Package registry implements the mount registry of spec.md §3/§4.4:
// a concurrent collection of mount entries keyed by device node, with
// parent/partition relationships, alias symlinks, and the lock
// hierarchy of §5.
//
// Design note: spec.md §9 explicitly offers replacing the source's
// recursive per-entry mutex with "a non-recursive entry lock,
// re-entered via explicit invariants (entry lock is never
// re-acquired — all code paths assume it is held)". This
// implementation takes that option: Entry.mu is a plain sync.Mutex.
// Every exported Entry method assumes the caller already holds mu;
// callers that need to go from "no lock" to "locked" always do so
// through Registry.lookup, or by locking a fresh newEntry result
// before inserting it (Registry.Add), never by calling back into a
// method that re-locks.
package registry

import (
	"sync"

	"github.com/romanho/mediad/internal/alias"
	"github.com/romanho/mediad/internal/cond"
	"github.com/romanho/mediad/internal/medium"
)

// Entry is one mount-registry row: a block device, its probed
// identity, its alias list, and its medium/mount state.
type Entry struct {
	mu sync.Mutex

	// Immutable after creation (spec.md §3).
	device string
	dir    string

	// Mutable under mu.
	syspath       string
	partition     int
	attrs         map[cond.What]string
	parent        *Entry
	childrenCount int

	Aliases  *alias.Manager
	Detector *medium.Detector

	mediumPresent   bool
	mediumChanged   bool
	mounted         bool
	suppressMessage bool
	noAutomount     bool
}

func newEntry(device, dir, mountRoot string) *Entry {
	e := &Entry{
		device: device,
		dir:    dir,
		attrs:  map[cond.What]string{},
	}
	e.Aliases = alias.NewManager(mountRoot, dir)
	e.Detector = medium.New(medium.DefaultProber)
	return e
}

// Device is the entry's identity (§3) — immutable.
func (e *Entry) Device() string { return e.device }

// Dir is the entry's mountpoint leaf name — immutable.
func (e *Entry) Dir() string { return e.dir }

// Lock/Unlock expose the entry's mutex to callers that need to hold it
// across a lookup result (e.g. callers of LookupDevice/LookupDir,
// which return an already-locked entry that the caller must release
// itself once done).
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Syspath is the kernel device path, resolved once.
func (e *Entry) Syspath() string { return e.syspath }

// Partition is this entry's partition number, 0 for whole-device.
func (e *Entry) Partition() int { return e.partition }

// PartitionNumber satisfies cond.Entry.
func (e *Entry) PartitionNumber() int { return e.partition }

// Attr satisfies cond.Entry. Device and mtab-device read the
// immutable device field directly; everything else is a probed,
// optional attribute.
func (e *Entry) Attr(w cond.What) (string, bool) {
	switch w {
	case cond.Device, cond.MtabDevice:
		return e.device, e.device != ""
	default:
		v, ok := e.attrs[w]
		return v, ok
	}
}

// SetAttr records a probed attribute (vendor, model, serial, fstype,
// uuid, label). An empty value clears the attribute (treated as
// absent by Attr/match).
func (e *Entry) SetAttr(w cond.What, v string) {
	if v == "" {
		delete(e.attrs, w)
		return
	}
	e.attrs[w] = v
}

// MediumPresent/Mounted/NoAutomount/SuppressMessage/MediumChanged are
// the entry's boolean state per spec.md §3.
func (e *Entry) MediumPresent() bool    { return e.mediumPresent }
func (e *Entry) Mounted() bool          { return e.mounted }
func (e *Entry) NoAutomount() bool      { return e.noAutomount }
func (e *Entry) SuppressMessage() bool  { return e.suppressMessage }
func (e *Entry) MediumChanged() bool    { return e.mediumChanged }
func (e *Entry) ChildrenCount() int     { return e.childrenCount }
func (e *Entry) Parent() *Entry         { return e.parent }
