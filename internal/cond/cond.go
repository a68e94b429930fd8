// Package cond implements the match engine: condition lists evaluated
// against a mount entry's attributes.
package cond

import "strconv"

// What identifies the entry attribute an atom compares.
type What int

// Recognised atom subjects, per spec.md §3.
const (
	Device What = iota
	MtabDevice
	Vendor
	Model
	Serial
	Partition
	Fstype
	UUID
	Label
)

// Op is the comparison operator of an atom.
type Op int

const (
	EQ Op = iota
	NE
)

// Atom priority table, lower value is higher priority. Matches §3.
var atomPriority = map[What]int{
	UUID:       0,
	Label:      1,
	Serial:     2,
	Vendor:     3,
	Model:      3,
	Device:     4,
	MtabDevice: 5,
	Fstype:     6,
}

const defaultPriority = 999

// Priority returns the atom's priority in the §3 table.
func (w What) Priority() int {
	if p, ok := atomPriority[w]; ok {
		return p
	}
	return defaultPriority
}

// Fsspec reports whether the atom's subject is filesystem-specific
// (fstype, uuid, or label).
func (w What) Fsspec() bool {
	return w == Fstype || w == UUID || w == Label
}

// Atom is a single (what, op, value) comparison.
type Atom struct {
	What  What
	Op    Op
	Value string
}

// Condition is a conjunction of atoms. A nil/empty Condition matches
// everything with the lowest possible priority.
type Condition struct {
	Atoms []Atom
}

// Entry is the minimal attribute surface the match engine needs. The
// mount registry's Entry type satisfies it.
type Entry interface {
	Attr(what What) (value string, ok bool)
	PartitionNumber() int
}

// Match evaluates every atom of c against e. matched is true only if
// every atom is true under its operator; fsspec is true iff at least
// one matched atom had a filesystem-specific subject. An absent
// attribute makes the atom false under both EQ and NE.
func Match(c *Condition, e Entry) (matched bool, fsspec bool) {
	if c == nil || len(c.Atoms) == 0 {
		return true, false
	}

	for _, a := range c.Atoms {
		ok := matchAtom(a, e)
		if !ok {
			return false, false
		}
		if a.What.Fsspec() {
			fsspec = true
		}
	}
	return true, fsspec
}

func matchAtom(a Atom, e Entry) bool {
	if a.What == Partition {
		return matchPartition(a, e)
	}

	val, present := e.Attr(a.What)
	if !present {
		// An absent attribute never equals, and never not-equals.
		return false
	}

	switch a.Op {
	case EQ:
		return val == a.Value
	case NE:
		return val != a.Value
	default:
		return false
	}
}

func matchPartition(a Atom, e Entry) bool {
	want, err := strconv.Atoi(a.Value)
	if err != nil {
		return false
	}
	got := e.PartitionNumber()
	switch a.Op {
	case EQ:
		return got == want
	case NE:
		return got != want
	default:
		return false
	}
}

// Fsspec reports whether the condition itself is filesystem-specific:
// any atom has a subject in {fstype, uuid, label}. This is a static
// property of the condition (§3), independent of any particular
// entry.
func (c *Condition) Fsspec() bool {
	if c == nil {
		return false
	}
	for _, a := range c.Atoms {
		if a.What.Fsspec() {
			return true
		}
	}
	return false
}

// Priority is the minimum atom priority in the condition, per §3. An
// empty condition has the lowest possible priority (matches last).
func Priority(c *Condition) int {
	if c == nil || len(c.Atoms) == 0 {
		return defaultPriority
	}
	best := defaultPriority
	for _, a := range c.Atoms {
		if p := a.What.Priority(); p < best {
			best = p
		}
	}
	return best
}
