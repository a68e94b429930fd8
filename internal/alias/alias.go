// Package alias implements the per-entry alias lifecycle of
// spec.md §4.3: candidate insertion, %p/%P/%u placeholder expansion,
// symlink materialisation with uniquification, and the media-change
// sweep (mark → emit OLD candidates → materialise → gc).
//
// Every exported method must be called with the owning mount entry's
// lock held; Manager keeps no lock of its own (see spec.md §5 — alias
// operations are always reached through an already-locked entry).
package alias

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Flag is a bit set over an alias's classification.
type Flag uint8

const (
	// FSSPEC marks aliases derived from filesystem identity.
	FSSPEC Flag = 1 << iota
	// PERM marks aliases declared from external permanent state.
	PERM
	// OLD is a transient sweep marker used during media-change refresh.
	OLD
)

func (f Flag) has(mask Flag) bool { return f&mask == mask }

// Scope selects which aliases an operation applies to.
type Scope int

const (
	ScopeNonspec Scope = iota
	ScopeFsspec
	ScopeAll
)

func (s Scope) includes(f Flag) bool {
	switch s {
	case ScopeNonspec:
		return !f.has(FSSPEC)
	case ScopeFsspec:
		return f.has(FSSPEC)
	default:
		return true
	}
}

// Alias is one symlink candidate/materialisation.
type Alias struct {
	Name        string // expanded name (may still contain %u)
	Created     string // realised on-disk path, or "" if not materialised
	Flags       Flag
	ForceUnique bool // label-unique config keyword: always start at #1
}

// Manager owns one entry's alias list.
type Manager struct {
	mountRoot string
	dir       string // the entry's own mountpoint leaf, aliases' symlink target
	aliases   []*Alias
}

// NewManager creates an alias manager for an entry whose mountpoint
// leaf is dir, under automount root mountRoot.
func NewManager(mountRoot, dir string) *Manager {
	return &Manager{mountRoot: mountRoot, dir: dir}
}

// SetDir updates the symlink target, used when an entry's dir is
// (re)computed — in practice dir is immutable per spec.md §3, this
// exists only so tests can build a Manager before the entry is fully
// constructed.
func (m *Manager) SetDir(dir string) { m.dir = dir }

// List returns the live alias list. Callers must not retain it past
// the holding of the entry lock.
func (m *Manager) List() []*Alias { return m.aliases }

// expandPP expands %p (bare partition number) and %P (-partN suffix)
// using partition. Partition 0 is "whole device": both expand to the
// empty string, per spec.md §8 boundary cases.
func expandPP(name string, partition int) string {
	pStr := ""
	pSuffix := ""
	if partition != 0 {
		pStr = strconv.Itoa(partition)
		pSuffix = "-part" + pStr
	}
	name = strings.ReplaceAll(name, "%P", pSuffix)
	name = strings.ReplaceAll(name, "%p", pStr)
	return name
}

// expandU expands %u with uniquifier n. n == 0 yields no suffix; n >= 1
// yields "#n", per spec.md §8.
func expandU(name string, n int) string {
	suffix := ""
	if n > 0 {
		suffix = "#" + strconv.Itoa(n)
	}
	return strings.ReplaceAll(name, "%u", suffix)
}

// AddCandidate expands %p/%P in name using partition and prepends the
// result to the alias list. If flags has OLD set and an alias with
// this expanded name already exists, its OLD bit is cleared instead of
// inserting a duplicate — the idempotent refresh case of spec.md
// §4.3/§8.
func (m *Manager) AddCandidate(name string, partition int, flags Flag) *Alias {
	return m.addCandidate(name, partition, flags, false)
}

// AddCandidateUnique is AddCandidate with the label-unique config
// keyword's behaviour forced on: the alias always materialises with a
// %u suffix, even on a first, collision-free insertion.
func (m *Manager) AddCandidateUnique(name string, partition int, flags Flag) *Alias {
	return m.addCandidate(name, partition, flags, true)
}

func (m *Manager) addCandidate(name string, partition int, flags Flag, forceUnique bool) *Alias {
	expanded := expandPP(name, partition)

	if flags.has(OLD) {
		for _, a := range m.aliases {
			if a.Name == expanded {
				a.Flags &^= OLD
				return a
			}
		}
	}

	a := &Alias{Name: expanded, Flags: flags, ForceUnique: forceUnique}
	m.aliases = append([]*Alias{a}, m.aliases...)
	return a
}

// Mark sets newFlags additionally on every alias whose Flags & mask ==
// flags.
func (m *Manager) Mark(mask, flags, newFlags Flag) {
	for _, a := range m.aliases {
		if a.Flags&mask == flags {
			a.Flags |= newFlags
		}
	}
}

// Materialise creates on-disk symlinks for every alias in scope that
// is not yet materialised and has a non-empty name. Names containing
// %u are uniquified on collision by incrementing the uniquifier;
// a name without %u that collides is left unmaterialised and reported
// as an error. The remaining aliases are still attempted; the first
// error is returned.
func (m *Manager) Materialise(scope Scope) error {
	var firstErr error
	for _, a := range m.aliases {
		if a.Created != "" || a.Name == "" {
			continue
		}
		if !scope.includes(a.Flags) {
			continue
		}
		if err := m.materialiseOne(a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) materialiseOne(a *Alias) error {
	uniquifiable := strings.Contains(a.Name, "%u")

	start := 0
	if a.ForceUnique && uniquifiable {
		start = 1
	}
	for n := start; ; n++ {
		candidate := expandU(a.Name, n)
		path := filepath.Join(m.mountRoot, candidate)

		err := os.Symlink(m.dir, path)
		if err == nil {
			a.Created = path
			return nil
		}
		if !os.IsExist(err) {
			return errors.Wrapf(err, "symlink alias %q", candidate)
		}
		if !uniquifiable {
			return errors.Errorf("alias %q already exists and is not uniquifiable", candidate)
		}
		// collision: try the next uniquifier
	}
}

// Remove unlinks the on-disk symlink (if any) for every alias in
// scope and clears Created.
func (m *Manager) Remove(scope Scope) error {
	var firstErr error
	for _, a := range m.aliases {
		if a.Created == "" || !scope.includes(a.Flags) {
			continue
		}
		if err := os.Remove(a.Created); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = errors.Wrapf(err, "remove alias %q", a.Name)
		}
		a.Created = ""
	}
	return firstErr
}

// GC removes (unlinks, detaches) every alias whose Flags & mask ==
// flags.
func (m *Manager) GC(mask, flags Flag) error {
	var firstErr error
	kept := m.aliases[:0]
	for _, a := range m.aliases {
		if a.Flags&mask == flags {
			if a.Created != "" {
				if err := os.Remove(a.Created); err != nil && !os.IsNotExist(err) && firstErr == nil {
					firstErr = errors.Wrapf(err, "gc alias %q", a.Name)
				}
			}
			continue
		}
		kept = append(kept, a)
	}
	m.aliases = kept
	return firstErr
}

// Sweep performs the media-change alias refresh of spec.md §4.3: mark
// existing filesystem-specific aliases OLD, let emit add the new
// candidates (clearing OLD on ones that still apply), materialise the
// surviving set, then garbage-collect whatever is still OLD.
func (m *Manager) Sweep(emit func(mgr *Manager)) error {
	m.Mark(FSSPEC, FSSPEC, OLD)
	emit(m)
	if err := m.Materialise(ScopeFsspec); err != nil {
		return err
	}
	return m.GC(OLD, OLD)
}

// String is for debug logging.
func (a *Alias) String() string {
	return fmt.Sprintf("alias{name=%s created=%s flags=%02b}", a.Name, a.Created, a.Flags)
}
