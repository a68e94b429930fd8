// Package mountflags implements the mount-option token mapping of
// spec.md §6: splitting an "-o" style option string into a kernel
// mount-flag bitset and a residual comma-separated data string.
package mountflags

import (
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// Flags is a bit set over the kernel mount flags mediad understands.
type Flags uint32

const (
	RDONLY Flags = 1 << iota
	NOSUID
	NODEV
	NOEXEC
	SYNCHRONOUS
	MANDLOCK
	NOATIME
	NODIRATIME
)

// token describes one recognised "-o" token: the token text, which
// flag it sets, and whether it's the "on" or "off" form of a pair.
type token struct {
	flag Flags
	on   bool
}

var tokenTable = map[string]token{
	"ro":         {RDONLY, true},
	"rw":         {RDONLY, false},
	"nosuid":     {NOSUID, true},
	"suid":       {NOSUID, false},
	"nodev":      {NODEV, true},
	"dev":        {NODEV, false},
	"noexec":     {NOEXEC, true},
	"exec":       {NOEXEC, false},
	"sync":       {SYNCHRONOUS, true},
	"async":      {SYNCHRONOUS, false},
	"mand":       {MANDLOCK, true},
	"nomand":     {MANDLOCK, false},
	"noatime":    {NOATIME, true},
	"atime":      {NOATIME, false},
	"nodiratime": {NODIRATIME, true},
	"diratime":   {NODIRATIME, false},
}

// discarded tokens never contribute flags or data; "fs=" is a prefix
// match.
var discardedTokens = map[string]bool{
	"auto": true, "noauto": true,
	"user": true, "nouser": true,
	"users": true, "nousers": true,
}

// ParseOptions splits opts (a comma-separated "-o" style string) into
// a flag bitset and the residual data tokens mediad doesn't recognise
// as flags, forwarded verbatim (joined by commas, order preserved)
// to the filesystem driver.
func ParseOptions(opts string) (flags Flags, data string) {
	if opts == "" {
		return 0, ""
	}

	var residual []string
	for _, tok := range strings.Split(opts, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.HasPrefix(tok, "fs=") || discardedTokens[tok] {
			continue
		}
		if t, ok := tokenTable[tok]; ok {
			if t.on {
				flags |= t.flag
			} else {
				flags &^= t.flag
			}
			continue
		}
		residual = append(residual, tok)
	}
	return flags, strings.Join(residual, ",")
}

// flagNames lists the "set" token for each flag bit, in a fixed order
// so Compose is deterministic.
var flagNames = []struct {
	flag Flags
	name string
}{
	{RDONLY, "ro"},
	{NOSUID, "nosuid"},
	{NODEV, "nodev"},
	{NOEXEC, "noexec"},
	{SYNCHRONOUS, "sync"},
	{MANDLOCK, "mand"},
	{NOATIME, "noatime"},
	{NODIRATIME, "nodiratime"},
}

// Compose renders flags and a residual data string back into an "-o"
// style option string. Residual token order is not guaranteed to
// match the original (spec.md §8 permits this), but is stable
// (lexicographic) across calls.
func Compose(flags Flags, data string) string {
	var parts []string
	for _, fn := range flagNames {
		if flags&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if data != "" {
		extra := strings.Split(data, ",")
		sort.Strings(extra)
		parts = append(parts, extra...)
	}
	return strings.Join(parts, ",")
}

// ToUnixFlags translates the bitset into the golang.org/x/sys/unix
// MS_* constants accepted by unix.Mount's flags argument.
func (f Flags) ToUnixFlags() uintptr {
	var u uintptr
	if f&RDONLY != 0 {
		u |= unix.MS_RDONLY
	}
	if f&NOSUID != 0 {
		u |= unix.MS_NOSUID
	}
	if f&NODEV != 0 {
		u |= unix.MS_NODEV
	}
	if f&NOEXEC != 0 {
		u |= unix.MS_NOEXEC
	}
	if f&SYNCHRONOUS != 0 {
		u |= unix.MS_SYNCHRONOUS
	}
	if f&MANDLOCK != 0 {
		u |= unix.MS_MANDLOCK
	}
	if f&NOATIME != 0 {
		u |= unix.MS_NOATIME
	}
	if f&NODIRATIME != 0 {
		u |= unix.MS_NODIRATIME
	}
	return u
}

// Or is the bitwise-or combinator rule tables need for
// rules.Table[Flags].FindAllUnion.
func Or(acc, cur Flags) Flags { return acc | cur }

// Default is the option set used when no mount-option rule matches a
// given entry (spec.md end-to-end scenario 1: "nosuid,nodev").
const Default = NOSUID | NODEV
