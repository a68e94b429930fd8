// Package config holds the parsed rule list the core consumes
// (spec.md §6 "Config file"). The lexer/grammar is a small in-scope
// convenience — spec.md §1 treats the configuration-file lexer as an
// out-of-scope collaborator that hands the core a parsed rule list —
// so this loader is deliberately minimal: no third-party parser in
// the examples pack matches this grammar (see DESIGN.md), so it is
// hand-rolled over bufio.Scanner.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/romanho/mediad/internal/alias"
	"github.com/romanho/mediad/internal/cond"
	"github.com/romanho/mediad/internal/mountflags"
	"github.com/romanho/mediad/internal/rules"
)

// AliasRule is the payload of an alias rule: a template (with %p/%P/%u
// placeholders) and the flags the resulting alias should carry.
type AliasRule struct {
	Template string
	Flags    alias.Flag
}

// Config is the full parsed rule list plus the scalar settings
// spec.md §6 lists as config keywords.
type Config struct {
	Path string

	ScanFstab      bool
	HideDeviceName bool
	LabelUnique    bool
	Debug          bool
	BlinkLED       bool
	ExpireFrequency int // seconds, default 10
	ExpireTimeout   int // seconds, default 300

	AliasRules       *rules.Table[AliasRule]
	FsOptionRules    *rules.Table[string]
	MountOptionRules *rules.Table[mountflags.Flags]
	NoAutomountConds []*cond.Condition
	FstypeReplace    map[string]string

	mtime time.Time
}

// New returns an empty configuration with sensible defaults, the
// state a daemon with no config file at all would run with.
func New() *Config {
	return &Config{
		ScanFstab:        true,
		ExpireFrequency:  10,
		ExpireTimeout:    300,
		AliasRules:       rules.New[AliasRule](),
		FsOptionRules:    rules.New[string](),
		MountOptionRules: rules.New[mountflags.Flags](),
		FstypeReplace:    map[string]string{},
	}
}

// Mtime is the configuration file's modification time as of the last
// successful Load, used by the registry to decide whether to reload
// on every Add (spec.md §4.4 step 1).
func (c *Config) Mtime() time.Time { return c.mtime }

// ReloadIfChanged re-reads path if its on-disk mtime differs from the
// currently loaded one, returning the (possibly unchanged) Config.
// A copy-on-write pointer swap — the design-notes recommendation for
// "global rule tables" — is implemented by callers: Load never
// mutates an existing Config in place.
func ReloadIfChanged(cur *Config, path string) (*Config, error) {
	if path == "" {
		return cur, nil
	}
	st, err := os.Stat(path)
	if err != nil {
		return cur, errors.Wrap(err, "stat config")
	}
	if cur != nil && st.ModTime().Equal(cur.mtime) {
		return cur, nil
	}
	return Load(path)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "y", "yes", "t", "true", "on", "1":
		return true, nil
	case "n", "no", "f", "false", "off", "0":
		return false, nil
	default:
		return false, errors.Errorf("not a boolean: %q", s)
	}
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat config")
	}

	c := New()
	c.Path = path
	c.mtime = st.ModTime()

	if err := parse(f, c); err != nil {
		return nil, err
	}
	return c, nil
}

// parse reads r line by line. Malformed rules are warnings (spec.md
// §7 "config: warning per rule, other rules still loaded"); a parse
// failure never aborts the rest of the file.
func parse(r io.Reader, c *Config) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := parseLine(line, c); err != nil {
			// Non-fatal per spec.md §7: log-worthy, not propagated.
			fmt.Fprintf(os.Stderr, "mediad: config:%d: %v\n", lineNo, err)
		}
	}
	return scanner.Err()
}

func parseLine(line string, c *Config) error {
	word, rest := splitWord(line)
	switch word {
	case "scan-fstab":
		return assignBool(&c.ScanFstab, rest)
	case "hide-device-name":
		return assignBool(&c.HideDeviceName, rest)
	case "label-unique":
		return assignBool(&c.LabelUnique, rest)
	case "debug":
		return assignBool(&c.Debug, rest)
	case "blink-led":
		return assignBool(&c.BlinkLED, rest)
	case "expire-frequency":
		return assignPositiveInt(&c.ExpireFrequency, rest)
	case "expire-timeout":
		return assignPositiveInt(&c.ExpireTimeout, rest)
	case "options":
		return parseOptionsRule(rest, c)
	case "alias":
		return parseAliasRule(rest, c)
	case "no_automount":
		return parseNoAutomount(rest, c)
	case "use":
		return parseUseInstead(rest, c)
	default:
		return errors.Errorf("unknown keyword %q", word)
	}
}

func splitWord(line string) (word, rest string) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

func assignBool(dst *bool, rest string) error {
	v, err := parseBool(rest)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func assignPositiveInt(dst *int, rest string) error {
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return errors.Wrap(err, "not an integer")
	}
	if n <= 0 {
		return errors.Errorf("value must be positive, got %d", n)
	}
	*dst = n
	return nil
}

// parseQuoted extracts a leading "..." string, returning its contents
// and what followed.
func parseQuoted(s string) (quoted, rest string, err error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 || s[0] != '"' {
		return "", "", errors.New("expected quoted string")
	}
	end := strings.IndexByte(s[1:], '"')
	if end < 0 {
		return "", "", errors.New("unterminated quoted string")
	}
	return s[1 : 1+end], strings.TrimSpace(s[1+end+1:]), nil
}

// condKeyword splits "if <cond-list>" or "for <cond-list>" (both
// accepted per spec.md §6).
func condKeyword(rest string) (string, error) {
	word, tail := splitWord(rest)
	if word != "if" && word != "for" {
		return "", errors.Errorf("expected 'if'/'for', got %q", word)
	}
	return tail, nil
}

var whatNames = map[string]cond.What{
	"device":      cond.Device,
	"mtab-device": cond.MtabDevice,
	"vendor":      cond.Vendor,
	"model":       cond.Model,
	"serial":      cond.Serial,
	"partition":   cond.Partition,
	"fstype":      cond.Fstype,
	"uuid":        cond.UUID,
	"label":       cond.Label,
}

// parseCondList parses atoms separated by "," or "&&", each of the
// form `what == "value"` or `what != "value"`.
func parseCondList(s string) (*cond.Condition, error) {
	parts := splitCondAtoms(s)
	c := &cond.Condition{}
	for _, p := range parts {
		a, err := parseAtom(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		c.Atoms = append(c.Atoms, a)
	}
	if len(c.Atoms) == 0 {
		return nil, errors.New("empty condition list")
	}
	return c, nil
}

func splitCondAtoms(s string) []string {
	s = strings.ReplaceAll(s, "&&", ",")
	return strings.Split(s, ",")
}

func parseAtom(s string) (cond.Atom, error) {
	var op cond.Op
	var idx int
	if idx = strings.Index(s, "=="); idx >= 0 {
		op = cond.EQ
	} else if idx = strings.Index(s, "!="); idx >= 0 {
		op = cond.NE
	} else {
		return cond.Atom{}, errors.Errorf("missing ==/!= in %q", s)
	}

	whatStr := strings.TrimSpace(s[:idx])
	valStr := strings.TrimSpace(s[idx+2:])
	valStr = strings.Trim(valStr, `"`)

	what, ok := whatNames[whatStr]
	if !ok {
		return cond.Atom{}, errors.Errorf("unknown condition subject %q", whatStr)
	}
	return cond.Atom{What: what, Op: op, Value: valStr}, nil
}

func parseOptionsRule(rest string, c *Config) error {
	opts, tail, err := parseQuoted(rest)
	if err != nil {
		return err
	}
	condStr, err := condKeyword(tail)
	if err != nil {
		return err
	}
	condition, err := parseCondList(condStr)
	if err != nil {
		return err
	}
	flags, data := mountflags.ParseOptions(opts)
	c.MountOptionRules.Insert(condition, flags)
	if data != "" {
		c.FsOptionRules.Insert(condition, data)
	}
	return nil
}

func parseAliasRule(rest string, c *Config) error {
	name, tail, err := parseQuoted(rest)
	if err != nil {
		return err
	}
	condStr, err := condKeyword(tail)
	if err != nil {
		return err
	}
	condition, err := parseCondList(condStr)
	if err != nil {
		return err
	}
	flags := alias.Flag(0)
	if condition.Fsspec() {
		flags = alias.FSSPEC
	}
	c.AliasRules.Insert(condition, AliasRule{Template: name, Flags: flags})
	return nil
}

func parseNoAutomount(rest string, c *Config) error {
	condStr, err := condKeyword(rest)
	if err != nil {
		return err
	}
	condition, err := parseCondList(condStr)
	if err != nil {
		return err
	}
	c.NoAutomountConds = append(c.NoAutomountConds, condition)
	return nil
}

func parseUseInstead(rest string, c *Config) error {
	newFs, tail, err := parseQuoted(rest)
	if err != nil {
		return err
	}
	word, tail2 := splitWord(tail)
	if word != "instead" {
		return errors.Errorf("expected 'instead', got %q", word)
	}
	oldFs, _, err := parseQuoted(tail2)
	if err != nil {
		return err
	}
	c.FstypeReplace[oldFs] = newFs
	return nil
}

// NoAutomountMatches reports whether any no_automount condition
// matches e.
func (c *Config) NoAutomountMatches(e cond.Entry) bool {
	for _, cnd := range c.NoAutomountConds {
		if matched, _ := cond.Match(cnd, e); matched {
			return true
		}
	}
	return false
}

// ReplaceFstype substitutes fstype per a "use ... instead ..." rule,
// if one applies.
func (c *Config) ReplaceFstype(fstype string) string {
	if repl, ok := c.FstypeReplace[fstype]; ok {
		return repl
	}
	return fstype
}
