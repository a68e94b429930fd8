package registry

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/romanho/mediad/internal/alias"
	"github.com/romanho/mediad/internal/cond"
	"github.com/romanho/mediad/internal/config"
	"github.com/romanho/mediad/internal/logger"
	"github.com/romanho/mediad/internal/mountflags"
	"github.com/romanho/mediad/internal/probe"
)

// AddRequest is the input to Add: a device path, an optional permanent
// alias name, and the KEY=VALUE identity pairs the collaborator
// described in spec.md §6 has already parsed (from udev, from
// mdev/the command socket, or from probe.Coldplug/probe.Refresh).
type AddRequest struct {
	Device     string
	PermAlias  string
	Syspath    string // known syspath, if the caller already resolved one
	Identities []string
}

var identityKeys = map[string]cond.What{
	"ID_VENDOR":   cond.Vendor,
	"ID_MODEL":    cond.Model,
	"ID_SERIAL":   cond.Serial,
	"ID_FS_TYPE":  cond.Fstype,
	"ID_FS_UUID":  cond.UUID,
	"ID_FS_LABEL": cond.Label,
	// Legacy alternate label key, per spec.md §6.
	"ID_FS_LABEL_SAFE": cond.Label,
}

// Add registers (or re-registers) device, implementing spec.md §4.4.
func (r *Registry) Add(req AddRequest) (*Entry, error) {
	cfg := r.reloadConfigIfChanged()

	entry, found := r.lookup(ByDevice(req.Device), true, 0)
	if found {
		// lookup(retain=true) left the registry lock held; release it
		// once the new entry is no longer reachable by a concurrent
		// lookup mid-reset.
		r.resetMutableLocked(entry)
		r.mu.Unlock()
	} else {
		entry = newEntry(req.Device, dirFromDevice(req.Device, cfg.HideDeviceName), r.mountRoot)
		entry.mu.Lock()
		r.mu.Lock()
		r.insertLocked(entry)
		r.mu.Unlock()
	}
	defer entry.mu.Unlock()

	r.applyIdentities(entry, req)
	r.linkParent(entry, cfg)

	if entry.parent == nil {
		entry.mediumPresent = probeOpenable(entry.device)
	} else {
		withParentLocked(entry, func(p *Entry) {
			entry.mediumPresent = p.mediumPresent
		})
	}

	if entry.mediumPresent && entry.attrs[cond.Fstype] == "" {
		if id, err := probe.Refresh(entry.device); err == nil {
			applyIdentityPairs(entry, id.Pairs)
		}
	}

	r.emitAliasCandidates(cfg, entry, req.PermAlias)

	entry.noAutomount = cfg.NoAutomountMatches(entry)

	if err := r.materialiseDir(cfg, entry); err != nil {
		logger.ErrLevel("materialise mount directory failed", err, map[string]interface{}{"device": entry.device})
	}

	if entry.noAutomount {
		if _, err := r.mountLocked(cfg, entry); err != nil {
			logger.ErrLevel("immediate no_automount mount failed", err, map[string]interface{}{"device": entry.device})
		}
	}

	if entry.parent == nil && entry.attrs[cond.Fstype] == "" {
		r.scheduleDelayedMessage(entry.device)
	}

	return entry, nil
}

// resetMutableLocked resets an existing entry's mutable attributes
// and tears down non-permanent aliases, spec.md §4.4 step 2 "found"
// branch. Caller holds entry.mu.
func (r *Registry) resetMutableLocked(e *Entry) {
	e.attrs = map[cond.What]string{}
	_ = e.Aliases.Remove(alias.ScopeAll)
	// Drop every non-permanent alias; PERM ones (external fstab-like
	// state) survive a reset and are re-materialised below.
	_ = e.Aliases.GC(alias.PERM, 0)
}

func (r *Registry) applyIdentities(e *Entry, req AddRequest) {
	applyIdentityPairs(e, req.Identities)
	if req.Syspath != "" {
		e.syspath = req.Syspath
	} else if e.syspath == "" {
		if sp, err := resolveSyspath(e.device); err == nil {
			e.syspath = sp
		}
	}
}

func applyIdentityPairs(e *Entry, pairs []string) {
	for _, p := range pairs {
		idx := strings.IndexByte(p, '=')
		if idx < 0 {
			continue
		}
		key, val := p[:idx], p[idx+1:]
		if key == "DEVPATH" {
			e.syspath = val
			continue
		}
		if what, ok := identityKeys[key]; ok {
			e.SetAttr(what, val)
		}
	}
}

// resolveSyspath derives a plausible /sys path from a /dev node name
// when the caller didn't already supply one (spec.md §4.4 step 3).
func resolveSyspath(device string) (string, error) {
	leaf := strings.TrimPrefix(device, "/dev/")
	candidate := filepath.Join("/sys/class/block", leaf)
	if _, err := os.Lstat(candidate); err != nil {
		return "", err
	}
	target, err := os.Readlink(candidate)
	if err != nil {
		return candidate, nil
	}
	if filepath.IsAbs(target) {
		return target, nil
	}
	return filepath.Clean(filepath.Join(filepath.Dir(candidate), target)), nil
}

// linkParent implements spec.md §4.4 step 4: if the device looks like
// a partition (its syspath directory has a "start" attribute file), find
// its whole-device sibling by syspath and register the parent link
// plus the on-disk partNN symlink.
func (r *Registry) linkParent(e *Entry, cfg *config.Config) {
	if e.syspath == "" || e.parent != nil {
		return
	}
	if !looksPartitioned(e.syspath) {
		return
	}

	partNum, wholeSyspath, ok := splitPartitionSyspath(e.syspath)
	if !ok {
		logger.Warn("partition device has no discoverable parent", map[string]interface{}{"device": e.device})
		return
	}

	parent, found := r.lookup(BySyspath(wholeSyspath), false, 40)
	if !found {
		logger.Warn("partition's parent not yet registered", map[string]interface{}{"device": e.device, "parent_syspath": wholeSyspath})
		return
	}
	defer parent.mu.Unlock()

	e.partition = partNum
	e.parent = parent
	parent.childrenCount++

	linkName := filepath.Join(r.mountRoot, parent.dir, "part"+fmt2(partNum))
	_ = os.Symlink(filepath.Join("..", e.dir), linkName)
}

// looksPartitioned reports whether syspath names a partition node
// (has a "start" attribute file inside it, spec.md §4.4 step 4).
func looksPartitioned(syspath string) bool {
	if syspath == "" {
		return false
	}
	_, err := os.Lstat(filepath.Join(syspath, "start"))
	return err == nil
}

// splitPartitionSyspath parses the partition number from the trailing
// digits of syspath's leaf and returns syspath's parent directory as
// the whole-device syspath.
func splitPartitionSyspath(syspath string) (num int, wholeSyspath string, ok bool) {
	dir, leaf := filepath.Split(strings.TrimRight(syspath, "/"))
	i := len(leaf)
	for i > 0 && leaf[i-1] >= '0' && leaf[i-1] <= '9' {
		i--
	}
	if i == len(leaf) {
		return 0, "", false
	}
	n, err := strconv.Atoi(leaf[i:])
	if err != nil {
		return 0, "", false
	}
	return n, strings.TrimRight(filepath.Join(dir), "/"), true
}

func fmt2(n int) string {
	s := strconv.Itoa(n)
	if len(s) < 2 {
		s = "0" + s
	}
	return s
}

func probeOpenable(device string) bool {
	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// emitAliasCandidates implements spec.md §4.4 step 7: permanent,
// model, label, uuid, then every matching alias-rule template, in
// that order.
func (r *Registry) emitAliasCandidates(cfg *config.Config, e *Entry, permAlias string) {
	if permAlias != "" && permAlias != e.dir && !cfg.HideDeviceName {
		e.Aliases.AddCandidate(permAlias, e.partition, alias.PERM)
	}

	if model, ok := e.attrs[cond.Model]; ok && model != "" {
		e.Aliases.AddCandidate(model+"%u%P", e.partition, 0)
	}

	if label, ok := e.attrs[cond.Label]; ok && label != "" {
		if cfg.LabelUnique {
			e.Aliases.AddCandidateUnique(label+"%u", e.partition, alias.FSSPEC)
		} else {
			e.Aliases.AddCandidate(label+"%u", e.partition, alias.FSSPEC)
		}
	}

	if uuid, ok := e.attrs[cond.UUID]; ok && uuid != "" {
		fstype := e.attrs[cond.Fstype]
		e.Aliases.AddCandidate(fstype+":"+uuid, e.partition, alias.FSSPEC)
	}

	cfg.AliasRules.EachMatching(e, func(rule config.AliasRule, fsspec bool) bool {
		e.Aliases.AddCandidate(rule.Template, e.partition, rule.Flags)
		return true
	})
}

// materialiseDir creates the on-disk mountpoint directory and
// materialises aliases (spec.md §4.4 step 9): scope "all" once fstype
// is known, "nonspec" otherwise.
func (r *Registry) materialiseDir(cfg *config.Config, e *Entry) error {
	dirPath := filepath.Join(r.mountRoot, e.dir)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return err
	}

	scope := alias.ScopeNonspec
	if e.attrs[cond.Fstype] != "" {
		scope = alias.ScopeAll
	}
	return e.Aliases.Materialise(scope)
}

// ComputeMountOptions resolves the mount-option flags and residual
// fs-option data string for e (spec.md §4.4 step 8), via cfg's rule
// tables. Falls back to mountflags.Default ("nosuid,nodev") when the
// matching rules contribute no flag bits (including when no rule
// matches), per the end-to-end scenario in spec.md §8.
func ComputeMountOptions(cfg *config.Config, e *Entry) (mountflags.Flags, string) {
	flags := cfg.MountOptionRules.FindAllUnion(e, mountflags.Or)
	if flags == 0 {
		flags = mountflags.Default
	}
	data, _ := cfg.FsOptionRules.FindFirst(e)
	return flags, data
}

// scheduleDelayedMessage implements spec.md §4.4 step 11 and the
// Open Question (a) decision in SPEC_FULL.md: a one-second delayed
// "no filesystem" log, suppressed if the entry has gained children (or
// disappeared) in the meantime.
func (r *Registry) scheduleDelayedMessage(device string) {
	time.AfterFunc(1*time.Second, func() {
		e, ok := r.lookup(ByDevice(device), false, 1)
		if !ok {
			// Entry is gone: return without dereferencing anything,
			// resolving the source's latent use-after-free per
			// SPEC_FULL.md Open Question (a).
			return
		}
		defer e.mu.Unlock()

		if e.childrenCount > 0 {
			return
		}
		logger.Info("device has no recognised filesystem", map[string]interface{}{"device": e.device})
	})
}
