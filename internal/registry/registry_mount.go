package registry

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/romanho/mediad/internal/alias"
	"github.com/romanho/mediad/internal/cond"
	"github.com/romanho/mediad/internal/config"
	"github.com/romanho/mediad/internal/logger"
	"github.com/romanho/mediad/internal/medium"
	"github.com/romanho/mediad/internal/mount"
	"github.com/romanho/mediad/internal/mountflags"
	"github.com/romanho/mediad/internal/probe"
)

// MountByDir performs the mount the kernel's autofs "missing" packet
// requested for the entry whose mountpoint leaf is dir (spec.md
// §4.6 dispatch, §4.4 step 10's "as if the kernel had requested
// one" path). It re-runs the medium-change detector first, so a
// fresh disc swapped in since the last mount gets its aliases
// refreshed before the mount itself is attempted.
func (r *Registry) MountByDir(dir string) error {
	entry, ok := r.lookup(ByDir(dir), false, 0)
	if !ok {
		return errors.Errorf("mount: no entry for %s", dir)
	}
	defer entry.mu.Unlock()

	r.refreshMediumLocked(entry)
	if !entry.mediumPresent {
		return errors.Errorf("mount: %s has no medium present", entry.device)
	}

	cfg := r.Config()
	_, err := r.mountLocked(cfg, entry)
	return err
}

// UnmountByDir performs the unmount the kernel's autofs
// "expire_multi" packet requested.
func (r *Registry) UnmountByDir(dir string) error {
	entry, ok := r.lookup(ByDir(dir), false, 0)
	if !ok {
		return errors.Errorf("unmount: no entry for %s", dir)
	}
	defer entry.mu.Unlock()

	return r.unmountLocked(entry)
}

func composeOptionString(flags mountflags.Flags, data string) string {
	return mountflags.Compose(flags, data)
}

// mountLocked is the shared mount path for both no_automount's
// immediate mount (registry_add.go) and the autofs "missing"
// dispatch. Caller holds entry.mu.
func (r *Registry) mountLocked(cfg *config.Config, e *Entry) (mount.Result, error) {
	if e.mounted {
		return mount.Success, nil
	}

	fstype := cfg.ReplaceFstype(e.attrs[cond.Fstype])
	flags, fsData := ComputeMountOptions(cfg, e)
	optionString := composeOptionString(flags, fsData)

	path := filepath.Join(r.mountRoot, e.dir)
	result, err := r.executor.Mount(e.device, path, fstype, optionString)
	if err != nil {
		logger.ErrLevel("mount failed", err, map[string]interface{}{"device": e.device, "fstype": fstype})
		return result, err
	}

	e.mounted = true
	if r.counter != nil {
		r.counter.IncMounted()
	}
	if result == mount.SuccessForcedRO {
		logger.Info("mounted read-only after EROFS", map[string]interface{}{"device": e.device})
	} else {
		logger.Info("mounted", map[string]interface{}{"device": e.device, "fstype": fstype, "options": optionString})
	}
	return result, nil
}

// unmountLocked is spec.md §4.4 remove step 3's best-effort unmount,
// reused by the autofs expire path. Caller holds entry.mu. Unmount
// failures other than EBUSY/EINVAL/ENOENT leave Mounted true so the
// kernel will retry later (spec.md §7).
func (r *Registry) unmountLocked(e *Entry) error {
	if !e.mounted {
		return nil
	}
	path := filepath.Join(r.mountRoot, e.dir)
	if err := mount.Unmount(path); err != nil {
		logger.ErrLevel("unmount failed, will retry on next expire", err, map[string]interface{}{"device": e.device})
		return err
	}
	e.mounted = false
	if r.counter != nil {
		r.counter.DecMounted()
	}
	return nil
}

// refreshMediumLocked runs the medium-change detector (spec.md §4.5)
// and, on a transition into present-changed, re-probes attributes and
// sweeps filesystem-specific aliases. For a partition entry, the
// medium check is delegated to the parent (spec.md §4.5 "For
// partition entries, medium checks operate on the parent entry").
func (r *Registry) refreshMediumLocked(e *Entry) {
	if e.parent != nil {
		withParentLocked(e, func(p *Entry) {
			r.refreshMediumLocked(p)
			e.mediumPresent = p.mediumPresent
		})
		return
	}

	changed, present, err := e.Detector.Check(e.device)
	if err != nil {
		logger.ErrLevel("medium check failed", err, map[string]interface{}{"device": e.device})
	}
	e.mediumPresent = present
	e.mediumChanged = changed

	if !present {
		_ = e.Aliases.Remove(alias.ScopeFsspec)
		return
	}

	if e.Detector.State() == medium.PresentChanged || changed {
		cfg := r.Config()
		if id, err2 := probe.Refresh(e.device); err2 == nil {
			applyIdentityPairs(e, id.Pairs)
		}
		_ = e.Aliases.Sweep(func(mgr *alias.Manager) {
			r.emitFsspecCandidates(cfg, e)
		})
	}
}

// emitFsspecCandidates re-adds the filesystem-specific alias
// candidates (label, uuid, matching fsspec alias rules) during a
// media-change sweep (spec.md §4.3's mark→emit→materialise→gc
// pattern). Every candidate carries alias.OLD so AddCandidate's
// idempotent-refresh rule (§4.3/§8) clears OLD on survivors instead of
// duplicating them.
func (r *Registry) emitFsspecCandidates(cfg *config.Config, e *Entry) {
	if label, ok := e.attrs[cond.Label]; ok && label != "" {
		if cfg.LabelUnique {
			e.Aliases.AddCandidateUnique(label+"%u", e.partition, alias.FSSPEC|alias.OLD)
		} else {
			e.Aliases.AddCandidate(label+"%u", e.partition, alias.FSSPEC|alias.OLD)
		}
	}
	if uuid, ok := e.attrs[cond.UUID]; ok && uuid != "" {
		fstype := e.attrs[cond.Fstype]
		e.Aliases.AddCandidate(fstype+":"+uuid, e.partition, alias.FSSPEC|alias.OLD)
	}
	cfg.AliasRules.EachMatching(e, func(rule config.AliasRule, fsspec bool) bool {
		if rule.Flags&alias.FSSPEC != 0 {
			e.Aliases.AddCandidate(rule.Template, e.partition, rule.Flags|alias.OLD)
		}
		return true
	})
}
