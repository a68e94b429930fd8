package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"

	"github.com/romanho/mediad/internal/config"
	"github.com/romanho/mediad/internal/logger"
	"github.com/romanho/mediad/internal/mount"
)

// Predicate selects an entry during a lookup scan.
type Predicate func(*Entry) bool

// ByDevice matches an entry's device path.
func ByDevice(device string) Predicate {
	return func(e *Entry) bool { return e.device == device }
}

// ByDir matches an entry's mountpoint leaf name.
func ByDir(dir string) Predicate {
	return func(e *Entry) bool { return e.dir == dir }
}

// BySyspath matches an entry's resolved sysfs path.
func BySyspath(syspath string) Predicate {
	return func(e *Entry) bool { return e.syspath == syspath }
}

// ByIdentity matches a specific entry by pointer identity.
func ByIdentity(target *Entry) Predicate {
	return func(e *Entry) bool { return e == target }
}

// Registry is the concurrent collection of mount entries (spec.md
// §4.4). The registry lock guards the index; each entry additionally
// has its own lock, acquired in the order registry → entry → parent
// entry (spec.md §5).
type Registry struct {
	mu        sync.Mutex
	all       []*Entry
	mountRoot string

	cfgMu      sync.Mutex
	cfg        *config.Config
	configPath string

	executor *mount.Executor
	counter  MountCounter
}

// MountCounter receives mount/unmount transitions so the autofs expire
// driver knows when at least one entry is mounted (spec.md §4.6
// "Mount counter"; satisfied by autofs.Engine).
type MountCounter interface {
	IncMounted()
	DecMounted()
}

const (
	unboundedDelay = 50 * time.Millisecond
	boundedDelay   = 500 * time.Millisecond
)

// New creates an empty registry rooted at mountRoot, using cfg as the
// initial configuration (see config.Load / config.New).
func New(mountRoot string, cfg *config.Config) *Registry {
	return &Registry{
		mountRoot: mountRoot,
		cfg:       cfg,
		executor:  mount.NewExecutor(),
	}
}

// MountRoot is the automount root directory.
func (r *Registry) MountRoot() string { return r.mountRoot }

// SetMountCounter wires the autofs engine's mount counter; Add/remove
// paths call it on every successful mount/unmount transition.
func (r *Registry) SetMountCounter(c MountCounter) { r.counter = c }

// SetConfigPath records where to reload configuration from on every
// Add (spec.md §4.4 step 1).
func (r *Registry) SetConfigPath(path string) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	r.configPath = path
}

// Config returns the currently loaded configuration. The returned
// pointer is immutable; reloads swap it wholesale (copy-on-write, per
// spec.md §9's "global rule tables" design note).
func (r *Registry) Config() *config.Config {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	return r.cfg
}

func (r *Registry) reloadConfigIfChanged() *config.Config {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()

	if r.configPath == "" {
		return r.cfg
	}
	fresh, err := config.ReloadIfChanged(r.cfg, r.configPath)
	if err != nil {
		logger.Warn("config reload failed, keeping previous configuration", map[string]interface{}{"error": err})
		return r.cfg
	}
	r.cfg = fresh
	return r.cfg
}

// Snapshot returns a shallow copy of the current entry list, for
// diagnostics and the shutdown drain in cmd/mediad. The registry lock
// is held only while copying; no entry lock is taken, and the
// returned entries are not locked.
func (r *Registry) Snapshot() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, len(r.all))
	copy(out, r.all)
	return out
}

var errContended = errContendedType{}

type errContendedType struct{}

func (errContendedType) Error() string { return "registry: entry lock contended" }

// lookup implements spec.md §4.4's lookup: scan for the first entry
// matching pred, then try to acquire its lock; on contention, release
// the registry lock, back off, and retry. maxTries <= 0 means retry
// forever; maxTries > 0 bounds the attempt count and uses the wider
// 500ms backoff window. On success the entry lock is held; the
// registry lock is released unless retain is set, in which case the
// caller is responsible for unlocking it.
//
// A predicate that matches nothing returns (nil, false) immediately —
// spec.md's retry loop is about lock contention on an entry known to
// exist, not about waiting for one to appear. That distinction is why
// this isn't itself built on github.com/Rican7/retry the way
// withParentLocked below is: retry's strategies drive attempt count
// and delay, not "stop now, this case isn't retryable at all", so the
// not-found fast path is a plain loop guard instead.
func (r *Registry) lookup(pred Predicate, retain bool, maxTries int) (*Entry, bool) {
	delay := unboundedDelay
	if maxTries > 0 {
		delay = boundedDelay
	}

	for attempt := 0; ; attempt++ {
		r.mu.Lock()
		var candidate *Entry
		for _, e := range r.all {
			if pred(e) {
				candidate = e
				break
			}
		}
		if candidate == nil {
			r.mu.Unlock()
			return nil, false
		}
		if candidate.mu.TryLock() {
			if !retain {
				r.mu.Unlock()
			}
			return candidate, true
		}
		r.mu.Unlock()

		if maxTries > 0 && attempt+1 >= maxTries {
			return nil, false
		}
		time.Sleep(delay)
	}
}

// LookupDevice finds and locks the entry for device, unbounded retry.
func (r *Registry) LookupDevice(device string) (*Entry, bool) {
	return r.lookup(ByDevice(device), false, 0)
}

// LookupDir finds and locks the entry for dir, unbounded retry.
func (r *Registry) LookupDir(dir string) (*Entry, bool) {
	return r.lookup(ByDir(dir), false, 0)
}

// withParentLocked runs fn with e's parent locked, using the
// trylock-with-backoff discipline of spec.md §3/§5: e's own lock is
// already held, so acquiring the parent lock must never block
// unboundedly (the parent's Remove may be holding its own lock while
// draining children). Gives up after 20 attempts (about 1s with a
// 50ms wait between attempts) and returns false.
func withParentLocked(e *Entry, fn func(parent *Entry)) bool {
	p := e.parent
	if p == nil {
		return false
	}

	action := func(attempt uint) error {
		if p.mu.TryLock() {
			return nil
		}
		return errContended
	}
	strategies := []retry.Strategy{
		strategy.Limit(20),
		strategy.Wait(unboundedDelay),
	}
	if err := retry.Retry(action, strategies...); err != nil {
		logger.Debug("could not acquire parent lock", nil)
		return false
	}
	defer p.mu.Unlock()
	fn(p)
	return true
}

func (r *Registry) insertLocked(e *Entry) {
	r.all = append(r.all, e)
}

func (r *Registry) removeLocked(e *Entry) {
	for i, cur := range r.all {
		if cur == e {
			r.all = append(r.all[:i], r.all[i+1:]...)
			return
		}
	}
}

// dirFromDevice derives a mountpoint leaf name from a device path:
// strip "/dev/", replace "/" with "_" (spec.md §4.4 step 2).
func dirFromDevice(device string, hidden bool) string {
	d := strings.TrimPrefix(device, "/dev/")
	d = strings.ReplaceAll(d, "/", "_")
	if hidden {
		d = "." + d
	}
	return d
}
