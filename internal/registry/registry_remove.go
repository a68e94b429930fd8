package registry

import (
	"os"
	"path/filepath"
	"time"

	"github.com/romanho/mediad/internal/alias"
	"github.com/romanho/mediad/internal/logger"
	"github.com/romanho/mediad/internal/mount"
)

const maxDrainAttempts = 6

// Remove implements spec.md §4.4 Remove(device). A device with no
// registered entry succeeds silently (§7 "not-found... silently
// succeeds for unmount").
func (r *Registry) Remove(device string) error {
	for attempt := 0; attempt < maxDrainAttempts; attempt++ {
		entry, found := r.lookup(ByDevice(device), true, 0)
		if !found {
			return nil
		}

		if entry.childrenCount > 0 {
			entry.mu.Unlock()
			r.mu.Unlock()
			time.Sleep(boundedDelay)
			continue
		}

		r.removeLocked(entry)
		r.mu.Unlock()
		return r.finishRemove(entry)
	}

	logger.Debug("giving up removing device: children did not drain", map[string]interface{}{"device": device})
	return nil
}

// finishRemove performs the unmount/alias-teardown/directory-removal
// tail of Remove (spec.md §4.4 steps 3-5). Caller holds entry.mu and
// has already detached entry from the registry index.
func (r *Registry) finishRemove(entry *Entry) error {
	defer entry.mu.Unlock()

	path := filepath.Join(r.mountRoot, entry.dir)
	wasMounted := entry.mounted
	if err := mount.Unmount(path); err != nil {
		logger.ErrLevel("unmount during remove failed", err, map[string]interface{}{"device": entry.device})
	} else {
		entry.mounted = false
		if wasMounted && r.counter != nil {
			r.counter.DecMounted()
		}
	}

	if entry.parent != nil {
		withParentLocked(entry, func(p *Entry) {
			if p.childrenCount > 0 {
				p.childrenCount--
			}
			linkName := filepath.Join(r.mountRoot, p.dir, "part"+fmt2(entry.partition))
			if err := os.Remove(linkName); err != nil && !os.IsNotExist(err) {
				logger.ErrLevel("remove partition symlink failed", err, map[string]interface{}{"device": entry.device})
			}
		})
	}

	if err := entry.Aliases.Remove(alias.ScopeAll); err != nil {
		logger.ErrLevel("remove aliases failed", err, map[string]interface{}{"device": entry.device})
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.ErrLevel("remove mount directory failed", err, map[string]interface{}{"device": entry.device})
	}

	if !entry.suppressMessage {
		logger.Info("device removed", map[string]interface{}{"device": entry.device})
	}
	return nil
}
