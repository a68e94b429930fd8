// Package mount implements the Mount Executor of spec.md §4.7: helper
// binary discovery, the kernel mount syscall fallback, and the
// forced-read-only retry on EROFS.
package mount

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/romanho/mediad/internal/logger"
	"github.com/romanho/mediad/internal/mountflags"
)

// Result is call_mount's outcome, per spec.md §4.7.
type Result int

const (
	Success Result = iota
	SuccessForcedRO
	Failure
)

var helperDirs = []string{"/sbin", "/usr/sbin", "/usr/local/sbin"}

// Executor invokes the kernel mount syscall or a per-filesystem
// helper binary. Helper discovery is cached under its own mutex, per
// spec.md §4.7.
type Executor struct {
	mu      sync.Mutex
	helpers map[string]string // fstype -> resolved helper path, "" = none found
}

// NewExecutor returns a ready-to-use Mount Executor.
func NewExecutor() *Executor {
	return &Executor{helpers: map[string]string{}}
}

// Mount performs call_mount(device, path, fstype, options) (spec.md
// §4.7). fstype must already have had any fstype-replace rule applied
// by the caller (the rule table lives in internal/config, which this
// package does not depend on).
func (ex *Executor) Mount(device, path, fstype, options string) (Result, error) {
	if helper := ex.findHelper(fstype); helper != "" {
		return ex.mountViaHelper(helper, device, path, options)
	}
	return ex.mountViaSyscall(device, path, fstype, options)
}

func (ex *Executor) findHelper(fstype string) string {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if h, cached := ex.helpers[fstype]; cached {
		return h
	}

	name := "mount." + fstype
	found := ""
	for _, dir := range helperDirs {
		candidate := filepath.Join(dir, name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() && st.Mode()&0o111 != 0 {
			found = candidate
			break
		}
	}
	ex.helpers[fstype] = found
	return found
}

func (ex *Executor) mountViaHelper(helper, device, path, options string) (Result, error) {
	args := []string{device, path, "-o", options}
	cmd := exec.Command(helper, args...)

	logger.Debug("invoking mount helper", map[string]interface{}{
		"cmd": shellquote.Join(append([]string{helper}, args...)...),
	})

	if err := cmd.Run(); err != nil {
		return Failure, errors.Wrapf(err, "mount helper %s", helper)
	}
	return Success, nil
}

func (ex *Executor) mountViaSyscall(device, path, fstype, options string) (Result, error) {
	flags, data := mountflags.ParseOptions(options)

	err := unix.Mount(device, path, fstype, flags.ToUnixFlags(), data)
	if err == nil {
		return Success, nil
	}

	if err == unix.EROFS {
		roFlags := flags.ToUnixFlags() | unix.MS_RDONLY
		if err2 := unix.Mount(device, path, fstype, roFlags, data); err2 == nil {
			return SuccessForcedRO, nil
		}
	}

	return Failure, errors.Wrapf(err, "mount %s on %s", device, path)
}

// Unmount best-effort unmounts path (spec.md §4.4 remove step 3): a
// plain unmount, falling back to a lazy/detach unmount on EBUSY.
func Unmount(path string) error {
	err := unix.Unmount(path, 0)
	if err == nil {
		return nil
	}
	if err == unix.EBUSY {
		return unix.Unmount(path, unix.MNT_DETACH)
	}
	if err == unix.EINVAL || err == unix.ENOENT {
		// Not a mountpoint / already gone: not-found errors succeed
		// silently per spec.md §7.
		return nil
	}
	return err
}

// ClassifyErrno renders an unmount/mount error for logging: an errno
// as its number plus its text, any other error as its message.
func ClassifyErrno(err error) string {
	if errno, ok := err.(unix.Errno); ok {
		return fmt.Sprintf("errno %d (%s)", int(errno), errno.Error())
	}
	return err.Error()
}
