package command

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// AcquireStartupLock takes an exclusive flock on path (created if
// missing) to coordinate one-shot daemon start-up next to the command
// socket (spec.md §6, SPEC_FULL.md supplemented feature). It returns a
// release function; a second daemon instance calling this
// concurrently gets an error instead of silently racing the first over
// the socket file.
func AcquireStartupLock(path string) (release func() error, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "lock file %s", path)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "another mediad instance holds %s", path)
	}

	return func() error {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return f.Close()
	}, nil
}
