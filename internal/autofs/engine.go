// Package autofs implements the userspace half of the kernel autofs
// protocol (spec.md §4.6): mounting the autofs filesystem on the
// automount root, reading kernel request packets, dispatching them to
// the registry's mount/unmount paths, acknowledging the kernel's wait
// queue, and driving periodic expiry.
package autofs

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"

	"github.com/romanho/mediad/internal/logger"
)

// Mounter is the registry surface the engine dispatches onto
// (registry.Registry satisfies this with MountByDir/UnmountByDir).
type Mounter interface {
	MountByDir(dir string) error
	UnmountByDir(dir string) error
}

// Engine owns one autofs mount: the kernel communication pipe, the
// ioctl file descriptor on the automount root, and the packet-reader
// and expire-driver goroutines (spec.md §5 "small fixed set of
// long-lived threads").
type Engine struct {
	dir           string
	mounter       Mounter
	expireFreq    time.Duration
	expireTimeout int

	pipeRead  *os.File
	pipeWrite *os.File
	rootFd    *os.File

	protoMajor int

	mu      sync.Mutex // guards mounted, mirrors expire_lock
	cond    *sync.Cond
	mounted int

	shuttingDown int32
	wg           sync.WaitGroup
}

// New creates an engine for the autofs mount at dir. expireTimeout is
// the kernel idle-expiration window in seconds (AUTOFS_IOC_SETTIMEOUT);
// expireFreq is how often the expire driver re-polls once at least one
// entry is mounted.
func New(dir string, mounter Mounter, expireFreq time.Duration, expireTimeout int) *Engine {
	e := &Engine{
		dir:           dir,
		mounter:       mounter,
		expireFreq:    expireFreq,
		expireTimeout: expireTimeout,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start mounts the autofs filesystem, probes the kernel protocol
// version, arms the idle timeout, and launches the packet reader and
// expire driver (spec.md §4.6).
func (e *Engine) Start() error {
	r, w, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "autofs: pipe")
	}
	e.pipeRead, e.pipeWrite = r, w

	options := fmt.Sprintf("fd=%d,pgrp=%d,minproto=4,maxproto=4", int(w.Fd()), unix.Getpgrp())
	mountName := fmt.Sprintf("mediad(pid%d)", os.Getpid())
	if err := unix.Mount(mountName, e.dir, "autofs", 0, options); err != nil {
		r.Close()
		w.Close()
		return errors.Wrapf(err, "autofs: mount %s", e.dir)
	}
	w.Close()
	e.pipeWrite = nil

	root, err := os.Open(e.dir)
	if err != nil {
		_ = unix.Unmount(e.dir, 0)
		return errors.Wrapf(err, "autofs: open %s", e.dir)
	}
	e.rootFd = root

	major, err := protoVersion(int(root.Fd()))
	if err != nil {
		_ = unix.Unmount(e.dir, 0)
		return err
	}
	if major < 4 {
		_ = unix.Unmount(e.dir, 0)
		return errors.Errorf("autofs: kernel protocol too old (%d < 4)", major)
	}
	e.protoMajor = major

	if err := setTimeout(int(root.Fd()), e.expireTimeout); err != nil {
		_ = unix.Unmount(e.dir, 0)
		return err
	}

	e.wg.Add(2)
	go e.expireDriver()
	go e.packetReader()
	return nil
}

func (e *Engine) isShuttingDown() bool { return atomic.LoadInt32(&e.shuttingDown) != 0 }

// IncMounted is called after a successful mount
// (registry.Registry.mountLocked) to wake the expire driver.
func (e *Engine) IncMounted() {
	e.mu.Lock()
	e.mounted++
	e.cond.Signal()
	e.mu.Unlock()
}

// DecMounted is called after a successful unmount.
func (e *Engine) DecMounted() {
	e.mu.Lock()
	if e.mounted > 0 {
		e.mounted--
	}
	e.mu.Unlock()
}

func (e *Engine) currentMounted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mounted
}

// expireDriver wakes whenever at least one mount is active, repeatedly
// issues AUTOFS_IOC_EXPIRE_MULTI until the kernel reports no more
// candidates, sleeps expireFreq, and parks again at a zero mount count
// (spec.md §4.6).
func (e *Engine) expireDriver() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for e.mounted == 0 && !e.isShuttingDown() {
			e.cond.Wait()
		}
		e.mu.Unlock()
		if e.isShuttingDown() {
			return
		}

		for e.currentMounted() > 0 {
			for {
				found, err := expireMultiOnce(int(e.rootFd.Fd()))
				if err != nil {
					logger.ErrLevel("AUTOFS_IOC_EXPIRE_MULTI failed", err, nil)
					break
				}
				if !found {
					break
				}
			}
			time.Sleep(e.expireFreq)
		}
	}
}

// packetReader reads packets and dispatches each to a detached worker
// (spec.md §4.6 "Packet reader"/"Dispatch"). EOF on the pipe (the
// kernel torn the autofs mount down from under us) terminates the
// loop. Falls back to the legacy variable-length v4 framing only when
// PROTOVER reported a major version below 5.
func (e *Engine) packetReader() {
	defer e.wg.Done()
	for {
		var req request
		var err error
		if e.protoMajor < 5 {
			req, err = readPacketLegacy(e.pipeRead)
		} else {
			req, err = readPacket(e.pipeRead)
		}
		if err != nil {
			if e.isShuttingDown() {
				return
			}
			logger.Debug("autofs pipe closed", map[string]interface{}{"error": err})
			return
		}

		switch req.Type {
		case ptypeMissing:
			e.wg.Add(1)
			go e.handleMissing(req)
		case ptypeExpireMulti:
			e.wg.Add(1)
			go e.handleExpire(req)
		default:
			logger.Warn("unknown autofs packet type", map[string]interface{}{"type": req.Type})
		}
	}
}

func (e *Engine) handleMissing(req request) {
	defer e.wg.Done()
	logger.Debug("autofs request", map[string]interface{}{"name": req.Name})
	err := e.mounter.MountByDir(req.Name)
	if err != nil {
		logger.ErrLevel("mount dispatch failed", err, map[string]interface{}{"name": req.Name})
	}
	if ackErr := sendAck(int(e.rootFd.Fd()), req.Token, err != nil); ackErr != nil {
		logger.Warn("AUTOFS_IOC_READY/FAIL failed", map[string]interface{}{"error": ackErr})
	}
}

func (e *Engine) handleExpire(req request) {
	defer e.wg.Done()
	err := e.mounter.UnmountByDir(req.Name)
	if err != nil {
		logger.ErrLevel("unmount dispatch failed", err, map[string]interface{}{"name": req.Name})
	}
	if ackErr := sendAck(int(e.rootFd.Fd()), req.Token, err != nil); ackErr != nil {
		logger.Warn("AUTOFS_IOC_READY/FAIL failed", map[string]interface{}{"error": ackErr})
	}
}

// Shutdown marks the autofs mount catatonic (refusing further kernel
// requests), wakes the expire driver so it can observe shutdown, and
// unmounts the root. Callers are expected to have already removed
// every registered entry on a best-effort basis (spec.md §5
// "Cancellation").
func (e *Engine) Shutdown() error {
	atomic.StoreInt32(&e.shuttingDown, 1)

	if e.rootFd != nil {
		if err := catatonic(int(e.rootFd.Fd())); err != nil {
			logger.ErrLevel("AUTOFS_IOC_CATATONIC failed", err, nil)
		}
	}

	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()

	if e.rootFd != nil {
		e.rootFd.Close()
	}
	if e.pipeRead != nil {
		e.pipeRead.Close()
	}

	if err := unix.Unmount(e.dir, 0); err != nil {
		logger.ErrLevel("autofs root unmount failed", err, map[string]interface{}{"dir": e.dir})
		return err
	}
	return nil
}
