// Package logger wraps logrus the way the teacher's
// lxd-export/core/logger.SafeLogger does: a single shared logger
// instance, field-based call sites, and a shutdown mode that
// downgrades expected syscall noise to Debug (spec.md §7).
package logger

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

var (
	mu         sync.Mutex
	log        = newDefault()
	shutdownFl int32
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(colorable.NewColorableStderr())
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Configure raises the log level to Debug when debug is set. Output
// always goes to stderr; there is no separate foreground or daemon
// writer, since process supervision — and with it, redirecting stdio
// to syslog — is out of scope per spec.md §1.
func Configure(debug bool) {
	mu.Lock()
	defer mu.Unlock()
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
}

// SetOutput is used by tests to capture log output.
func SetOutput(w *os.File) {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(w)
}

// BeginShutdown marks the daemon as shutting down; subsequent calls to
// ErrLevel downgrade expected teardown errors to Debug per spec.md §7.
func BeginShutdown() { atomic.StoreInt32(&shutdownFl, 1) }

func shuttingDown() bool { return atomic.LoadInt32(&shutdownFl) != 0 }

func entry(fields logrus.Fields) *logrus.Entry {
	mu.Lock()
	l := log
	mu.Unlock()
	return l.WithFields(fields)
}

func Debug(msg string, fields logrus.Fields) { entry(fields).Debug(msg) }
func Info(msg string, fields logrus.Fields)  { entry(fields).Info(msg) }
func Warn(msg string, fields logrus.Fields)  { entry(fields).Warn(msg) }
func Error(msg string, fields logrus.Fields) { entry(fields).Error(msg) }

// ErrLevel logs err at Error level, or at Debug level if the daemon is
// shutting down — the §7 "demoted to debug" propagation policy for
// expected teardown noise (EACCES/ENOENT from unlink, EBUSY from
// unmount while racing namespace teardown).
func ErrLevel(msg string, err error, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["error"] = err
	if shuttingDown() {
		entry(fields).Debug(msg)
		return
	}
	entry(fields).Error(msg)
}
