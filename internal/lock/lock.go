// Package lock implements the advisory file locks guarding the store and
// the working copy. Locks are exclusive across processes and re-entrant
// within one process; the lock file records host and pid so contention can
// be diagnosed without inspecting the filesystem by hand.
package lock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"
)

// Holder describes the process currently owning a lock.
type Holder struct {
	Host string
	PID  int
}

func (h Holder) String() string {
	return fmt.Sprintf("%s:%d", h.Host, h.PID)
}

// HeldError is returned when a lock cannot be acquired before the
// configured timeout. It names the current holder and how long the caller
// waited so the CLI layer can print actionable diagnostics.
type HeldError struct {
	Path   string
	Holder Holder
	Waited time.Duration
}

func (e *HeldError) Error() string {
	return fmt.Sprintf(
		"lock %q held by %s (waited %s)",
		e.Path, e.Holder, e.Waited.Round(time.Millisecond),
	)
}

// ErrUnavailable is returned when the lock file cannot be created for a
// reason other than contention (permissions, missing directory).
var ErrUnavailable = errors.Sentinel("lock unavailable")

// Lock is a single named advisory lock backed by a lock file.
type Lock struct {
	path string
	log  logrus.FieldLogger

	mu    sync.Mutex
	depth int
}

func New(path string) *Lock {
	return &Lock{
		path: path,
		log:  logrus.WithField("lock", path),
	}
}

type AcquireOpts struct {
	// Timeout bounds the total wait; zero means fail immediately if held.
	Timeout time.Duration
	// WarnAfter, if non-zero, logs a warning naming the holder once the
	// wait exceeds it.
	WarnAfter time.Duration
}

// Acquire takes the lock, waiting up to opts.Timeout. A nested acquire
// from the same process succeeds immediately; every Acquire must be paired
// with a Release.
func (l *Lock) Acquire(opts AcquireOpts) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth > 0 {
		l.depth++
		return nil
	}

	start := time.Now()
	warned := false
	for {
		err := l.tryLock()
		if err == nil {
			l.depth = 1
			return nil
		}
		if !os.IsExist(errors.Cause(err)) {
			return errors.WrapIf(ErrUnavailable, err.Error())
		}
		holder, _ := l.readHolder()
		waited := time.Since(start)
		if !warned && opts.WarnAfter > 0 && waited >= opts.WarnAfter {
			l.log.Warnf("waiting for lock held by %s", holder)
			warned = true
		}
		if waited >= opts.Timeout {
			return &HeldError{Path: l.path, Holder: holder, Waited: waited}
		}
		time.Sleep(pollInterval)
	}
}

// Release drops one level of the lock; the lock file is removed when the
// outermost hold is released.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 {
		return
	}
	l.depth--
	if l.depth == 0 {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			l.log.WithError(err).Warn("failed to remove lock file")
		}
	}
}

const pollInterval = 100 * time.Millisecond

func (l *Lock) tryLock() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	host, _ := os.Hostname()
	_, werr := fmt.Fprintf(f, "%s:%d\n", host, os.Getpid())
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(l.path)
		if werr != nil {
			return errors.Wrap(werr, "failed to write lock file")
		}
		return errors.Wrap(cerr, "failed to write lock file")
	}
	return nil
}

func (l *Lock) readHolder() (Holder, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return Holder{Host: "unknown"}, err
	}
	host, pidStr, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !ok {
		return Holder{Host: "unknown"}, nil
	}
	pid, _ := strconv.Atoi(pidStr)
	return Holder{Host: host, PID: pid}, nil
}
