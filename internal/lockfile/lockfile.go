// Package lockfile provides cross-process mutual exclusion through
// "<path>.lock" files and crash-safe replacement of "<path>" through a
// staging "<path>.new" file that is renamed into place.
package lockfile

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	LockSuffix = ".lock"
	NewSuffix  = ".new"
)

const (
	initialBackoff = time.Millisecond
	maxBackoff     = 100 * time.Millisecond
)

// LockError reports a failure to create a lock file.
type LockError struct {
	Path string // the lock file
	Err  error
}

func (e *LockError) Error() string {
	if os.IsExist(e.Err) {
		return "Unable to create '" + e.Path + "': File exists.\n\n" +
			"Another process seems to be running in this repository. " +
			"If it still fails, a process may have crashed earlier: " +
			"make sure no other process is running and then remove the file manually to continue."
	}
	return "Unable to create '" + e.Path + "': " + e.Err.Error()
}

func (e *LockError) Unwrap() error { return e.Err }

// Lock is a held "<path>.lock" file. The zero value is not usable.
type Lock struct {
	target   string
	lockPath string
	held     bool
}

// Acquire creates path+".lock" exclusively. If another process holds it,
// Acquire polls with growing backoff until timeout elapses. A zero timeout
// tries once; a negative timeout waits indefinitely. A failed attempt
// leaves no file behind.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	lockPath := path + LockSuffix
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	backoff := initialBackoff
	for {
		err := tryCreate(lockPath)
		if err == nil {
			return &Lock{target: path, lockPath: lockPath, held: true}, nil
		}
		if !os.IsExist(err) || timeout == 0 {
			return nil, &LockError{Path: lockPath, Err: err}
		}

		wait := backoff
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, &LockError{Path: lockPath, Err: err}
			}
			if wait > remaining {
				wait = remaining
			}
		}
		log.Debugf("lockfile: %s is held, retrying in %s", lockPath, wait)
		time.Sleep(wait)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func tryCreate(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return err
	}
	// Nothing is ever written to the lock file itself.
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return err
	}
	return nil
}

// Path is the file protected by the lock.
func (l *Lock) Path() string { return l.target }

// LockPath is the lock file itself.
func (l *Lock) LockPath() string { return l.lockPath }

// Held reports whether Unlock has not yet been called.
func (l *Lock) Held() bool { return l != nil && l.held }

// Unlock removes the lock file. Calling it on a released lock is a no-op.
func (l *Lock) Unlock() error {
	if !l.Held() {
		return nil
	}
	l.held = false
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", l.lockPath)
	}
	return nil
}

// Tempfile is a staging file that is either renamed over its destination
// or deleted. It must only be created while holding the destination's Lock.
type Tempfile struct {
	f      *os.File
	path   string
	active bool
}

// CreateTemp creates path exclusively. A stale file left behind by a crashed
// writer is removed first; holding the lock guarantees nobody else owns it.
func CreateTemp(path string) (*Tempfile, error) {
	if err := os.Remove(path); err == nil {
		log.Debugf("lockfile: removed stale %s", path)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "unable to create file %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create file %s", path)
	}
	return &Tempfile{f: f, path: path, active: true}, nil
}

func (t *Tempfile) Path() string { return t.path }

// Active reports whether the file still exists under its staging name.
func (t *Tempfile) Active() bool { return t != nil && t.active }

func (t *Tempfile) Write(p []byte) (int, error) {
	if t.f == nil {
		return 0, errors.Errorf("write to closed tempfile %s", t.path)
	}
	return t.f.Write(p)
}

// Close flushes the file to stable storage and closes the descriptor,
// leaving the file in place.
func (t *Tempfile) Close() error {
	if t.f == nil {
		return nil
	}
	f := t.f
	t.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "error closing file %s", t.path)
	}
	return errors.Wrapf(f.Close(), "error closing file %s", t.path)
}

// RenameTo closes the file if needed and atomically replaces dest with it.
func (t *Tempfile) RenameTo(dest string) error {
	if !t.Active() {
		return errors.Errorf("tempfile %s is not active", t.path)
	}
	if err := t.Close(); err != nil {
		return err
	}
	if err := os.Rename(t.path, dest); err != nil {
		return errors.Wrapf(err, "rename %s to %s", t.path, dest)
	}
	t.active = false
	return syncDir(filepath.Dir(dest))
}

// Delete closes and removes the staging file. It is idempotent.
func (t *Tempfile) Delete() error {
	if !t.Active() {
		return nil
	}
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
	t.active = false
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", t.path)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		// not all filesystems support fsync on directories
		log.Debugf("lockfile: fsync %s: %v", dir, err)
	}
	return nil
}
