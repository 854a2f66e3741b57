package refs

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/systemshift/memex-refs/internal/lockfile"
	"github.com/systemshift/memex-refs/internal/objid"
)

// DefaultLockTimeout is how long a transaction waits for another process's
// lock before giving up.
const DefaultLockTimeout = time.Second

type Options struct {
	Algo    objid.Algo
	Objects ObjectReader
	// LockTimeout applies to locks taken by transactions. Zero selects
	// DefaultLockTimeout.
	LockTimeout time.Duration
}

// Store is the chunked reference store of one repository. It is safe for
// concurrent use; only one transaction may be prepared at a time.
type Store struct {
	path        string
	algo        objid.Algo
	objects     ObjectReader
	lockTimeout time.Duration

	mu       sync.Mutex
	snap     *snapshot
	lock     *lockfile.Lock
	tempfile *lockfile.Tempfile
	txActive bool
}

// New opens the store whose file is dir/chunked-refs. Nothing is read
// until the first query.
func New(dir string, opts Options) (*Store, error) {
	if opts.Algo.Size == 0 {
		return nil, errors.New("refs: hash algorithm not set")
	}
	if opts.Objects == nil {
		return nil, errors.New("refs: object reader not set")
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	return &Store{
		path:        filepath.Join(filepath.Clean(dir), FileName),
		algo:        opts.Algo,
		objects:     opts.Objects,
		lockTimeout: opts.LockTimeout,
	}, nil
}

// Path returns the live file.
func (s *Store) Path() string { return s.path }

func (s *Store) Algo() objid.Algo { return s.algo }

// currentSnapshot returns the cached snapshot, reloading it when the file
// changed underneath. While the lock is held nobody else can change the
// file, so the stat check is skipped. Caller holds s.mu.
func (s *Store) currentSnapshot() (*snapshot, error) {
	if s.snap != nil && !s.lock.Held() && !s.snap.validity.current(s.path) {
		log.Debugf("refs: %s changed, dropping cached snapshot", s.path)
		s.clearSnapshot()
	}
	if s.snap == nil {
		snap, err := loadSnapshot(s.path, s.algo)
		if err != nil {
			return nil, err
		}
		s.snap = snap
	}
	return s.snap, nil
}

// clearSnapshot drops the store's reference. Caller holds s.mu.
func (s *Store) clearSnapshot() {
	if s.snap != nil {
		snap := s.snap
		s.snap = nil
		snap.release()
	}
}

// acquireSnapshot returns the current snapshot with a reference the caller
// must release.
func (s *Store) acquireSnapshot() (*snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.currentSnapshot()
	if err != nil {
		return nil, err
	}
	snap.acquire()
	return snap, nil
}

// Invalidate drops the cached snapshot so the next query reloads. It is a
// no-op while the lock is held.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lock.Held() {
		s.clearSnapshot()
	}
}

// Read returns the record for name, or an error wrapping ErrNotFound.
// Broken records are returned with Broken set.
func (s *Store) Read(name string) (Ref, error) {
	snap, err := s.acquireSnapshot()
	if err != nil {
		return Ref{}, err
	}
	defer snap.release()
	pos, found := snap.find(name)
	if !found {
		return Ref{}, errors.Wrapf(ErrNotFound, "%s", name)
	}
	return snap.record(pos)
}

// Iterate walks records whose name starts with prefix, in byte order. The
// iterator pins the snapshot current at this call; later commits are not
// visible to it.
func (s *Store) Iterate(prefix string, flags IterFlags) (*Iterator, error) {
	snap, err := s.acquireSnapshot()
	if err != nil {
		return nil, err
	}
	return newIterator(snap, s.objects, prefix, flags), nil
}

// Lock takes chunked-refs.lock, waiting up to timeout for another process
// to release it, and reloads the snapshot.
func (s *Store) Lock(timeout time.Duration) error {
	if s.IsLocked() {
		return ErrAlreadyLocked
	}
	l, err := lockfile.Acquire(s.path, timeout)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock.Held() {
		l.Unlock()
		return ErrAlreadyLocked
	}
	s.lock = l
	s.clearSnapshot()
	if _, err := s.currentSnapshot(); err != nil {
		s.lock = nil
		l.Unlock()
		return err
	}
	return nil
}

// Unlock releases the lock taken by Lock.
func (s *Store) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lock.Held() {
		return ErrNotLocked
	}
	if s.tempfile.Active() {
		return errors.Wrap(ErrTxInProgress, "unlock with prepared transaction")
	}
	err := s.lock.Unlock()
	s.lock = nil
	return err
}

func (s *Store) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.Held()
}

// Close releases the cached snapshot and, if held, the lock. Iterators
// still open keep their own snapshots alive.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearSnapshot()
	var err error
	if s.tempfile.Active() {
		err = s.tempfile.Delete()
		s.tempfile = nil
	}
	if s.lock.Held() {
		if uerr := s.lock.Unlock(); err == nil {
			err = uerr
		}
		s.lock = nil
	}
	return err
}

// IsTransactionNeeded reports whether applying updates could change the
// file or fail a check. The lock must be held. Pure deletions of names
// that are absent need no transaction.
func (s *Store) IsTransactionNeeded(updates []Update) (bool, error) {
	if !s.IsLocked() {
		return false, ErrNotLocked
	}
	for _, u := range updates {
		if u.HaveOld {
			return true, nil
		}
		if u.HaveNew && !u.New.IsNull() {
			return true, nil
		}
	}
	for _, u := range updates {
		if !u.HaveNew {
			continue
		}
		_, err := s.Read(u.Name)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return true, err
		}
	}
	return false, nil
}

// DeleteMany deletes names in one transaction. Names that cannot be queued
// are logged and skipped; the rest are committed and the skipped names are
// reported in the returned error.
func (s *Store) DeleteMany(names []string, msg string) error {
	if len(names) == 0 {
		return nil
	}
	tx := s.Begin()
	var skipped []string
	for _, name := range names {
		if err := tx.Delete(name); err != nil {
			log.Warnf("could not delete reference %s: %v", name, err)
			skipped = append(skipped, name)
		}
	}
	if len(skipped) < len(names) {
		log.WithField("message", msg).Debugf("refs: deleting %d references", len(names)-len(skipped))
		if err := tx.Commit(); err != nil {
			if len(names) == 1 {
				return errors.Wrapf(err, "could not delete reference %s", names[0])
			}
			return errors.Wrap(err, "could not delete references")
		}
	} else {
		tx.Abort()
	}
	if len(skipped) > 0 {
		return errors.Errorf("could not delete references: %v", skipped)
	}
	return nil
}
