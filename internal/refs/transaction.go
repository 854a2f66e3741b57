package refs

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/systemshift/memex-refs/internal/objid"
)

type TxState int

const (
	TxOpen TxState = iota
	TxPrepared
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxPrepared:
		return "prepared"
	case TxCommitted:
		return "committed"
	default:
		return "aborted"
	}
}

// Transaction is an all-or-nothing batch of updates. Prepare locks the
// store (unless the caller already holds the lock), checks every
// expectation and stages the new file; Finish publishes it; Abort discards
// it. A transaction is not safe for concurrent use.
type Transaction struct {
	store   *Store
	updates []Update
	state   TxState

	// claimed is set while this transaction owns the store's single
	// transaction slot and staged file.
	claimed bool
	ownLock bool
}

func (s *Store) Begin() *Transaction {
	return &Transaction{store: s}
}

func (tx *Transaction) State() TxState { return tx.state }

// Updates returns the queued updates in the order they were added.
func (tx *Transaction) Updates() []Update {
	return append([]Update(nil), tx.updates...)
}

// Add queues u. Names must be well formed; one-level names are allowed.
// Ids must come from the store's algorithm or be the zero ID.
func (tx *Transaction) Add(u Update) error {
	if tx.state != TxOpen {
		return errors.Wrapf(ErrTxState, "add to %s transaction", tx.state)
	}
	if err := CheckRefnameFormat(u.Name, true); err != nil {
		return err
	}
	algo := tx.store.algo
	if u.HaveNew && u.New != (objid.ID{}) && !algo.Owns(u.New) {
		return errors.Wrapf(ErrWrongAlgo, "new value for %s", u.Name)
	}
	if u.HaveOld && u.Old != (objid.ID{}) && !algo.Owns(u.Old) {
		return errors.Wrapf(ErrWrongAlgo, "old value for %s", u.Name)
	}
	tx.updates = append(tx.updates, u)
	return nil
}

// Set points name at id whatever its current value.
func (tx *Transaction) Set(name string, id objid.ID) error {
	return tx.Add(Update{Name: name, New: id, HaveNew: true})
}

// Create points name at id, failing if name exists.
func (tx *Transaction) Create(name string, id objid.ID) error {
	return tx.Add(Update{Name: name, New: id, HaveNew: true, Old: tx.store.algo.Null(), HaveOld: true})
}

// Delete removes name. Deleting an absent name is not an error.
func (tx *Transaction) Delete(name string) error {
	return tx.Add(Update{Name: name, New: tx.store.algo.Null(), HaveNew: true})
}

// Verify requires name to be at old (null: absent) without changing it.
func (tx *Transaction) Verify(name string, old objid.ID) error {
	return tx.Add(Update{Name: name, Old: old, HaveOld: true})
}

// IsNeeded is Store.IsTransactionNeeded for the queued updates.
func (tx *Transaction) IsNeeded() (bool, error) {
	return tx.store.IsTransactionNeeded(tx.updates)
}

// Prepare checks the queued updates against the current file and stages
// the result. On failure the transaction is aborted and nothing changes.
func (tx *Transaction) Prepare() (err error) {
	if tx.state != TxOpen {
		return errors.Wrapf(ErrTxState, "prepare %s transaction", tx.state)
	}
	s := tx.store
	defer func() {
		if err != nil {
			tx.cleanup()
			tx.state = TxAborted
		}
	}()

	sorted := make([]*Update, len(tx.updates))
	for i := range tx.updates {
		sorted[i] = &tx.updates[i]
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return &DuplicateError{Name: sorted[i].Name}
		}
	}

	s.mu.Lock()
	if s.txActive {
		s.mu.Unlock()
		return ErrTxInProgress
	}
	s.txActive = true
	tx.claimed = true
	held := s.lock.Held()
	s.mu.Unlock()

	if !held {
		if err := s.Lock(s.lockTimeout); err != nil {
			return err
		}
		tx.ownLock = true
	}

	s.mu.Lock()
	if !tx.ownLock {
		// Lock already reloaded when we took it ourselves.
		s.clearSnapshot()
	}
	snap, err := s.currentSnapshot()
	if err == nil {
		snap.acquire()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer snap.release()

	if err := s.writeWithUpdates(snap, sorted); err != nil {
		return err
	}
	tx.state = TxPrepared
	return nil
}

// Finish renames the staged file over chunked-refs. Finishing a
// transaction that already ended is a no-op.
func (tx *Transaction) Finish() error {
	switch tx.state {
	case TxCommitted, TxAborted:
		return nil
	case TxOpen:
		return errors.Wrap(ErrTxState, "finish before prepare")
	}
	s := tx.store
	s.mu.Lock()
	tf := s.tempfile
	s.mu.Unlock()
	if tf == nil {
		tx.cleanup()
		tx.state = TxAborted
		return errors.Errorf("no staged file for %s", s.path)
	}

	if err := tf.RenameTo(s.path); err != nil {
		tx.cleanup()
		tx.state = TxAborted
		return errors.Wrapf(err, "error replacing %s", s.path)
	}
	s.mu.Lock()
	s.clearSnapshot()
	s.mu.Unlock()

	err := tx.cleanup()
	tx.state = TxCommitted
	return err
}

// Abort discards any staged file and releases a lock the transaction took.
func (tx *Transaction) Abort() error {
	if tx.state == TxCommitted || tx.state == TxAborted {
		return nil
	}
	err := tx.cleanup()
	tx.state = TxAborted
	return err
}

// Commit is Prepare followed by Finish.
func (tx *Transaction) Commit() error {
	if err := tx.Prepare(); err != nil {
		return err
	}
	return tx.Finish()
}

func (tx *Transaction) cleanup() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if tx.claimed {
		if s.tempfile != nil {
			err = s.tempfile.Delete()
			s.tempfile = nil
		}
		s.txActive = false
		tx.claimed = false
	}
	if tx.ownLock {
		if s.lock.Held() {
			if uerr := s.lock.Unlock(); err == nil {
				err = uerr
			}
		}
		s.lock = nil
		tx.ownLock = false
	}
	tx.updates = nil
	return err
}
