package refs

import (
	"strings"

	"github.com/systemshift/memex-refs/internal/objid"
)

type IterFlags struct {
	// IncludeBroken also yields broken records and records whose object
	// is missing.
	IncludeBroken bool
	// PerWorktreeOnly skips names under refs/bisect/, refs/rewritten/ and
	// refs/worktree/.
	PerWorktreeOnly bool
}

// Iterator walks one snapshot in sorted order. It must be closed unless
// Next has returned false.
type Iterator struct {
	snap    *snapshot
	objects ObjectReader
	prefix  string
	flags   IterFlags
	pos     int
	ref     Ref
	err     error
}

// newIterator takes ownership of one reference to snap.
func newIterator(snap *snapshot, objects ObjectReader, prefix string, flags IterFlags) *Iterator {
	it := &Iterator{snap: snap, objects: objects, prefix: prefix, flags: flags}
	if prefix != "" {
		it.pos, _ = snap.find(prefix)
	}
	if it.pos >= snap.count() {
		it.finish()
	}
	return it
}

// Next advances to the next matching record. It returns false when the
// records are exhausted or an error occurred; see Err.
func (it *Iterator) Next() bool {
	for it.snap != nil {
		if it.pos >= it.snap.count() {
			it.finish()
			return false
		}
		ref, err := it.snap.record(it.pos)
		if err != nil {
			it.err = err
			it.finish()
			return false
		}
		it.pos++
		if !strings.HasPrefix(ref.Name, it.prefix) {
			it.finish()
			return false
		}
		if it.flags.PerWorktreeOnly && isPerWorktree(ref.Name) {
			continue
		}
		if !it.flags.IncludeBroken && !it.resolves(ref) {
			continue
		}
		it.ref = ref
		return true
	}
	return false
}

func (it *Iterator) resolves(ref Ref) bool {
	return !ref.Broken && !ref.OID.IsNull() && it.objects.Has(ref.OID)
}

// Ref returns the current record.
func (it *Iterator) Ref() Ref { return it.ref }

// Peel returns the current record's peeled id, consulting the object
// store only when the file does not already know the answer.
func (it *Iterator) Peel() (objid.ID, error) {
	switch it.ref.Peeled.Kind {
	case PeelKnown:
		return it.ref.Peeled.OID, nil
	case PeelKnownAbsent:
		return objid.ID{}, ErrNotPeelable
	}
	if it.ref.Broken || it.ref.OID.IsNull() {
		return objid.ID{}, ErrNotPeelable
	}
	return it.objects.Peel(it.ref.OID)
}

func (it *Iterator) Err() error { return it.err }

// Close releases the snapshot. It is safe to call more than once.
func (it *Iterator) Close() error {
	it.finish()
	return nil
}

func (it *Iterator) finish() {
	it.ref = Ref{}
	if it.snap != nil {
		it.snap.release()
		it.snap = nil
	}
}
