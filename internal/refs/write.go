package refs

import (
	"bufio"
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/systemshift/memex-refs/internal/chunkfile"
	"github.com/systemshift/memex-refs/internal/lockfile"
	"github.com/systemshift/memex-refs/internal/objid"
)

// writer accumulates the fixed-width tables while REFS is streamed out.
type writer struct {
	store   *Store
	snap    *snapshot
	updates []*Update

	refsLen     uint64
	nameOffsets []uint64
	oids        []objid.ID
	peelIndexes []uint32
	peeled      []objid.ID

	// conflict is kept aside so it reaches the caller unwrapped.
	conflict error
}

// writeWithUpdates merges the sorted updates into snap and stages the
// result in chunked-refs.new. The lock must be held; the tempfile is
// recorded on the store so the transaction can finish or delete it.
func (s *Store) writeWithUpdates(snap *snapshot, updates []*Update) error {
	if !s.IsLocked() {
		return errors.Wrap(ErrNotLocked, "write")
	}
	tf, err := lockfile.CreateTemp(s.path + lockfile.NewSuffix)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tempfile = tf
	s.mu.Unlock()

	h, err := s.algo.NewHasher()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(tf)
	out := io.MultiWriter(bw, h)

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], signature)
	binary.BigEndian.PutUint32(header[4:8], s.algo.FormatID())
	if _, err := out.Write(header[:]); err != nil {
		return errors.Wrapf(err, "error writing to %s", tf.Path())
	}

	w := &writer{store: s, snap: snap, updates: updates}
	cw := chunkfile.NewWriter()
	cw.AddChunk(chunkRefs, 0, w.writeRefs)
	cw.AddChunk(chunkOIDs, 0, w.writeOIDs)
	cw.AddChunk(chunkOffsets, 0, w.writeOffsets)
	cw.AddChunk(chunkPeeledOffsets, 0, w.writePeelIndexes)
	cw.AddChunk(chunkPeeledOIDs, 0, w.writePeeledOIDs)
	if err := cw.Write(out, headerSize); err != nil {
		if w.conflict != nil {
			return w.conflict
		}
		return errors.Wrapf(err, "error writing to %s", tf.Path())
	}

	if _, err := bw.Write(h.Sum(nil)); err != nil {
		return errors.Wrapf(err, "error writing to %s", tf.Path())
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrapf(err, "error writing to %s", tf.Path())
	}
	if err := tf.Close(); err != nil {
		return errors.Wrapf(err, "error closing file %s", tf.Path())
	}
	log.Debugf("refs: staged %d references in %s", len(w.oids), tf.Path())
	return nil
}

// writeRefs walks the old records and the updates in one pass, checking
// expectations and emitting the merged names.
func (w *writer) writeRefs(out io.Writer) error {
	w.snap.acquire()
	it := newIterator(w.snap, w.store.objects, "", IterFlags{IncludeBroken: true})
	defer it.Close()

	more := it.Next()
	if err := it.Err(); err != nil {
		return err
	}
	i := 0
	for more || i < len(w.updates) {
		var u *Update
		cmp := -1
		if i < len(w.updates) {
			u = w.updates[i]
			if !more {
				cmp = 1
			} else {
				cmp = strings.Compare(it.Ref().Name, u.Name)
			}
		}

		if cmp == 0 {
			cur := it.Ref()
			if u.HaveOld {
				if u.Old.IsNull() {
					w.conflict = &ConflictError{Name: u.Name, Kind: ConflictExists, Actual: cur.OID}
					return w.conflict
				}
				if u.Old != cur.OID {
					w.conflict = &ConflictError{Name: u.Name, Kind: ConflictMismatch, Expected: u.Old, Actual: cur.OID}
					return w.conflict
				}
			}
			if u.HaveNew {
				// The update replaces the old record.
				more = it.Next()
				if err := it.Err(); err != nil {
					return err
				}
				cmp = 1
			} else {
				// Verify-only: keep the old record and drop the update.
				i++
				cmp = -1
			}
		} else if cmp > 0 && u.HaveOld && !u.Old.IsNull() {
			w.conflict = &ConflictError{Name: u.Name, Kind: ConflictMissing, Expected: u.Old}
			return w.conflict
		}

		if cmp > 0 {
			i++
			if !u.HaveNew || u.New.IsNull() {
				continue
			}
			peeled, err := w.store.objects.Peel(u.New)
			if err != nil {
				if err := w.emit(out, u.Name, u.New, nil); err != nil {
					return err
				}
			} else if err := w.emit(out, u.Name, u.New, &peeled); err != nil {
				return err
			}
			continue
		}

		cur := it.Ref()
		if peeled, err := it.Peel(); err == nil {
			err = w.emit(out, cur.Name, cur.OID, &peeled)
			if err != nil {
				return err
			}
		} else if err := w.emit(out, cur.Name, cur.OID, nil); err != nil {
			return err
		}
		more = it.Next()
		if err := it.Err(); err != nil {
			return err
		}
	}

	if pad := (4 - w.refsLen%4) % 4; pad > 0 {
		var zero [4]byte
		if _, err := out.Write(zero[:pad]); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) emit(out io.Writer, name string, oid objid.ID, peeled *objid.ID) error {
	w.nameOffsets = append(w.nameOffsets, w.refsLen)
	if _, err := io.WriteString(out, name); err != nil {
		return err
	}
	if _, err := out.Write([]byte{0}); err != nil {
		return err
	}
	w.refsLen += uint64(len(name)) + 1
	w.oids = append(w.oids, oid)
	if peeled == nil {
		w.peelIndexes = append(w.peelIndexes, noPeel)
	} else {
		w.peelIndexes = append(w.peelIndexes, uint32(len(w.peeled)))
		w.peeled = append(w.peeled, *peeled)
	}
	return nil
}

func (w *writer) writeOIDs(out io.Writer) error {
	for _, id := range w.oids {
		if _, err := out.Write(id.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) writeOffsets(out io.Writer) error {
	var b [8]byte
	for _, off := range w.nameOffsets {
		binary.BigEndian.PutUint64(b[:], off)
		if _, err := out.Write(b[:]); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) writePeelIndexes(out io.Writer) error {
	var b [4]byte
	for _, p := range w.peelIndexes {
		binary.BigEndian.PutUint32(b[:], p)
		if _, err := out.Write(b[:]); err != nil {
			return err
		}
	}
	return nil
}

func (w *writer) writePeeledOIDs(out io.Writer) error {
	for _, id := range w.peeled {
		if _, err := out.Write(id.Bytes()); err != nil {
			return err
		}
	}
	return nil
}
