package refs

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
)

// Verify reads the whole file and checks what loading skips: the trailing
// checksum and the sort order of the names. A missing file is valid.
func (s *Store) Verify() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "couldn't read %s", s.path)
	}
	if len(data) == 0 {
		return nil
	}

	snap := newSnapshot(s.path, s.algo)
	snap.data = data
	if err := snap.parse(); err != nil {
		return err
	}
	defer snap.release()

	h, err := s.algo.NewHasher()
	if err != nil {
		return err
	}
	body := len(data) - s.algo.Size
	h.Write(data[:body])
	if !bytes.Equal(h.Sum(nil), data[body:]) {
		return formatErrorf(s.path, "checksum mismatch")
	}

	for i := 1; i < snap.count(); i++ {
		if bytes.Compare(snap.name(i-1), snap.name(i)) >= 0 {
			return formatErrorf(s.path, "names out of order at record %d: %q >= %q", i, snap.name(i-1), snap.name(i))
		}
	}
	for i := 0; i < snap.count(); i++ {
		if _, err := snap.record(i); err != nil {
			return err
		}
	}
	return nil
}
