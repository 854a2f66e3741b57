package refs

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/systemshift/memex-refs/internal/chunkfile"
	"github.com/systemshift/memex-refs/internal/objid"
	"github.com/systemshift/memex-refs/internal/odb"
)

type fixture struct {
	t     *testing.T
	dir   string
	objs  *odb.Store
	store *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	objs, err := odb.NewStore(filepath.Join(dir, "objects"), objid.SHA256)
	if err != nil {
		t.Fatalf("odb.NewStore: %v", err)
	}
	f := &fixture{t: t, dir: dir, objs: objs}
	f.store = f.open(0)
	return f
}

// open returns another Store over the same directory, as a second process
// would see it.
func (f *fixture) open(timeout time.Duration) *Store {
	f.t.Helper()
	s, err := New(f.dir, Options{Algo: objid.SHA256, Objects: f.objs, LockTimeout: timeout})
	if err != nil {
		f.t.Fatalf("New: %v", err)
	}
	f.t.Cleanup(func() { s.Close() })
	return s
}

func (f *fixture) blob(content string) objid.ID {
	f.t.Helper()
	id, err := f.objs.PutBlob([]byte(content))
	if err != nil {
		f.t.Fatalf("PutBlob: %v", err)
	}
	return id
}

func (f *fixture) tag(target objid.ID, name string) objid.ID {
	f.t.Helper()
	id, err := f.objs.PutTag(odb.Tag{Object: target, Name: name, Tagged: time.Unix(1700000000, 0).UTC()})
	if err != nil {
		f.t.Fatalf("PutTag: %v", err)
	}
	return id
}

// set commits name=id pairs in a single transaction.
func (f *fixture) set(pairs ...interface{}) {
	f.t.Helper()
	tx := f.store.Begin()
	for i := 0; i < len(pairs); i += 2 {
		if err := tx.Set(pairs[i].(string), pairs[i+1].(objid.ID)); err != nil {
			f.t.Fatalf("Set: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		f.t.Fatalf("Commit: %v", err)
	}
}

// names lists what an iteration over prefix yields.
func (f *fixture) names(s *Store, prefix string, flags IterFlags) []string {
	f.t.Helper()
	it, err := s.Iterate(prefix, flags)
	if err != nil {
		f.t.Fatalf("Iterate: %v", err)
	}
	defer it.Close()
	var out []string
	for it.Next() {
		out = append(out, it.Ref().Name)
	}
	if err := it.Err(); err != nil {
		f.t.Fatalf("iteration: %v", err)
	}
	return out
}

func (f *fixture) path() string { return filepath.Join(f.dir, FileName) }

type rawRecord struct {
	name   string
	oid    objid.ID
	peeled *objid.ID
}

// writeRawFile lays out a file by hand so tests can produce contents the
// store itself never writes: foreign headers, bad names, missing POFF.
func writeRawFile(t *testing.T, path string, sig uint32, algo objid.Algo, recs []rawRecord, withPOFF bool) {
	t.Helper()
	var buf bytes.Buffer
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], sig)
	binary.BigEndian.PutUint32(hdr[4:8], algo.FormatID())
	buf.Write(hdr[:])

	var names bytes.Buffer
	var offsets, poff, poid []byte
	for _, r := range recs {
		offsets = binary.BigEndian.AppendUint64(offsets, uint64(names.Len()))
		names.WriteString(r.name)
		names.WriteByte(0)
		if r.peeled == nil {
			poff = binary.BigEndian.AppendUint32(poff, noPeel)
		} else {
			poff = binary.BigEndian.AppendUint32(poff, uint32(len(poid)/algo.Size))
			poid = append(poid, r.peeled.Bytes()...)
		}
	}
	for names.Len()%4 != 0 {
		names.WriteByte(0)
	}

	raw := func(b []byte) chunkfile.WriteFunc {
		return func(w io.Writer) error {
			_, err := w.Write(b)
			return err
		}
	}
	cw := chunkfile.NewWriter()
	cw.AddChunk(chunkRefs, 0, raw(names.Bytes()))
	cw.AddChunk(chunkOIDs, 0, func(w io.Writer) error {
		for _, r := range recs {
			if _, err := w.Write(r.oid.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	cw.AddChunk(chunkOffsets, 0, raw(offsets))
	if withPOFF {
		cw.AddChunk(chunkPeeledOffsets, 0, raw(poff))
		cw.AddChunk(chunkPeeledOIDs, 0, raw(poid))
	}
	if err := cw.Write(&buf, headerSize); err != nil {
		t.Fatalf("chunkfile.Write: %v", err)
	}
	sum, err := algo.NewHasher()
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	sum.Write(buf.Bytes())
	buf.Write(sum.Sum(nil))
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}
