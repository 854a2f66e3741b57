package refs

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/systemshift/memex-refs/internal/chunkfile"
	"github.com/systemshift/memex-refs/internal/objid"
	"golang.org/x/sys/unix"
)

// validity identifies one version of the file on disk.
type validity struct {
	exists bool
	size   int64
	mtime  time.Time
	ino    uint64
	dev    uint64
}

func statValidity(fi os.FileInfo) validity {
	v := validity{exists: true, size: fi.Size(), mtime: fi.ModTime()}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		v.ino = uint64(st.Ino)
		v.dev = uint64(st.Dev)
	}
	return v
}

// current reports whether path still names the file v was taken from.
func (v validity) current(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return os.IsNotExist(err) && !v.exists
	}
	w := statValidity(fi)
	return v.exists && v.size == w.size && v.mtime.Equal(w.mtime) && v.ino == w.ino && v.dev == w.dev
}

// snapshot is an immutable view of one version of the file. It is shared
// between the store and open iterators and unmapped by the last release.
type snapshot struct {
	path     string
	algo     objid.Algo
	validity validity
	refcount atomic.Int32

	data   []byte
	mapped bool

	nr          int
	refs        []byte
	oids        []byte
	offsets     []byte
	peelOffsets []byte // nil when the file carries no peel information
	peeledOIDs  []byte
}

func newSnapshot(path string, algo objid.Algo) *snapshot {
	s := &snapshot{path: path, algo: algo}
	s.refcount.Store(1)
	return s
}

// loadSnapshot maps the file at path. A missing or empty file yields an
// empty snapshot.
func loadSnapshot(path string, algo objid.Algo) (*snapshot, error) {
	snap := newSnapshot(path, algo)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return snap, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't read %s", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't stat %s", path)
	}
	snap.validity = statValidity(fi)
	size := fi.Size()
	if size == 0 {
		return snap, nil
	}
	if int64(int(size)) != size {
		return nil, formatErrorf(path, "file too large to map (%d bytes)", size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't map %s", path)
	}
	snap.data = data
	snap.mapped = true
	if err := snap.parse(); err != nil {
		snap.unmap()
		return nil, err
	}
	log.Debugf("refs: loaded %s with %d references", path, snap.nr)
	return snap, nil
}

// parse validates the header and tables of s.data. The checksum trailer is
// only checked by Store.Verify.
func (s *snapshot) parse() error {
	data := s.data
	if len(data) < headerSize+s.algo.Size {
		return formatErrorf(s.path, "file too short (%d bytes)", len(data))
	}
	if sig := binary.BigEndian.Uint32(data[0:4]); sig != signature {
		return formatErrorf(s.path, "file signature %X does not match signature %X", sig, signature)
	}
	if hv := binary.BigEndian.Uint32(data[4:8]); hv != s.algo.FormatID() {
		return formatErrorf(s.path, "hash version %X does not match expected hash version %X", hv, s.algo.FormatID())
	}

	cf, err := chunkfile.ReadTrailingTOC(data, headerSize, uint64(len(data)-s.algo.Size))
	if err != nil {
		return &FormatError{Path: s.path, Err: err}
	}

	err = cf.ReadChunk(chunkOffsets, func(b []byte) error {
		if len(b)%8 != 0 {
			return errors.Errorf("ROFF chunk has %d bytes, not a multiple of 8", len(b))
		}
		s.offsets = b
		s.nr = len(b) / 8
		return nil
	})
	if err != nil && !errors.Is(err, chunkfile.ErrNotFound) {
		return &FormatError{Path: s.path, Err: err}
	}
	s.refs, _ = cf.PairChunk(chunkRefs)
	s.oids, _ = cf.PairChunk(chunkOIDs)
	s.peelOffsets, _ = cf.PairChunk(chunkPeeledOffsets)
	s.peeledOIDs, _ = cf.PairChunk(chunkPeeledOIDs)

	if s.nr == 0 {
		return nil
	}
	if len(s.oids) != s.nr*s.algo.Size {
		return formatErrorf(s.path, "OIDS chunk has %d bytes, expected %d", len(s.oids), s.nr*s.algo.Size)
	}
	if len(s.refs) == 0 {
		return formatErrorf(s.path, "REFS chunk missing")
	}
	if s.peelOffsets != nil && len(s.peelOffsets) != s.nr*4 {
		return formatErrorf(s.path, "POFF chunk has %d bytes, expected %d", len(s.peelOffsets), s.nr*4)
	}
	if len(s.peeledOIDs)%s.algo.Size != 0 {
		return formatErrorf(s.path, "POID chunk has %d bytes, not a multiple of %d", len(s.peeledOIDs), s.algo.Size)
	}

	prev := int64(-1)
	for i := 0; i < s.nr; i++ {
		off := binary.BigEndian.Uint64(s.offsets[i*8:])
		if int64(off) <= prev || off >= uint64(len(s.refs)) {
			return formatErrorf(s.path, "name offset %d for record %d out of order or out of bounds", off, i)
		}
		if bytes.IndexByte(s.refs[off:], 0) < 0 {
			return formatErrorf(s.path, "name for record %d is not terminated", i)
		}
		prev = int64(off)
	}
	if s.peelOffsets != nil {
		npeeled := uint32(len(s.peeledOIDs) / s.algo.Size)
		for i := 0; i < s.nr; i++ {
			p := binary.BigEndian.Uint32(s.peelOffsets[i*4:])
			if p != noPeel && p >= npeeled {
				return formatErrorf(s.path, "peeled index %d for record %d out of bounds", p, i)
			}
		}
	}
	return nil
}

func (s *snapshot) count() int { return s.nr }

func (s *snapshot) name(i int) []byte {
	off := binary.BigEndian.Uint64(s.offsets[i*8:])
	b := s.refs[off:]
	return b[:bytes.IndexByte(b, 0)]
}

func (s *snapshot) oid(i int) objid.ID {
	id, _ := s.algo.FromBytes(s.oids[i*s.algo.Size : (i+1)*s.algo.Size])
	return id
}

// find returns the position of name, or the position it would be inserted
// at and false.
func (s *snapshot) find(name string) (int, bool) {
	key := []byte(name)
	pos := sort.Search(s.nr, func(i int) bool {
		return bytes.Compare(s.name(i), key) >= 0
	})
	return pos, pos < s.nr && bytes.Equal(s.name(pos), key)
}

// record decodes entry i. Malformed but harmless names come back broken;
// names that could escape the namespace abort with a FormatError.
func (s *snapshot) record(i int) (Ref, error) {
	name := string(s.name(i))
	ref := Ref{Name: name, OID: s.oid(i)}
	if err := CheckRefnameFormat(name, true); err != nil {
		if !refnameIsSafe(name) {
			return Ref{}, formatErrorf(s.path, "chunked refname is dangerous: %s", name)
		}
		ref.OID = s.algo.Null()
		ref.Broken = true
	}
	if strings.HasPrefix(name, "refs/tags/") {
		ref.Peeled.Kind = PeelKnownAbsent
	}
	if s.peelOffsets != nil {
		p := binary.BigEndian.Uint32(s.peelOffsets[i*4:])
		if p == noPeel {
			ref.Peeled = Peeling{Kind: PeelKnownAbsent}
		} else {
			size := s.algo.Size
			peeled, _ := s.algo.FromBytes(s.peeledOIDs[int(p)*size : (int(p)+1)*size])
			ref.Peeled = Peeling{Kind: PeelKnown, OID: peeled}
		}
	}
	return ref, nil
}

func (s *snapshot) acquire() {
	s.refcount.Add(1)
}

// release drops one reference and unmaps on the last one. It reports
// whether the snapshot was freed.
func (s *snapshot) release() bool {
	n := s.refcount.Add(-1)
	if n < 0 {
		panic("refs: snapshot released too many times")
	}
	if n > 0 {
		return false
	}
	s.unmap()
	return true
}

func (s *snapshot) unmap() {
	if s.mapped {
		if err := unix.Munmap(s.data); err != nil {
			log.Warnf("refs: munmap %s: %v", s.path, err)
		}
		s.mapped = false
	}
	s.data = nil
	s.refs, s.oids, s.offsets, s.peelOffsets, s.peeledOIDs = nil, nil, nil, nil, nil
	s.nr = 0
}
