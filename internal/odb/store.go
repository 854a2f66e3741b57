package odb

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"github.com/systemshift/memex-refs/internal/objid"
)

// Kind is the type recorded in an object's header.
type Kind string

const (
	KindBlob Kind = "blob"
	KindTag  Kind = "tag"
)

// maxPeelDepth bounds tag chains so a cycle cannot hang Peel.
const maxPeelDepth = 64

var (
	// ErrMissingObject is returned when an id has no object on disk.
	ErrMissingObject = errors.New("object not found")
	// ErrNotTag is returned by Peel for objects that are not tags.
	ErrNotTag = errors.New("object is not a tag")
)

// Store manages content-addressed immutable objects on disk. Each object
// is stored as "<kind> <size>\x00<payload>" in a file named after the
// base32 CID of the digest of those bytes.
type Store struct {
	dir  string
	algo objid.Algo
}

// NewStore creates a Store at the given directory.
func NewStore(dir string, algo objid.Algo) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create objects dir")
	}
	return &Store{dir: dir, algo: algo}, nil
}

func (s *Store) Algo() objid.Algo { return s.algo }

func (s *Store) path(id objid.ID) string {
	return filepath.Join(s.dir, id.Base32())
}

func encode(kind Kind, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(string(kind))
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteByte(0)
	buf.Write(payload)
	return buf.Bytes()
}

func decode(data []byte) (Kind, []byte, error) {
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return "", nil, errors.New("malformed object header")
	}
	fields := bytes.SplitN(data[:nul], []byte{' '}, 2)
	if len(fields) != 2 {
		return "", nil, errors.Errorf("malformed object header %q", data[:nul])
	}
	size, err := strconv.Atoi(string(fields[1]))
	payload := data[nul+1:]
	if err != nil || size != len(payload) {
		return "", nil, errors.Errorf("object size mismatch in header %q", data[:nul])
	}
	return Kind(fields[0]), payload, nil
}

// Hash computes the id an object would be stored under without writing it.
func (s *Store) Hash(kind Kind, payload []byte) (objid.ID, error) {
	return s.algo.Sum(encode(kind, payload))
}

// Put writes an object, returning its id.
// If the object already exists, this is a no-op.
func (s *Store) Put(kind Kind, payload []byte) (objid.ID, error) {
	data := encode(kind, payload)
	id, err := s.algo.Sum(data)
	if err != nil {
		return objid.ID{}, err
	}
	path := s.path(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil // already exists
	}
	if err := renameio.WriteFile(path, data, 0444); err != nil {
		return objid.ID{}, errors.Wrap(err, "write object")
	}
	return id, nil
}

// PutBlob stores raw bytes.
func (s *Store) PutBlob(payload []byte) (objid.ID, error) {
	return s.Put(KindBlob, payload)
}

// Get reads an object by id.
func (s *Store) Get(id objid.ID) (Kind, []byte, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return "", nil, errors.Wrapf(ErrMissingObject, "%s", id)
	}
	if err != nil {
		return "", nil, errors.Wrapf(err, "read object %s", id)
	}
	kind, payload, err := decode(data)
	if err != nil {
		return "", nil, errors.Wrapf(err, "object %s", id)
	}
	return kind, payload, nil
}

// Has checks if an object exists.
func (s *Store) Has(id objid.ID) bool {
	if id.IsNull() {
		return false
	}
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Peel follows a chain of tag objects starting at id and returns the first
// object that is not a tag. It returns ErrNotTag if id itself is not a tag
// and ErrMissingObject if any object along the chain is absent.
func (s *Store) Peel(id objid.ID) (objid.ID, error) {
	cur := id
	for depth := 0; depth < maxPeelDepth; depth++ {
		kind, payload, err := s.Get(cur)
		if err != nil {
			return objid.ID{}, err
		}
		if kind != KindTag {
			if depth == 0 {
				return objid.ID{}, errors.Wrapf(ErrNotTag, "%s", id)
			}
			return cur, nil
		}
		tag, err := s.parseTag(payload)
		if err != nil {
			return objid.ID{}, errors.Wrapf(err, "tag %s", cur)
		}
		cur = tag.Object
	}
	return objid.ID{}, errors.Errorf("tag chain starting at %s is deeper than %d", id, maxPeelDepth)
}
