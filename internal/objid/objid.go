// Package objid defines object identifiers and the hash algorithms that
// produce them. Identifiers are raw digests; the multihash code of the
// algorithm doubles as the on-disk hash-algorithm identifier.
package objid

import (
	"encoding/hex"
	"hash"
	"strings"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
	mhcore "github.com/multiformats/go-multihash/core"
	"github.com/pkg/errors"
)

// MaxSize is the widest digest supported by any Algo.
const MaxSize = 64

// Algo describes a hash algorithm and its fixed digest width.
type Algo struct {
	Name string
	Code uint64 // multihash code
	Size int    // raw digest size in bytes
}

var (
	SHA1   = Algo{Name: "sha1", Code: multihash.SHA1, Size: 20}
	SHA256 = Algo{Name: "sha256", Code: multihash.SHA2_256, Size: 32}
	SHA512 = Algo{Name: "sha512", Code: multihash.SHA2_512, Size: 64}
)

var algos = []Algo{SHA1, SHA256, SHA512}

// ErrUnknownAlgo is returned when a name or format id matches no Algo.
var ErrUnknownAlgo = errors.New("unknown hash algorithm")

// AlgoByName looks up an algorithm by its short name ("sha1", "sha256", ...).
func AlgoByName(name string) (Algo, error) {
	for _, a := range algos {
		if a.Name == name {
			return a, nil
		}
	}
	return Algo{}, errors.Wrapf(ErrUnknownAlgo, "name %q", name)
}

// AlgoByFormatID looks up an algorithm by the 4-byte id stored in file headers.
func AlgoByFormatID(id uint32) (Algo, error) {
	for _, a := range algos {
		if a.FormatID() == id {
			return a, nil
		}
	}
	return Algo{}, errors.Wrapf(ErrUnknownAlgo, "format id %X", id)
}

// FormatID is the identifier written into file headers.
func (a Algo) FormatID() uint32 {
	return uint32(a.Code)
}

func (a Algo) String() string {
	return a.Name
}

// Null returns the all-zero id for this algorithm.
func (a Algo) Null() ID {
	return ID{code: a.Code, size: uint8(a.Size)}
}

// Owns reports whether id was produced by this algorithm.
func (a Algo) Owns(id ID) bool {
	return id.code == a.Code && int(id.size) == a.Size
}

// FromBytes copies a raw digest into an ID.
func (a Algo) FromBytes(b []byte) (ID, error) {
	if len(b) != a.Size {
		return ID{}, errors.Errorf("%s digest must be %d bytes, got %d", a.Name, a.Size, len(b))
	}
	id := a.Null()
	copy(id.raw[:], b)
	return id, nil
}

// Sum hashes data and returns its id.
func (a Algo) Sum(data []byte) (ID, error) {
	mh, err := multihash.Sum(data, a.Code, -1)
	if err != nil {
		return ID{}, errors.Wrap(err, "multihash")
	}
	dm, err := multihash.Decode(mh)
	if err != nil {
		return ID{}, errors.Wrap(err, "decode multihash")
	}
	return a.FromBytes(dm.Digest)
}

// NewHasher returns a streaming hash for this algorithm.
func (a Algo) NewHasher() (hash.Hash, error) {
	h, err := mhcore.GetHasher(a.Code)
	if err != nil {
		return nil, errors.Wrapf(err, "hasher for %s", a.Name)
	}
	return h, nil
}

// FromCID extracts the digest from a CID whose multihash uses this algorithm.
func (a Algo) FromCID(c gocid.Cid) (ID, error) {
	if !c.Defined() {
		return ID{}, errors.New("undefined CID")
	}
	dm, err := multihash.Decode(c.Hash())
	if err != nil {
		return ID{}, errors.Wrap(err, "decode CID multihash")
	}
	if dm.Code != a.Code {
		return ID{}, errors.Errorf("CID uses %s, repository uses %s", dm.Name, a.Name)
	}
	return a.FromBytes(dm.Digest)
}

// Parse accepts a lowercase or uppercase hex digest, or a multibase-encoded CID.
func (a Algo) Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*a.Size {
		if b, err := hex.DecodeString(s); err == nil {
			return a.FromBytes(b)
		}
	}
	_, data, err := multibase.Decode(s)
	if err != nil {
		return ID{}, errors.Errorf("not a valid object id: %q", s)
	}
	c, err := gocid.Cast(data)
	if err != nil {
		return ID{}, errors.Wrapf(err, "not a valid object id: %q", s)
	}
	return a.FromCID(c)
}

// ID is a fixed-capacity object identifier. IDs are comparable with ==.
// The zero ID is null.
type ID struct {
	code uint64
	size uint8
	raw  [MaxSize]byte
}

// IsNull reports whether every digest byte is zero.
func (id ID) IsNull() bool {
	for _, b := range id.raw[:id.size] {
		if b != 0 {
			return false
		}
	}
	return true
}

// Bytes returns a copy of the raw digest.
func (id ID) Bytes() []byte {
	return append([]byte(nil), id.raw[:id.size]...)
}

// String returns the lowercase hex digest.
func (id ID) String() string {
	return hex.EncodeToString(id.raw[:id.size])
}

// CID wraps the digest as a CIDv1 with the raw codec.
func (id ID) CID() gocid.Cid {
	mh, err := multihash.Encode(id.raw[:id.size], id.code)
	if err != nil {
		return gocid.Undef
	}
	return gocid.NewCidV1(gocid.Raw, mh)
}

// Base32 is the multibase base32 encoding of the id's CID, used for filenames.
func (id ID) Base32() string {
	encoded, _ := multibase.Encode(multibase.Base32, id.CID().Bytes())
	return encoded
}
