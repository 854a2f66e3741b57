package refs

import "github.com/systemshift/memex-refs/internal/objid"

const (
	// FileName is the live file inside the reference directory.
	FileName = "chunked-refs"

	signature  uint32 = 0x43524546 // "CREF"
	headerSize        = 8

	chunkRefs          uint32 = 0x52454653 // "REFS"
	chunkOIDs          uint32 = 0x4F494453 // "OIDS"
	chunkOffsets       uint32 = 0x524F4646 // "ROFF"
	chunkPeeledOffsets uint32 = 0x504F4646 // "POFF"
	chunkPeeledOIDs    uint32 = 0x504F4944 // "POID"

	noPeel uint32 = 0xFFFFFFFF
)

// PeelKind says what is known about a reference's peeled value.
type PeelKind int

const (
	// PeelUnknown: ask the object store.
	PeelUnknown PeelKind = iota
	// PeelKnownAbsent: the reference definitely does not peel.
	PeelKnownAbsent
	// PeelKnown: Peeling.OID holds the peeled id.
	PeelKnown
)

func (k PeelKind) String() string {
	switch k {
	case PeelKnownAbsent:
		return "known-absent"
	case PeelKnown:
		return "known"
	default:
		return "unknown"
	}
}

// Peeling is what a reference is known to peel to.
type Peeling struct {
	Kind PeelKind
	OID  objid.ID
}

// Ref is one decoded record. Broken records have a malformed name and a
// null OID.
type Ref struct {
	Name   string
	OID    objid.ID
	Peeled Peeling
	Broken bool
}

// Update is one pending change. HaveNew sets New (null deletes); HaveOld
// requires the current value to equal Old (null requires absence).
type Update struct {
	Name    string
	New     objid.ID
	Old     objid.ID
	HaveNew bool
	HaveOld bool
}

// ObjectReader is the object-store capability the store needs.
type ObjectReader interface {
	Has(id objid.ID) bool
	// Peel resolves a tag down to the non-tag object it designates and
	// fails for anything that is not a tag.
	Peel(id objid.ID) (objid.ID, error)
}
