// Package chunkfile reads and writes a generic container of named byte
// ranges ("chunks") followed by a trailing table of contents.
//
// Layout after whatever prefix the caller writes:
//
//	chunk 0 | chunk 1 | ... | TOC | tocOffset (u64)
//
// The TOC holds one {id u32, offset u64} entry per chunk, in file order,
// and a terminating entry with id 0 whose offset is the end of the last
// chunk. All integers are big-endian. Readers skip chunk ids they do not
// know, so writers may add or drop chunks freely.
package chunkfile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	tocEntrySize  = 4 + 8
	tocTrailerLen = 8
)

// ErrNotFound is returned by ReadChunk when the chunk is absent.
var ErrNotFound = errors.New("chunk not found")

// WriteFunc streams one chunk's payload.
type WriteFunc func(w io.Writer) error

type pending struct {
	id    uint32
	size  uint64
	write WriteFunc
}

// Writer collects chunk definitions and writes them in order.
type Writer struct {
	chunks []pending
}

func NewWriter() *Writer {
	return &Writer{}
}

// AddChunk registers a chunk. A nonzero size is checked against the number
// of bytes fn actually writes; zero means the size is not known up front.
func (cw *Writer) AddChunk(id uint32, size uint64, fn WriteFunc) {
	if id == 0 {
		panic("chunkfile: chunk id 0 is reserved")
	}
	cw.chunks = append(cw.chunks, pending{id: id, size: size, write: fn})
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// Write streams all chunks and the trailing TOC to w. start is the file
// offset at which the first chunk begins.
func (cw *Writer) Write(w io.Writer, start uint64) error {
	cnt := &countingWriter{w: w, n: start}
	offsets := make([]uint64, len(cw.chunks))
	for i, c := range cw.chunks {
		offsets[i] = cnt.n
		if err := c.write(cnt); err != nil {
			return errors.Wrapf(err, "write chunk %s", ChunkName(c.id))
		}
		if written := cnt.n - offsets[i]; c.size != 0 && written != c.size {
			return errors.Errorf("chunk %s: wrote %d bytes, expected %d", ChunkName(c.id), written, c.size)
		}
	}

	end := cnt.n
	buf := make([]byte, 0, (len(cw.chunks)+1)*tocEntrySize+tocTrailerLen)
	for i, c := range cw.chunks {
		buf = binary.BigEndian.AppendUint32(buf, c.id)
		buf = binary.BigEndian.AppendUint64(buf, offsets[i])
	}
	buf = binary.BigEndian.AppendUint32(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, end)
	buf = binary.BigEndian.AppendUint64(buf, end)
	_, err := cnt.Write(buf)
	return errors.Wrap(err, "write table of contents")
}

// Chunk is one entry of a parsed table of contents.
type Chunk struct {
	ID    uint32
	Start uint64
	End   uint64
}

// File is a parsed container over a caller-owned byte slice.
type File struct {
	data   []byte
	chunks []Chunk
}

// ReadTrailingTOC parses the table of contents of the container occupying
// data[start:end]. The returned File references data without copying.
func ReadTrailingTOC(data []byte, start, end uint64) (*File, error) {
	if end > uint64(len(data)) || start > end {
		return nil, errors.Errorf("container bounds [%d, %d) outside %d-byte buffer", start, end, len(data))
	}
	if end-start < tocEntrySize+tocTrailerLen {
		return nil, errors.Errorf("container too small for a table of contents (%d bytes)", end-start)
	}
	tocOffset := binary.BigEndian.Uint64(data[end-tocTrailerLen : end])
	tocEnd := end - tocTrailerLen
	if tocOffset < start || tocOffset > tocEnd {
		return nil, errors.Errorf("table of contents offset %d outside container", tocOffset)
	}
	if (tocEnd-tocOffset)%tocEntrySize != 0 || tocEnd == tocOffset {
		return nil, errors.Errorf("malformed table of contents (%d bytes)", tocEnd-tocOffset)
	}

	n := int((tocEnd - tocOffset) / tocEntrySize)
	f := &File{data: data, chunks: make([]Chunk, 0, n-1)}
	seen := make(map[uint32]bool, n)
	prev := start
	for i := 0; i < n; i++ {
		entry := data[tocOffset+uint64(i)*tocEntrySize:]
		id := binary.BigEndian.Uint32(entry[0:4])
		off := binary.BigEndian.Uint64(entry[4:12])
		if off < prev || off > tocOffset {
			return nil, errors.Errorf("chunk offset %d out of order or out of bounds", off)
		}
		if i > 0 {
			f.chunks[i-1].End = off
		}
		if i == n-1 {
			if id != 0 {
				return nil, errors.Errorf("table of contents is not terminated (last id %s)", ChunkName(id))
			}
			break
		}
		if id == 0 {
			return nil, errors.New("terminating table of contents entry appears early")
		}
		if seen[id] {
			return nil, errors.Errorf("duplicate chunk id %s", ChunkName(id))
		}
		seen[id] = true
		f.chunks = append(f.chunks, Chunk{ID: id, Start: off})
		prev = off
	}
	return f, nil
}

// Chunks returns the table of contents in file order.
func (f *File) Chunks() []Chunk {
	return append([]Chunk(nil), f.chunks...)
}

// PairChunk returns the bytes of chunk id, if present.
func (f *File) PairChunk(id uint32) ([]byte, bool) {
	for _, c := range f.chunks {
		if c.ID == id {
			return f.data[c.Start:c.End:c.End], true
		}
	}
	return nil, false
}

// ReadChunk hands chunk id to fn, or returns ErrNotFound.
func (f *File) ReadChunk(id uint32, fn func(b []byte) error) error {
	b, ok := f.PairChunk(id)
	if !ok {
		return errors.Wrapf(ErrNotFound, "chunk %s", ChunkName(id))
	}
	return fn(b)
}

// ChunkName renders a chunk id as its four ASCII characters when printable.
func ChunkName(id uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08X", id)
		}
	}
	return string(b[:])
}
