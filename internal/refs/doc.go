/*
Package refs stores references (branches, tags, remote-tracking names) in a
single sorted binary file, "chunked-refs", that maps each name to an object
id and, for tags, to the id it peels to.

Readers see the file through memory-mapped, reference-counted snapshots that
are revalidated against the file's size, mtime and inode before use.
Writers take "chunked-refs.lock", merge their sorted updates against the
current snapshot in a single pass into "chunked-refs.new", and rename that
over the live file, so a reader never observes a partially written file and
an iterator opened before a commit keeps seeing the old contents.

File layout (big-endian):

	"CREF" signature (4) | hash algorithm id (4)
	REFS  NUL-terminated names, sorted, padded to 4 bytes
	OIDS  object id per name
	ROFF  u64 offset of each name within REFS
	POFF  u32 index into POID per name, or 0xFFFFFFFF for no peeled value
	POID  peeled object ids
	trailing table of contents (see package chunkfile)
	checksum of everything above

This store cannot hold symbolic references, keeps no reflogs and has no
rename operation.
*/
package refs
