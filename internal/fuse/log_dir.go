package fuse

import (
	"context"
	"fmt"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/systemshift/memex-refs/internal/repo"
	"github.com/systemshift/memex-refs/internal/snapshots"
)

const maxLogEntries = 64

// LogDir exposes recent branch snapshots as files in the FUSE tree.
// Layout: log/HEAD (CID string), log/0 (newest snapshot), log/1, ...
type LogDir struct {
	fs.Inode
	repo *repo.Repository
}

var _ = (fs.NodeLookuper)((*LogDir)(nil))
var _ = (fs.NodeReaddirer)((*LogDir)(nil))
var _ = (fs.NodeGetattrer)((*LogDir)(nil))

func (d *LogDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("log")
	return fs.OK
}

func (d *LogDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{
		{Name: "HEAD", Mode: syscall.S_IFREG, Ino: stableIno("log", "HEAD")},
	}
	snaps, _ := d.repo.Snapshots.List(maxLogEntries)
	for i := range snaps {
		name := fmt.Sprintf("%d", i)
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno("log", name),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *LogDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name == "HEAD" {
		f := &LogHeadFile{repo: d.repo}
		child := d.NewInode(ctx, f, fs.StableAttr{
			Mode: syscall.S_IFREG,
			Ino:  stableIno("log", "HEAD"),
		})
		return child, fs.OK
	}

	// Parse index
	var idx int
	if _, err := fmt.Sscanf(name, "%d", &idx); err != nil || idx < 0 || idx >= maxLogEntries {
		return nil, syscall.ENOENT
	}

	snaps, _ := d.repo.Snapshots.List(idx + 1)
	if idx >= len(snaps) {
		return nil, syscall.ENOENT
	}

	f := &LogEntryFile{snap: snaps[idx]}
	child := d.NewInode(ctx, f, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno("log", snaps[idx].ID.String()),
	})
	return child, fs.OK
}

// LogHeadFile returns the HEAD CID string.
type LogHeadFile struct {
	fs.Inode
	repo *repo.Repository
}

var _ = (fs.NodeGetattrer)((*LogHeadFile)(nil))
var _ = (fs.NodeReader)((*LogHeadFile)(nil))
var _ = (fs.NodeOpener)((*LogHeadFile)(nil))

func (f *LogHeadFile) headBytes() []byte {
	head, err := f.repo.Snapshots.Head()
	if err != nil || head.IsNull() {
		return []byte("(none)\n")
	}
	return []byte(head.Base32() + "\n")
}

func (f *LogHeadFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(f.headBytes()))
	out.Ino = stableIno("log", "HEAD")
	return fs.OK
}

func (f *LogHeadFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *LogHeadFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return readAt(f.headBytes(), dest, off), fs.OK
}

// LogEntryFile returns the stored text of a single snapshot.
type LogEntryFile struct {
	fs.Inode
	snap *snapshots.Snapshot
}

var _ = (fs.NodeGetattrer)((*LogEntryFile)(nil))
var _ = (fs.NodeReader)((*LogEntryFile)(nil))
var _ = (fs.NodeOpener)((*LogEntryFile)(nil))

func (f *LogEntryFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(f.snap.Bytes()))
	out.Ino = stableIno("log", f.snap.ID.String())
	return fs.OK
}

func (f *LogEntryFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (f *LogEntryFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return readAt(f.snap.Bytes(), dest, off), fs.OK
}
