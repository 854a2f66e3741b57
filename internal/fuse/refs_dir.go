package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/systemshift/memex-refs/internal/refs"
	"github.com/systemshift/memex-refs/internal/repo"
)

// RefsDir is one level of the reference namespace. Subdirectories are
// further path components; files are references.
type RefsDir struct {
	fs.Inode
	repo   *repo.Repository
	prefix string // ends in '/'
	peeled bool
}

var _ = (fs.NodeLookuper)((*RefsDir)(nil))
var _ = (fs.NodeReaddirer)((*RefsDir)(nil))
var _ = (fs.NodeGetattrer)((*RefsDir)(nil))

func (d *RefsDir) ino(name string) uint64 {
	if d.peeled {
		return stableIno("peeled", d.prefix+name)
	}
	return stableIno(d.prefix + name)
}

func (d *RefsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = d.ino("")
	return fs.OK
}

func (d *RefsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	kids, err := children(d.repo.Refs, d.prefix, d.peeled)
	if err != nil {
		log.Warnf("fuse: list %s: %v", d.prefix, err)
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, len(kids))
	for i, k := range kids {
		mode := uint32(syscall.S_IFREG)
		if k.dir {
			mode = syscall.S_IFDIR
		}
		entries[i] = fuse.DirEntry{Name: k.name, Mode: mode, Ino: d.ino(k.name)}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *RefsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	full := d.prefix + name
	_, err := resolve(d.repo.Refs, full, d.peeled)
	switch {
	case err == nil:
		f := &RefFile{repo: d.repo, name: full, peeled: d.peeled, ino: d.ino(name)}
		return d.NewInode(ctx, f, fs.StableAttr{Mode: syscall.S_IFREG, Ino: f.ino}), fs.OK
	case errors.Is(err, refs.ErrNotFound), d.peeled:
		// not a reference; maybe a directory
	default:
		log.Warnf("fuse: lookup %s: %v", full, err)
		return nil, syscall.EIO
	}

	found, err := hasPrefix(d.repo.Refs, full+"/")
	if err != nil {
		return nil, syscall.EIO
	}
	if !found {
		return nil, syscall.ENOENT
	}
	sub := &RefsDir{repo: d.repo, prefix: full + "/", peeled: d.peeled}
	return d.NewInode(ctx, sub, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: d.ino(name)}), fs.OK
}

// RefFile reads as the hex id of one reference, resolved on every read.
type RefFile struct {
	fs.Inode
	repo   *repo.Repository
	name   string
	peeled bool
	ino    uint64
}

var _ = (fs.NodeGetattrer)((*RefFile)(nil))
var _ = (fs.NodeReader)((*RefFile)(nil))
var _ = (fs.NodeOpener)((*RefFile)(nil))

func (f *RefFile) content() ([]byte, syscall.Errno) {
	id, err := resolve(f.repo.Refs, f.name, f.peeled)
	if err != nil {
		return nil, syscall.ENOENT
	}
	return []byte(id.String() + "\n"), fs.OK
}

func (f *RefFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, errno := f.content()
	if errno != fs.OK {
		return errno
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = f.ino
	return fs.OK
}

func (f *RefFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *RefFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := f.content()
	if errno != fs.OK {
		return nil, errno
	}
	return readAt(data, dest, off), fs.OK
}
