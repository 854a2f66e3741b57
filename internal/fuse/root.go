package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/systemshift/memex-refs/internal/repo"
)

// RootNode is the mountpoint directory. Contains "refs/", "peeled/" and "log/".
type RootNode struct {
	fs.Inode
	repo *repo.Repository
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	refsDir := &RefsDir{repo: r.repo, prefix: "refs/"}
	refsInode := r.NewPersistentInode(ctx, refsDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("refs"),
	})
	r.AddChild("refs", refsInode, true)

	peeledDir := &RefsDir{repo: r.repo, prefix: "refs/tags/", peeled: true}
	peeledInode := r.NewPersistentInode(ctx, peeledDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("peeled"),
	})
	r.AddChild("peeled", peeledInode, true)

	logDir := &LogDir{repo: r.repo}
	logInode := r.NewPersistentInode(ctx, logDir, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("log"),
	})
	r.AddChild("log", logInode, true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("/")
	return fs.OK
}

// readAt serves a read of data at off.
func readAt(data, dest []byte, off int64) fuse.ReadResult {
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil)
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end])
}
