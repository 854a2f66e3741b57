// Package fuse mounts a read-only view of a repository's references:
// refs/ mirrors the reference namespace as directories, peeled/ shows what
// each tag peels to, and log/ lists the branch snapshots.
package fuse

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/systemshift/memex-refs/internal/repo"
)

// MountFS mounts the filesystem at mountpoint backed by r.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func MountFS(mountpoint string, r *repo.Repository, debug bool) (*gofuse.Server, error) {
	watcher, err := r.Refs.Watch()
	if err != nil {
		return nil, err
	}

	root := &RootNode{repo: r}
	// References change underneath the kernel; do not let it cache lookups.
	var noCache time.Duration
	opts := &fs.Options{
		EntryTimeout:    &noCache,
		AttrTimeout:     &noCache,
		NegativeTimeout: &noCache,
		MountOptions: gofuse.MountOptions{
			FsName:        "memex-refs",
			Name:          "memex-refs",
			DisableXAttrs: true,
			Debug:         debug,
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "mount %s", mountpoint)
	}
	go func() {
		server.Wait()
		if err := watcher.Close(); err != nil {
			log.Warnf("fuse: stop watcher: %v", err)
		}
	}()
	return server, nil
}
