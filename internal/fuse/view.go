package fuse

import (
	"hash/fnv"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/systemshift/memex-refs/internal/objid"
	"github.com/systemshift/memex-refs/internal/refs"
)

// stableIno returns a stable inode number for a path in the tree.
func stableIno(parts ...string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.Join(parts, "/")))
	return h.Sum64()
}

// child is one entry below a reference-name prefix: either a reference
// (leaf) or a further path component (dir).
type child struct {
	name string
	dir  bool
}

// children lists the next path components below prefix, which must be
// empty or end in '/'. With peeled set only references that peel are
// listed.
func children(store *refs.Store, prefix string, peeled bool) ([]child, error) {
	it, err := store.Iterate(prefix, refs.IterFlags{})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	seen := make(map[string]bool)
	var out []child
	for it.Next() {
		rest := strings.TrimPrefix(it.Ref().Name, prefix)
		name, _, isDir := strings.Cut(rest, "/")
		if !isDir && peeled {
			if _, err := it.Peel(); err != nil {
				continue
			}
		}
		key := name
		if isDir {
			key += "/"
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, child{name: name, dir: isDir})
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// resolve returns the id name points at, or the id it peels to.
func resolve(store *refs.Store, name string, peeled bool) (objid.ID, error) {
	if !peeled {
		ref, err := store.Read(name)
		if err != nil {
			return objid.ID{}, err
		}
		if ref.Broken {
			return objid.ID{}, errors.Wrapf(refs.ErrNotFound, "%s is broken", name)
		}
		return ref.OID, nil
	}
	it, err := store.Iterate(name, refs.IterFlags{})
	if err != nil {
		return objid.ID{}, err
	}
	defer it.Close()
	if !it.Next() || it.Ref().Name != name {
		if err := it.Err(); err != nil {
			return objid.ID{}, err
		}
		return objid.ID{}, errors.Wrapf(refs.ErrNotFound, "%s", name)
	}
	return it.Peel()
}

// hasPrefix reports whether any reference lives below prefix.
func hasPrefix(store *refs.Store, prefix string) (bool, error) {
	it, err := store.Iterate(prefix, refs.IterFlags{})
	if err != nil {
		return false, err
	}
	defer it.Close()
	if it.Next() {
		return true, nil
	}
	return false, it.Err()
}
