// Package snapshots records point-in-time listings of the local branches.
// Each snapshot is an object in a private object store holding a Unix
// timestamp, an optional parent line, and one "<oid> <name>" line per
// reference under refs/heads/. HEAD names the newest snapshot.
package snapshots

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/systemshift/memex-refs/internal/objid"
	"github.com/systemshift/memex-refs/internal/odb"
	"github.com/systemshift/memex-refs/internal/refs"
)

const kindSnapshot odb.Kind = "snapshot"

// Prefix is the namespace captured by a snapshot.
const Prefix = "refs/heads/"

type Entry struct {
	OID  objid.ID
	Name string
}

type Snapshot struct {
	ID     objid.ID
	Parent objid.ID // null for the first snapshot
	Time   time.Time
	Refs   []Entry
}

// Log manages the snapshot chain rooted at dir/HEAD.
type Log struct {
	headPath string
	objects  *odb.Store
	refs     *refs.Store
	now      func() time.Time
}

// Open creates dir if needed and returns the log stored there.
func Open(dir string, store *refs.Store) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create snapshot dir")
	}
	objects, err := odb.NewStore(filepath.Join(dir, "objects"), store.Algo())
	if err != nil {
		return nil, err
	}
	return &Log{
		headPath: filepath.Join(dir, "HEAD"),
		objects:  objects,
		refs:     store,
		now:      time.Now,
	}, nil
}

// Head returns the id of the newest snapshot, or a null id if none exists.
func (l *Log) Head() (objid.ID, error) {
	algo := l.refs.Algo()
	data, err := os.ReadFile(l.headPath)
	if os.IsNotExist(err) {
		return algo.Null(), nil
	}
	if err != nil {
		return objid.ID{}, errors.Wrap(err, "read HEAD")
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return algo.Null(), nil
	}
	id, err := algo.Parse(s)
	if err != nil {
		return objid.ID{}, errors.Wrap(err, "decode HEAD")
	}
	return id, nil
}

// Create records the current refs/heads/ and advances HEAD.
func (l *Log) Create() (*Snapshot, error) {
	// 1. Read parent
	parent, err := l.Head()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Parent: parent, Time: l.now().UTC().Truncate(time.Second)}

	// 2. Collect branches
	it, err := l.refs.Iterate(Prefix, refs.IterFlags{})
	if err != nil {
		return nil, errors.Wrap(err, "list refs")
	}
	defer it.Close()
	for it.Next() {
		ref := it.Ref()
		snap.Refs = append(snap.Refs, Entry{OID: ref.OID, Name: ref.Name})
	}
	if err := it.Err(); err != nil {
		return nil, errors.Wrap(err, "list refs")
	}

	// 3. Store
	id, err := l.objects.Put(kindSnapshot, snap.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "store snapshot")
	}
	snap.ID = id

	// 4. Advance HEAD
	if err := renameio.WriteFile(l.headPath, []byte(id.Base32()+"\n"), 0644); err != nil {
		return nil, errors.Wrap(err, "write HEAD")
	}
	log.Debugf("snapshots: %s with %d refs", id, len(snap.Refs))
	return snap, nil
}

// Get reads a snapshot by id.
func (l *Log) Get(id objid.ID) (*Snapshot, error) {
	kind, payload, err := l.objects.Get(id)
	if err != nil {
		return nil, err
	}
	if kind != kindSnapshot {
		return nil, errors.Errorf("object %s is a %s, not a snapshot", id, kind)
	}
	snap, err := decode(l.refs.Algo(), payload)
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot %s", id)
	}
	snap.ID = id
	return snap, nil
}

// List walks the parent chain from HEAD, returning up to n snapshots
// (newest first). n <= 0 means no limit.
func (l *Log) List(n int) ([]*Snapshot, error) {
	current, err := l.Head()
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for !current.IsNull() && (n <= 0 || len(out) < n) {
		snap, err := l.Get(current)
		if err != nil {
			return out, err
		}
		out = append(out, snap)
		current = snap.Parent
	}
	return out, nil
}

// Bytes renders the snapshot in its stored form.
func (s *Snapshot) Bytes() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d\n", s.Time.Unix())
	if !s.Parent.IsNull() {
		fmt.Fprintf(&buf, "parent %s\n", s.Parent)
	}
	for _, e := range s.Refs {
		fmt.Fprintf(&buf, "%s %s\n", e.OID, e.Name)
	}
	return buf.Bytes()
}

func decode(algo objid.Algo, payload []byte) (*Snapshot, error) {
	sc := bufio.NewScanner(bytes.NewReader(payload))
	if !sc.Scan() {
		return nil, errors.New("empty snapshot")
	}
	secs, err := strconv.ParseInt(sc.Text(), 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "timestamp")
	}
	snap := &Snapshot{Parent: algo.Null(), Time: time.Unix(secs, 0).UTC()}
	for sc.Scan() {
		hex, name, ok := strings.Cut(sc.Text(), " ")
		if !ok {
			return nil, errors.Errorf("malformed line %q", sc.Text())
		}
		if hex == "parent" {
			if snap.Parent, err = algo.Parse(name); err != nil {
				return nil, errors.Wrap(err, "parent")
			}
			continue
		}
		id, err := algo.Parse(hex)
		if err != nil {
			return nil, errors.Wrapf(err, "line %q", sc.Text())
		}
		snap.Refs = append(snap.Refs, Entry{OID: id, Name: name})
	}
	return snap, errors.Wrap(sc.Err(), "scan snapshot")
}
