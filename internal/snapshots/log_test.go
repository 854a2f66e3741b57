package snapshots

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/systemshift/memex-refs/internal/objid"
	"github.com/systemshift/memex-refs/internal/odb"
	"github.com/systemshift/memex-refs/internal/refs"
)

func setupLog(t *testing.T) (*Log, *refs.Store, *odb.Store) {
	t.Helper()
	dir := t.TempDir()
	objs, err := odb.NewStore(filepath.Join(dir, "objects"), objid.SHA256)
	if err != nil {
		t.Fatalf("odb.NewStore: %v", err)
	}
	store, err := refs.New(dir, refs.Options{Algo: objid.SHA256, Objects: objs})
	if err != nil {
		t.Fatalf("refs.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	l, err := Open(filepath.Join(dir, "snapshots", "self"), store)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	clock := time.Unix(1700000000, 0)
	l.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return l, store, objs
}

func setRefs(t *testing.T, store *refs.Store, pairs map[string]objid.ID) {
	t.Helper()
	tx := store.Begin()
	for name, id := range pairs {
		if err := tx.Set(name, id); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// names flattens entries for comparison; objid.ID has unexported fields.
func names(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.OID.String()+" "+e.Name)
	}
	return out
}

func TestHead_Empty(t *testing.T) {
	l, _, _ := setupLog(t)
	head, err := l.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if !head.IsNull() {
		t.Fatalf("Head = %s, want null", head)
	}
	list, err := l.List(10)
	if err != nil || len(list) != 0 {
		t.Fatalf("List = %v, %v", list, err)
	}
}

func TestCreate_CapturesBranchesOnly(t *testing.T) {
	l, store, objs := setupLog(t)
	a, _ := objs.PutBlob([]byte("a"))
	b, _ := objs.PutBlob([]byte("b"))
	setRefs(t, store, map[string]objid.ID{
		"refs/heads/main":          a,
		"refs/heads/dev":           b,
		"refs/tags/v1":             a,
		"refs/remotes/origin/main": b,
	})

	snap, err := l.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := []string{b.String() + " refs/heads/dev", a.String() + " refs/heads/main"}
	if diff := cmp.Diff(want, names(snap.Refs)); diff != "" {
		t.Fatalf("refs (-want +got):\n%s", diff)
	}
	if !snap.Parent.IsNull() {
		t.Fatal("first snapshot should have no parent")
	}

	got, err := l.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(want, names(got.Refs)); diff != "" {
		t.Fatalf("stored refs (-want +got):\n%s", diff)
	}
	if !got.Time.Equal(snap.Time) {
		t.Fatalf("time = %v, want %v", got.Time, snap.Time)
	}
	head, _ := l.Head()
	if head != snap.ID {
		t.Fatalf("HEAD = %s, want %s", head, snap.ID)
	}
}

func TestList_FollowsParents(t *testing.T) {
	l, store, objs := setupLog(t)
	var ids []objid.ID
	for i := 0; i < 3; i++ {
		id, _ := objs.PutBlob([]byte{byte(i)})
		setRefs(t, store, map[string]objid.ID{"refs/heads/main": id})
		snap, err := l.Create()
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		ids = append(ids, snap.ID)
	}

	all, err := l.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d snapshots", len(all))
	}
	for i, snap := range all {
		if snap.ID != ids[2-i] {
			t.Fatalf("List[%d] = %s, want %s", i, snap.ID, ids[2-i])
		}
	}
	if all[0].Parent != ids[1] || !all[2].Parent.IsNull() {
		t.Fatal("parent chain broken")
	}
	if !all[0].Time.After(all[2].Time) {
		t.Fatal("newest snapshot should come first")
	}

	two, err := l.List(2)
	if err != nil || len(two) != 2 {
		t.Fatalf("List(2) = %d, %v", len(two), err)
	}
}

func TestGet_RejectsOtherKinds(t *testing.T) {
	l, _, _ := setupLog(t)
	id, err := l.objects.PutBlob([]byte("not a snapshot"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Get(id); err == nil {
		t.Fatal("Get of a blob should fail")
	}
}
