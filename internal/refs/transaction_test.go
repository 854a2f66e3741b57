package refs

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stevegt/readercomp"
	"github.com/systemshift/memex-refs/internal/lockfile"
	"github.com/systemshift/memex-refs/internal/objid"
)

func assertFileUnchanged(t *testing.T, path string, before []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(before) {
		t.Fatal("chunked-refs changed after a failed transaction")
	}
}

func assertNoLeftovers(t *testing.T, path string) {
	t.Helper()
	for _, suffix := range []string{lockfile.LockSuffix, lockfile.NewSuffix} {
		if _, err := os.Stat(path + suffix); !os.IsNotExist(err) {
			t.Fatalf("%s%s left behind: %v", path, suffix, err)
		}
	}
}

func TestCreate_FailsWhenPresent(t *testing.T) {
	f := newFixture(t)
	a, b := f.blob("a"), f.blob("b")
	f.set("refs/heads/main", a)
	before, _ := os.ReadFile(f.path())

	tx := f.store.Begin()
	if err := tx.Create("refs/heads/main", b); err != nil {
		t.Fatal(err)
	}
	err := tx.Commit()
	var cerr *ConflictError
	if !errors.As(err, &cerr) || cerr.Kind != ConflictExists {
		t.Fatalf("Commit = %v, want exists conflict", err)
	}
	if want := "cannot update ref 'refs/heads/main': reference already exists"; err.Error() != want {
		t.Fatalf("message = %q", err.Error())
	}
	assertFileUnchanged(t, f.path(), before)
	assertNoLeftovers(t, f.path())

	tx = f.store.Begin()
	tx.Create("refs/heads/fresh", b)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Create of absent name: %v", err)
	}
}

func TestVerify_Mismatch(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.blob("a"), f.blob("b"), f.blob("c")
	f.set("refs/heads/main", a)
	before, _ := os.ReadFile(f.path())

	tx := f.store.Begin()
	tx.Add(Update{Name: "refs/heads/main", New: c, HaveNew: true, Old: b, HaveOld: true})
	tx.Set("refs/heads/other", c)
	err := tx.Commit()
	var cerr *ConflictError
	if !errors.As(err, &cerr) || cerr.Kind != ConflictMismatch {
		t.Fatalf("Commit = %v, want mismatch", err)
	}
	if cerr.Actual != a || cerr.Expected != b {
		t.Fatalf("conflict = %+v", cerr)
	}
	assertFileUnchanged(t, f.path(), before)
	if _, err := f.store.Read("refs/heads/other"); !errors.Is(err, ErrNotFound) {
		t.Fatal("no update of a rejected batch may apply")
	}

	tx = f.store.Begin()
	tx.Add(Update{Name: "refs/heads/main", New: c, HaveNew: true, Old: a, HaveOld: true})
	if err := tx.Commit(); err != nil {
		t.Fatalf("matching old value: %v", err)
	}
	if ref, _ := f.store.Read("refs/heads/main"); ref.OID != c {
		t.Fatalf("main = %s, want %s", ref.OID, c)
	}
}

func TestVerify_Missing(t *testing.T) {
	f := newFixture(t)
	a := f.blob("a")
	f.set("refs/heads/main", a)

	tx := f.store.Begin()
	tx.Verify("refs/heads/gone", a)
	err := tx.Commit()
	var cerr *ConflictError
	if !errors.As(err, &cerr) || cerr.Kind != ConflictMissing {
		t.Fatalf("Commit = %v, want missing conflict", err)
	}

	// Verify-only updates leave the value alone.
	tx = f.store.Begin()
	tx.Verify("refs/heads/main", a)
	tx.Verify("refs/heads/gone", objid.SHA256.Null())
	if err := tx.Commit(); err != nil {
		t.Fatalf("verify-only: %v", err)
	}
	if ref, err := f.store.Read("refs/heads/main"); err != nil || ref.OID != a {
		t.Fatalf("main = %+v, %v", ref, err)
	}
	if _, err := f.store.Read("refs/heads/gone"); !errors.Is(err, ErrNotFound) {
		t.Fatal("verify of absent name must not create it")
	}
}

func TestDuplicateUpdates(t *testing.T) {
	f := newFixture(t)
	a, b := f.blob("a"), f.blob("b")
	tx := f.store.Begin()
	tx.Set("refs/heads/main", a)
	tx.Set("refs/heads/x", b)
	tx.Set("refs/heads/main", b)
	err := tx.Commit()
	var derr *DuplicateError
	if !errors.As(err, &derr) || derr.Name != "refs/heads/main" {
		t.Fatalf("Commit = %v, want DuplicateError", err)
	}
	if err.Error() != "multiple updates for ref 'refs/heads/main' not allowed" {
		t.Fatalf("message = %q", err.Error())
	}
	if _, err := os.Stat(f.path()); !os.IsNotExist(err) {
		t.Fatal("nothing should have been written")
	}
	assertNoLeftovers(t, f.path())
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	a := f.blob("a")
	f.set("refs/heads/a", a, "refs/heads/b", a)

	tx := f.store.Begin()
	tx.Delete("refs/heads/a")
	tx.Delete("refs/heads/never")
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := f.store.Read("refs/heads/a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted name still readable: %v", err)
	}
	if _, err := f.store.Read("refs/heads/b"); err != nil {
		t.Fatalf("untouched name lost: %v", err)
	}
}

func TestEmptyTransactionRewritesIdentically(t *testing.T) {
	f := newFixture(t)
	commit := f.blob("c")
	f.set("refs/heads/main", commit, "refs/tags/v1", f.tag(commit, "v1"), "refs/remotes/origin/main", commit)
	before, err := os.ReadFile(f.path())
	if err != nil {
		t.Fatal(err)
	}

	if err := f.store.Begin().Commit(); err != nil {
		t.Fatalf("empty Commit: %v", err)
	}
	after, err := os.Open(f.path())
	if err != nil {
		t.Fatal(err)
	}
	defer after.Close()
	ok, err := readercomp.Equal(after, bytes.NewReader(before), 4096)
	if err != nil {
		t.Fatalf("readercomp.Equal: %v", err)
	}
	if !ok {
		t.Fatal("rewriting with no updates changed the file")
	}
}

func TestPrepareAbort(t *testing.T) {
	f := newFixture(t)
	a, b := f.blob("a"), f.blob("b")
	f.set("refs/heads/main", a)
	before, _ := os.ReadFile(f.path())

	tx := f.store.Begin()
	tx.Set("refs/heads/main", b)
	if err := tx.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if tx.State() != TxPrepared {
		t.Fatalf("state = %s", tx.State())
	}
	if _, err := os.Stat(f.path() + lockfile.NewSuffix); err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
	if err := tx.Add(Update{Name: "refs/heads/late", New: b, HaveNew: true}); !errors.Is(err, ErrTxState) {
		t.Fatalf("Add after Prepare = %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("second Abort: %v", err)
	}
	if err := tx.Finish(); err != nil {
		t.Fatalf("Finish after Abort should be a no-op: %v", err)
	}
	assertFileUnchanged(t, f.path(), before)
	assertNoLeftovers(t, f.path())
	if f.store.IsLocked() {
		t.Fatal("Abort should release the lock the transaction took")
	}
}

func TestSecondPreparedTransactionIsRefused(t *testing.T) {
	f := newFixture(t)
	a := f.blob("a")
	first := f.store.Begin()
	first.Set("refs/heads/one", a)
	if err := first.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	second := f.store.Begin()
	second.Set("refs/heads/two", a)
	if err := second.Prepare(); !errors.Is(err, ErrTxInProgress) {
		t.Fatalf("second Prepare = %v", err)
	}
	if err := first.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := f.store.Read("refs/heads/one"); err != nil {
		t.Fatalf("first transaction lost: %v", err)
	}
	assertNoLeftovers(t, f.path())
}

func TestTransactionUnderCallerLock(t *testing.T) {
	f := newFixture(t)
	a, b := f.blob("a"), f.blob("b")
	f.set("refs/heads/main", a)
	if err := f.store.Lock(0); err != nil {
		t.Fatal(err)
	}

	tx := f.store.Begin()
	tx.Set("refs/heads/main", b)
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !f.store.IsLocked() {
		t.Fatal("transaction must not release a lock it did not take")
	}
	if ref, err := f.store.Read("refs/heads/main"); err != nil || ref.OID != b {
		t.Fatalf("read under lock = %+v, %v", ref, err)
	}
	if err := f.store.Unlock(); err != nil {
		t.Fatal(err)
	}
}

func TestStaleNewFileIsReplaced(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.path()+lockfile.NewSuffix, []byte("left by a crash"), 0644); err != nil {
		t.Fatal(err)
	}
	f.set("refs/heads/main", f.blob("a"))
	if err := f.store.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	assertNoLeftovers(t, f.path())
}

func TestAdd_RejectsBadNames(t *testing.T) {
	f := newFixture(t)
	tx := f.store.Begin()
	var rerr *RefnameError
	if err := tx.Set("refs/heads/a..b", f.blob("a")); !errors.As(err, &rerr) {
		t.Fatalf("Set = %v, want RefnameError", err)
	}
	if len(tx.Updates()) != 0 {
		t.Fatal("rejected update was queued")
	}
}

func TestAdd_RejectsForeignAlgorithm(t *testing.T) {
	f := newFixture(t)
	main := f.blob("main")
	f.set("refs/heads/main", main)
	before, _ := os.ReadFile(f.path())

	short, err := objid.SHA1.Sum([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	tx := f.store.Begin()
	if err := tx.Set("refs/heads/other", short); !errors.Is(err, ErrWrongAlgo) {
		t.Fatalf("Set = %v, want ErrWrongAlgo", err)
	}
	if err := tx.Verify("refs/heads/main", short); !errors.Is(err, ErrWrongAlgo) {
		t.Fatalf("Verify = %v, want ErrWrongAlgo", err)
	}
	if len(tx.Updates()) != 0 {
		t.Fatal("rejected update was queued")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ref, err := f.store.Read("refs/heads/main")
	if err != nil || ref.OID != main {
		t.Fatalf("Read = %v, %v", ref.OID, err)
	}
	if err := f.store.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	assertFileUnchanged(t, f.path(), before)
}

func TestAdd_AcceptsZeroID(t *testing.T) {
	f := newFixture(t)
	f.set("refs/heads/main", f.blob("main"))

	tx := f.store.Begin()
	if err := tx.Add(Update{Name: "refs/heads/main", HaveNew: true}); err != nil {
		t.Fatalf("Add delete with zero id: %v", err)
	}
	if err := tx.Add(Update{Name: "refs/heads/fresh", New: f.blob("fresh"), HaveNew: true, HaveOld: true}); err != nil {
		t.Fatalf("Add create with zero old: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := f.names(f.store, "", IterFlags{}); len(got) != 1 || got[0] != "refs/heads/fresh" {
		t.Fatalf("names = %v", got)
	}
}
