package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	memexfuse "github.com/systemshift/memex-refs/internal/fuse"
	"github.com/systemshift/memex-refs/internal/objid"
	"github.com/systemshift/memex-refs/internal/odb"
	"github.com/systemshift/memex-refs/internal/refs"
	"github.com/systemshift/memex-refs/internal/repo"
)

const version = "0.1.0"

const usage = `memex-refs: chunked reference store

Usage:
  memex-refs [options] show-ref [--prefix=<p>] [--peel] [--include-broken] [--worktree-only]
  memex-refs [options] read <ref>
  memex-refs [options] update <ref> <new> [<old>]
  memex-refs [options] create <ref> <new>
  memex-refs [options] delete [-m <msg>] <refs>...
  memex-refs [options] verify
  memex-refs [options] snapshot
  memex-refs [options] snapshot-log [-n <count>]
  memex-refs [options] hash-object <file>
  memex-refs [options] tag [-m <msg>] <tagname> <object>
  memex-refs [options] mount [--debug-fuse] <mountpoint>
  memex-refs -h | --help
  memex-refs --version

Options:
  -h --help            Show this screen.
  --version            Show version.
  --data=<dir>         Repository root containing .mx/ [default: .]
  --lock-timeout=<ms>  Milliseconds to wait for chunked-refs.lock; 0 uses the repository setting [default: 0]
  --hash=<algo>        Hash algorithm for a new repository: sha1, sha256 or sha512.
  -v --verbose         Log debug output.
  -m <msg>             Message recorded with the change.
  -n <count>           Number of snapshots to show [default: 10]
  --prefix=<p>         Only show references starting with <p>.
  --peel               Also show what tags peel to.
  --include-broken     Include broken references and references to missing objects.
  --worktree-only      Skip per-worktree references.
  --debug-fuse         Log every FUSE request.
`

func init() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	formatter := &logrus.TextFormatter{}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) (rc int) {
	parser := &docopt.Parser{OptionsFirst: false}
	o, err := parser.ParseArgs(usage, args, version)
	if err != nil {
		log.Error(err)
		return 22
	}
	if verbose, _ := o.Bool("--verbose"); verbose {
		log.SetLevel(log.DebugLevel)
	}
	log.Debug(o)

	dataDir, _ := o.String("--data")
	hashName, _ := o.String("--hash")
	timeoutStr, _ := o.String("--lock-timeout")
	timeoutMs, err := strconv.Atoi(timeoutStr)
	if err != nil {
		log.Errorf("--lock-timeout: %v", err)
		return 22
	}

	r, err := repo.Open(dataDir, repo.Options{
		HashAlgorithm: hashName,
		LockTimeout:   time.Duration(timeoutMs) * time.Millisecond,
	})
	if err != nil {
		log.Errorf("failed to open repository: %v", err)
		return 128
	}
	defer r.Close()

	switch {
	case flag(o, "show-ref"):
		err = showRef(r, o, stdout)
	case flag(o, "read"):
		err = readRef(r, o, stdout)
	case flag(o, "update"):
		err = updateRef(r, o)
	case flag(o, "create"):
		err = createRef(r, o)
	case flag(o, "delete"):
		names, _ := o["<refs>"].([]string)
		msg, _ := o.String("-m")
		err = r.Refs.DeleteMany(names, msg)
	case flag(o, "verify"):
		err = r.Refs.Verify()
	case flag(o, "snapshot"):
		err = snapshot(r, stdout)
	case flag(o, "snapshot-log"):
		err = snapshotLog(r, o, stdout)
	case flag(o, "hash-object"):
		err = hashObject(r, o, stdout)
	case flag(o, "tag"):
		err = tag(r, o, stdout)
	case flag(o, "mount"):
		err = mount(r, o)
	}
	return exitCode(err)
}

func flag(o docopt.Opts, key string) bool {
	v, _ := o.Bool(key)
	return v
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ferr *refs.FormatError
	if errors.As(err, &ferr) {
		log.Errorf("fatal: %v", err)
		return 128
	}
	if errors.Is(err, refs.ErrNotFound) {
		log.Debug(err)
		return 1
	}
	log.Error(err)
	return 1
}

// resolveObject accepts a hex digest, a CID, or the name of an existing
// reference.
func resolveObject(r *repo.Repository, s string) (objid.ID, error) {
	if id, err := r.Algo.Parse(s); err == nil {
		return id, nil
	}
	ref, err := r.Refs.Read(s)
	if err != nil {
		return objid.ID{}, errors.Wrapf(err, "not an object id or reference: %s", s)
	}
	return ref.OID, nil
}

func showRef(r *repo.Repository, o docopt.Opts, stdout io.Writer) error {
	prefix, _ := o.String("--prefix")
	it, err := r.Refs.Iterate(prefix, refs.IterFlags{
		IncludeBroken:   flag(o, "--include-broken"),
		PerWorktreeOnly: flag(o, "--worktree-only"),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	peel := flag(o, "--peel")
	for it.Next() {
		ref := it.Ref()
		if ref.Broken {
			fmt.Fprintf(stdout, "%s %s (broken)\n", ref.OID, ref.Name)
			continue
		}
		fmt.Fprintf(stdout, "%s %s\n", ref.OID, ref.Name)
		if peel {
			if peeled, err := it.Peel(); err == nil {
				fmt.Fprintf(stdout, "%s %s^{}\n", peeled, ref.Name)
			}
		}
	}
	return it.Err()
}

func readRef(r *repo.Repository, o docopt.Opts, stdout io.Writer) error {
	name, _ := o.String("<ref>")
	ref, err := r.Refs.Read(name)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, ref.OID)
	return nil
}

func updateRef(r *repo.Repository, o docopt.Opts) error {
	name, _ := o.String("<ref>")
	newStr, _ := o.String("<new>")
	newID, err := resolveObject(r, newStr)
	if err != nil {
		return err
	}
	u := refs.Update{Name: name, New: newID, HaveNew: true}
	if oldStr, err := o.String("<old>"); err == nil && oldStr != "" {
		if u.Old, err = r.Algo.Parse(oldStr); err != nil {
			return err
		}
		u.HaveOld = true
	}
	tx := r.Refs.Begin()
	if err := tx.Add(u); err != nil {
		return err
	}
	return tx.Commit()
}

func createRef(r *repo.Repository, o docopt.Opts) error {
	name, _ := o.String("<ref>")
	newStr, _ := o.String("<new>")
	newID, err := resolveObject(r, newStr)
	if err != nil {
		return err
	}
	tx := r.Refs.Begin()
	if err := tx.Create(name, newID); err != nil {
		return err
	}
	return tx.Commit()
}

func snapshot(r *repo.Repository, stdout io.Writer) error {
	snap, err := r.Snapshots.Create()
	if err != nil {
		return errors.Wrap(err, "failed to generate ref snapshot")
	}
	fmt.Fprintln(stdout, snap.ID.Base32())
	return nil
}

func snapshotLog(r *repo.Repository, o docopt.Opts, stdout io.Writer) error {
	nStr, _ := o.String("-n")
	n, err := strconv.Atoi(nStr)
	if err != nil {
		return errors.Wrap(err, "-n")
	}
	snaps, err := r.Snapshots.List(n)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		fmt.Fprintf(stdout, "snapshot %s\nDate: %s\n\n", s.ID.Base32(), s.Time.Format(time.RFC3339))
		for _, e := range s.Refs {
			fmt.Fprintf(stdout, "    %s %s\n", e.OID, e.Name)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

func hashObject(r *repo.Repository, o docopt.Opts, stdout io.Writer) error {
	path, _ := o.String("<file>")
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	id, err := r.Objects.PutBlob(data)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, id)
	return nil
}

// tag writes an annotated tag object and creates refs/tags/<tagname>
// pointing at it.
func tag(r *repo.Repository, o docopt.Opts, stdout io.Writer) error {
	name, _ := o.String("<tagname>")
	objStr, _ := o.String("<object>")
	msg, _ := o.String("-m")
	target, err := resolveObject(r, objStr)
	if err != nil {
		return err
	}
	if !r.Objects.Has(target) {
		return errors.Errorf("object %s does not exist", target)
	}
	id, err := r.Objects.PutTag(odb.Tag{Object: target, Name: name, Message: msg, Tagged: time.Now().UTC()})
	if err != nil {
		return err
	}
	tx := r.Refs.Begin()
	if err := tx.Create("refs/tags/"+name, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, id)
	return nil
}

func mount(r *repo.Repository, o docopt.Opts) error {
	mountpoint, _ := o.String("<mountpoint>")

	// Ensure mountpoint exists
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return errors.Wrap(err, "create mountpoint")
	}

	log.Infof("memex-refs: mounting %s at %s", r.MxDir(), mountpoint)
	server, err := memexfuse.MountFS(mountpoint, r, flag(o, "--debug-fuse"))
	if err != nil {
		return err
	}

	// Unmount on signal
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-done
		log.Info("memex-refs: shutting down...")
		server.Unmount()
	}()

	log.Infof("memex-refs: ready (pid %d)", os.Getpid())
	server.Wait()
	log.Info("memex-refs: stopped")
	return nil
}
