package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type cli struct {
	t   *testing.T
	dir string
}

func (c *cli) run(args ...string) (string, int) {
	c.t.Helper()
	var out bytes.Buffer
	rc := run(append([]string{"--data", c.dir}, args...), &out)
	return out.String(), rc
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, rc := c.run(args...)
	if rc != 0 {
		c.t.Fatalf("%v: exit %d", args, rc)
	}
	return out
}

func TestCLI_Workflow(t *testing.T) {
	c := &cli{t: t, dir: t.TempDir()}
	file := filepath.Join(t.TempDir(), "content")
	if err := os.WriteFile(file, []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}

	blob := strings.TrimSpace(c.mustRun("hash-object", file))
	if len(blob) != 64 {
		t.Fatalf("hash-object printed %q", blob)
	}

	c.mustRun("update", "refs/heads/main", blob)
	if got := strings.TrimSpace(c.mustRun("read", "refs/heads/main")); got != blob {
		t.Fatalf("read = %q, want %q", got, blob)
	}
	if _, rc := c.run("read", "refs/heads/none"); rc != 1 {
		t.Fatalf("read of missing ref exited %d", rc)
	}

	if _, rc := c.run("create", "refs/heads/main", blob); rc == 0 {
		t.Fatal("create over an existing ref should fail")
	}
	c.mustRun("create", "refs/heads/dev", "refs/heads/main")

	tagID := strings.TrimSpace(c.mustRun("tag", "-m", "release", "v1", blob))
	out := c.mustRun("show-ref", "--peel")
	want := strings.Join([]string{
		blob + " refs/heads/dev",
		blob + " refs/heads/main",
		tagID + " refs/tags/v1",
		blob + " refs/tags/v1^{}",
	}, "\n") + "\n"
	if out != want {
		t.Fatalf("show-ref --peel =\n%s\nwant\n%s", out, want)
	}

	out = c.mustRun("show-ref", "--prefix=refs/heads/")
	if strings.Count(out, "\n") != 2 {
		t.Fatalf("prefix show-ref =\n%s", out)
	}

	if _, rc := c.run("update", "refs/heads/main", blob, tagID); rc == 0 {
		t.Fatal("update with a wrong old value should fail")
	}

	c.mustRun("snapshot")
	if out := c.mustRun("snapshot-log"); !strings.Contains(out, blob+" refs/heads/main") {
		t.Fatalf("snapshot-log =\n%s", out)
	}

	c.mustRun("delete", "-m", "cleanup", "refs/heads/dev", "refs/heads/main")
	if out := c.mustRun("show-ref", "--prefix=refs/heads/"); out != "" {
		t.Fatalf("after delete =\n%s", out)
	}
	c.mustRun("verify")
}

func TestCLI_CorruptFileIsFatal(t *testing.T) {
	c := &cli{t: t, dir: t.TempDir()}
	c.mustRun("verify")
	if err := os.WriteFile(filepath.Join(c.dir, ".mx", "chunked-refs"), []byte("garbage that is long enough to hold a header and a checksum"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, rc := c.run("show-ref"); rc != 128 {
		t.Fatalf("show-ref on a corrupt file exited %d, want 128", rc)
	}
}
