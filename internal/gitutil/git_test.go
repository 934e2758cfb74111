package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test",
			"GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test",
			"GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestIsRepo(t *testing.T) {
	dir := initTestRepo(t)
	if !IsRepo(dir) {
		t.Fatal("expected repo")
	}
	if IsRepo(t.TempDir()) {
		t.Fatal("plain dir reported as repo")
	}
}

func TestCommitAll(t *testing.T) {
	dir := initTestRepo(t)

	// Clean tree: no-op, no error.
	sha, ok, err := CommitAll(dir, "nothing")
	if err != nil {
		t.Fatal(err)
	}
	if ok || sha != "" {
		t.Fatalf("clean-tree commit returned ok=%v sha=%q", ok, sha)
	}

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("content\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sha, ok, err = CommitAll(dir, "add new file")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(sha) != 40 {
		t.Fatalf("commit returned ok=%v sha=%q", ok, sha)
	}
	clean, err := IsClean(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("tree dirty after commit")
	}
}

func TestSwitchNewBranch(t *testing.T) {
	dir := initTestRepo(t)
	if err := SwitchNewBranch(dir, "auto/12345678"); err != nil {
		t.Fatal(err)
	}
	out, _, err := runGit(dir, "branch", "--show-current")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "auto/12345678" {
		t.Fatalf("current branch = %q", out)
	}
	// Recreating the same branch resets it rather than failing.
	if err := SwitchNewBranch(dir, "auto/12345678"); err != nil {
		t.Fatal(err)
	}
}

func TestDiffFromRef(t *testing.T) {
	dir := initTestRepo(t)
	base, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	diff, err := DiffFromRef(dir, base)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(diff, "+changed") {
		t.Fatalf("diff missing change:\n%s", diff)
	}
}

func TestCloneOrUpdate(t *testing.T) {
	src := initTestRepo(t)
	dst := filepath.Join(t.TempDir(), "clone")

	if err := CloneOrUpdate(src, dst, "main"); err != nil {
		t.Fatal(err)
	}
	if !IsRepo(dst) {
		t.Fatal("clone is not a repo")
	}

	// Second call fast-forwards instead of recloning.
	if err := CloneOrUpdate(src, dst, "main"); err != nil {
		t.Fatal(err)
	}
}
