package vcsshim

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
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
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

func TestCommitAndDiffNameOnly(t *testing.T) {
	dir := initTestRepo(t)
	base, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Commit(dir, "add new file"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	files, err := DiffNameOnly(dir, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "new.txt" {
		t.Fatalf("DiffNameOnly = %v, want [new.txt]", files)
	}
}

func TestCommitNoChangesIsIdempotent(t *testing.T) {
	dir := initTestRepo(t)
	before, err := HeadSHA(dir)
	if err != nil {
		t.Fatal(err)
	}
	after, err := Commit(dir, "no-op commit")
	if err != nil {
		t.Fatalf("Commit with no changes should not fail: %v", err)
	}
	if before != after {
		t.Fatalf("expected HEAD unchanged on empty commit, got %s -> %s", before, after)
	}
}

func TestCommitExcludingGlobsSkipsMatchedPaths(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.MkdirAll(filepath.Join(dir, "node_modules", "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "node_modules", "pkg", "index.js"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := CommitExcluding(dir, "checkpoint", []string{"**/node_modules/**"}); err != nil {
		t.Fatalf("CommitExcluding: %v", err)
	}

	files, err := DiffNameOnly(dir, "HEAD~1")
	if err != nil {
		t.Fatalf("DiffNameOnly: %v", err)
	}
	for _, f := range files {
		if f == "node_modules/pkg/index.js" {
			t.Fatalf("expected node_modules file excluded from commit, got %v", files)
		}
	}
	found := false
	for _, f := range files {
		if f == "src.go" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected src.go committed, got %v", files)
	}

	status, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "node_modules") {
		t.Fatalf("expected excluded file to remain untracked, status = %q", status)
	}
}

func TestPorcelainPathHandlesRenames(t *testing.T) {
	cases := map[string]string{
		"old.go -> new.go":     "new.go",
		"src/a.go":             "src/a.go",
		`"path with space.go"`: "path with space.go",
		"src/b.go -> dst/c.go": "dst/c.go",
	}
	for field, want := range cases {
		if got := porcelainPath(field); got != want {
			t.Fatalf("porcelainPath(%q) = %q, want %q", field, got, want)
		}
	}
}

func TestCommitExcludingHandlesRenamedPaths(t *testing.T) {
	dir := initTestRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "old.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Commit(dir, "add old.go"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := os.Rename(filepath.Join(dir, "old.go"), filepath.Join(dir, "new.go")); err != nil {
		t.Fatal(err)
	}

	if _, err := CommitExcluding(dir, "checkpoint", []string{"**/node_modules/**"}); err != nil {
		t.Fatalf("CommitExcluding: %v", err)
	}

	clean, err := IsClean(dir)
	if err != nil {
		t.Fatalf("IsClean: %v", err)
	}
	if !clean {
		t.Fatalf("expected renamed path to be staged and committed")
	}
}

func TestWorktreeAddRemoveIdempotent(t *testing.T) {
	dir := initTestRepo(t)
	if err := BranchCreate(dir, "feature-x", "main"); err != nil {
		t.Fatalf("BranchCreate: %v", err)
	}

	wtDir := filepath.Join(t.TempDir(), "wt")
	if err := WorktreeAdd(dir, wtDir, "feature-x"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}

	paths, err := WorktreeList(dir)
	if err != nil {
		t.Fatalf("WorktreeList: %v", err)
	}
	found := false
	for _, p := range paths {
		if p == wtDir {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in worktree list %v", wtDir, paths)
	}

	if err := WorktreeRemove(dir, wtDir); err != nil {
		t.Fatalf("WorktreeRemove: %v", err)
	}
	// Idempotent: removing again must not error (§4.3).
	if err := WorktreeRemove(dir, wtDir); err != nil {
		t.Fatalf("WorktreeRemove (again): %v", err)
	}
}

func TestMergeConflictDetected(t *testing.T) {
	dir := initTestRepo(t)
	if err := BranchCreate(dir, "feature-conflict", "main"); err != nil {
		t.Fatal(err)
	}

	wtDir := filepath.Join(t.TempDir(), "wt")
	if err := WorktreeAdd(dir, wtDir, "feature-conflict"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wtDir, "initial.txt"), []byte("feature change"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Commit(wtDir, "feature edits initial.txt"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("main change"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Commit(dir, "main edits initial.txt"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	err := Merge(dir, "feature-conflict", StrategyMerge)
	if err == nil {
		t.Fatalf("expected merge conflict")
	}
	var conflictErr *MergeConflictError
	if !asMergeConflict(err, &conflictErr) {
		t.Fatalf("expected *MergeConflictError, got %v (%T)", err, err)
	}
	if len(conflictErr.Files) != 1 || conflictErr.Files[0] != "initial.txt" {
		t.Fatalf("expected conflict in initial.txt, got %v", conflictErr.Files)
	}
}

func asMergeConflict(err error, target **MergeConflictError) bool {
	if ce, ok := err.(*MergeConflictError); ok {
		*target = ce
		return true
	}
	return false
}
