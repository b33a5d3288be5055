package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/adwrun/adw/internal/agentrunner"
	"github.com/adwrun/adw/internal/logstream"
	"github.com/adwrun/adw/internal/phase"
	"github.com/adwrun/adw/internal/portalloc"
	"github.com/adwrun/adw/internal/statestore"
	"github.com/adwrun/adw/internal/uploader"
	"github.com/adwrun/adw/internal/worktree"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func fakeClaude(t *testing.T, result string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	script := "#!/bin/sh\n" +
		`if [ "$1" = "--help" ]; then echo "--output-format stream-json --verbose"; exit 0; fi` + "\n" +
		`echo '{"type":"result","result":"` + result + `","total_cost_usd":0.01}'` + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestEngine(t *testing.T, repoDir, claudePath string) *phase.Engine {
	t.Helper()
	store, err := statestore.New(filepath.Join(t.TempDir(), "statestore"))
	if err != nil {
		t.Fatalf("statestore.New: %v", err)
	}
	wt := worktree.New(repoDir, filepath.Join(t.TempDir(), "trees"))
	up := uploader.New(filepath.Join(t.TempDir(), "objects"), "http://localhost:9000/objects")

	e := phase.NewEngine(store, wt, portalloc.New(), agentrunner.New(), nil, logstream.New(logstream.DefaultCapacity), up, repoDir)
	e.AgentCLIPath = claudePath
	return e
}

func TestRunPlanBuildRunsBothStepsOnSuccess(t *testing.T) {
	repoDir := initRepo(t)
	e := newTestEngine(t, repoDir, fakeClaude(t, "feature"))

	results, err := Run(context.Background(), e, "plan_build", phase.Args{
		IssueNumber: "7",
		ModelSet:    statestore.ModelSetBase,
		DataSource:  statestore.DataSourceBoard,
		BoardIssue:  &statestore.BoardIssue{Title: "add widget", Body: "please"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 phase results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("expected every step to succeed, got %+v", r)
		}
	}
	if results[0].RunID != results[1].RunID {
		t.Fatalf("expected the run id minted by plan to be threaded into build")
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	repoDir := initRepo(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-claude-error")
	script := "#!/bin/sh\n" +
		`if [ "$1" = "--help" ]; then echo "--output-format stream-json --verbose"; exit 0; fi` + "\n" +
		`echo '{"type":"result","is_error":true,"result":"boom"}'` + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, repoDir, path)

	results, _ := Run(context.Background(), e, "plan_build_test", phase.Args{
		IssueNumber: "9",
		ModelSet:    statestore.ModelSetBase,
		DataSource:  statestore.DataSourceBoard,
		BoardIssue:  &statestore.BoardIssue{Title: "x", Body: "y"},
	})
	if len(results) != 1 {
		t.Fatalf("expected the pipeline to stop after the failing plan step, got %d results", len(results))
	}
	if results[0].Success {
		t.Fatalf("expected plan to fail")
	}
}

func TestRunUnknownPipelineErrors(t *testing.T) {
	repoDir := initRepo(t)
	e := newTestEngine(t, repoDir, fakeClaude(t, "ok"))
	if _, err := Run(context.Background(), e, "does-not-exist", phase.Args{}); err == nil {
		t.Fatalf("expected error for unknown pipeline name")
	}
}
