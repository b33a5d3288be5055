package phase

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/adwrun/adw/internal/agentrunner"
	"github.com/adwrun/adw/internal/logstream"
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

// fakeClaude writes a script answering both the agentrunner preflight
// probe and the real invocation, always succeeding with a fixed result
// string. Matches the fake-CLI contract established in
// internal/agentrunner's tests.
func fakeClaude(t *testing.T, dir, result string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-claude")
	script := "#!/bin/sh\n" +
		`if [ "$1" = "--help" ]; then echo "--output-format stream-json --verbose"; exit 0; fi` + "\n" +
		`echo '{"type":"system"}'` + "\n" +
		`echo '{"type":"result","result":"` + result + `","total_cost_usd":0.01}'` + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestEngine(t *testing.T, repoDir, claudePath string) *Engine {
	t.Helper()
	statestoreDir := filepath.Join(t.TempDir(), "statestore")
	store, err := statestore.New(statestoreDir)
	if err != nil {
		t.Fatalf("statestore.New: %v", err)
	}
	wt := worktree.New(repoDir, filepath.Join(t.TempDir(), "trees"))
	ports := portalloc.New()
	runner := agentrunner.New()
	logs := logstream.New(logstream.DefaultCapacity)
	up := uploader.New(filepath.Join(t.TempDir(), "objects"), "http://localhost:9000/objects")

	e := NewEngine(store, wt, ports, runner, nil, logs, up, repoDir)
	e.AgentCLIPath = claudePath
	return e
}

func TestPlanProvisionsWorktreeAndCommitsPlan(t *testing.T) {
	repoDir := initRepo(t)
	claude := fakeClaude(t, t.TempDir(), "feature")
	e := newTestEngine(t, repoDir, claude)

	res, err := e.Plan(context.Background(), Args{
		IssueNumber: "42",
		ModelSet:    statestore.ModelSetBase,
		DataSource:  statestore.DataSourceBoard,
		BoardIssue:  &statestore.BoardIssue{Title: "feature request", Body: "do the thing"},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.RunID == "" {
		t.Fatalf("expected a minted run id")
	}

	st, err := e.Store.Load(res.RunID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.WorktreePath == "" {
		t.Fatalf("expected worktree_path to be recorded")
	}
	if st.BranchName == "" {
		t.Fatalf("expected branch_name to be recorded")
	}
	if st.WSPort == 0 || st.FEPort == 0 {
		t.Fatalf("expected ports allocated, got %+v", st)
	}
	if _, err := os.Stat(st.WorktreePath); err != nil {
		t.Fatalf("expected worktree directory to exist: %v", err)
	}
}

func TestPlanFailsWhenAgentReportsError(t *testing.T) {
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

	res, _ := e.Plan(context.Background(), Args{
		IssueNumber: "1",
		ModelSet:    statestore.ModelSetBase,
		DataSource:  statestore.DataSourceBoard,
		BoardIssue:  &statestore.BoardIssue{Title: "x", Body: "y"},
	})
	if res.Success {
		t.Fatalf("expected failure when the classify-issue agent reports an error")
	}
	if res.FailureReason == "" {
		t.Fatalf("expected a failure reason")
	}
}

func TestShipFailsPhaseOnGenuineForgeError(t *testing.T) {
	repoDir := initRepo(t)
	claude := fakeClaude(t, t.TempDir(), "feature")
	e := newTestEngine(t, repoDir, claude)

	ghDir := t.TempDir()
	gh := filepath.Join(ghDir, "gh")
	script := "#!/bin/sh\n" +
		`case "$1 $2" in
  "issue view") echo '{"number":1,"title":"t","body":"b","labels":[]}' ;;
  "issue comment") exit 0 ;;
  "pr list") echo "rate limited" >&2; exit 1 ;;
  *) exit 0 ;;
esac
`
	if err := os.WriteFile(gh, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	e.ForgeCLIPath = gh

	planRes, err := e.Plan(context.Background(), Args{
		IssueNumber: "1",
		ModelSet:    statestore.ModelSetBase,
		DataSource:  statestore.DataSourceForge,
	})
	if err != nil || !planRes.Success {
		t.Fatalf("Plan: res=%+v err=%v", planRes, err)
	}

	res, err := e.Ship(context.Background(), Args{RunID: planRes.RunID})
	if err == nil {
		t.Fatalf("expected Ship to fail when the forge PR lookup genuinely errors")
	}
	if res.Success {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.FailureKind == FailureKindValidation {
		t.Fatalf("expected an ordinary phase failure, not a validation failure")
	}

	st, loadErr := e.Store.Load(planRes.RunID)
	if loadErr != nil {
		t.Fatalf("Load: %v", loadErr)
	}
	if st.Completed {
		t.Fatalf("run must not be marked completed when the PR lookup genuinely failed")
	}
}

func TestShipFailsValidationWithNoSideEffects(t *testing.T) {
	repoDir := initRepo(t)
	// Deliberately missing: the agent CLI path doesn't exist, so any
	// agent/forge/VCS action attempted past validation would error loudly.
	e := newTestEngine(t, repoDir, filepath.Join(t.TempDir(), "does-not-exist"))

	runID := "shiprun1"
	if _, err := e.Store.Create(runID, statestore.ModelSetBase, statestore.DataSourceBoard); err != nil {
		t.Fatalf("Store.Create: %v", err)
	}
	issueNumber, branchName, issueClass := "7", "adw/shiprun1", statestore.IssueClassFeature
	worktreeDir := t.TempDir()
	wsPort, fePort := 8500, 9200
	if _, err := e.Store.Update(runID, statestore.Patch{
		IssueNumber:  &issueNumber,
		BranchName:   &branchName,
		IssueClass:   &issueClass,
		WorktreePath: &worktreeDir,
		WSPort:       &wsPort,
		FEPort:       &fePort,
		// PlanFile deliberately left unset.
	}); err != nil {
		t.Fatalf("Store.Update: %v", err)
	}

	res, err := e.Ship(context.Background(), Args{RunID: runID})
	if err != ErrShipValidationFailed {
		t.Fatalf("expected ErrShipValidationFailed, got %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.FailureKind != FailureKindValidation {
		t.Fatalf("FailureKind = %q, want validation", res.FailureKind)
	}
	if res.FailureReason != "ShipValidationFailed: plan_file" {
		t.Fatalf("FailureReason = %q, want %q", res.FailureReason, "ShipValidationFailed: plan_file")
	}

	st, err := e.Store.Load(runID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Completed {
		t.Fatalf("expected run to remain incomplete after a failed ship validation")
	}
}

func TestBuildRejectsUnknownRun(t *testing.T) {
	repoDir := initRepo(t)
	claude := fakeClaude(t, t.TempDir(), "ok")
	e := newTestEngine(t, repoDir, claude)

	res, err := e.Build(context.Background(), Args{RunID: "missingid"})
	if err == nil {
		t.Fatalf("expected error loading a nonexistent run")
	}
	if res.Success {
		t.Fatalf("expected failure result")
	}
}
