package forgeshim

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/adwrun/adw/internal/statestore"
)

func fakeGh(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFetchIssueForgeMode(t *testing.T) {
	cli := fakeGh(t, `echo '{"number":7,"title":"Fix bug","body":"details","labels":[{"name":"bug"}]}'`)
	s := &Shim{CLIPath: cli, RepoDir: t.TempDir(), DataSource: statestore.DataSourceForge}

	issue, err := s.FetchIssue("7", nil)
	if err != nil {
		t.Fatalf("FetchIssue: %v", err)
	}
	if issue.Title != "Fix bug" || len(issue.Labels) != 1 || issue.Labels[0] != "bug" {
		t.Fatalf("unexpected issue: %+v", issue)
	}
}

func TestFetchIssueBoardModeSynthesizes(t *testing.T) {
	s := &Shim{DataSource: statestore.DataSourceBoard}
	payload := &statestore.IssuePayload{Board: &statestore.BoardIssue{
		Title: "Inline issue", Body: "board body", Labels: []string{"chore"},
	}}
	issue, err := s.FetchIssue("99", payload)
	if err != nil {
		t.Fatalf("FetchIssue: %v", err)
	}
	if issue.Title != "Inline issue" || issue.Body != "board body" {
		t.Fatalf("unexpected synthesized issue: %+v", issue)
	}
}

func TestFetchIssueBoardModeRequiresPayload(t *testing.T) {
	s := &Shim{DataSource: statestore.DataSourceBoard}
	if _, err := s.FetchIssue("99", nil); err == nil {
		t.Fatalf("expected error when board mode has no inline payload")
	}
}

func TestWriteOperationsAreNoOpsUnderBoardMode(t *testing.T) {
	s := &Shim{CLIPath: "this-should-never-run", DataSource: statestore.DataSourceBoard}
	if err := s.PostComment("1", "hello"); err != nil {
		t.Fatalf("PostComment should no-op under board mode: %v", err)
	}
	if _, err := s.PRCreate("branch", "title", "body"); err != nil {
		t.Fatalf("PRCreate should no-op under board mode: %v", err)
	}
	if err := s.PRApprove(1); err != nil {
		t.Fatalf("PRApprove should no-op under board mode: %v", err)
	}
	if err := s.PRMerge(1); err != nil {
		t.Fatalf("PRMerge should no-op under board mode: %v", err)
	}
}

func TestPRFindForBranchNoneFoundIsError(t *testing.T) {
	cli := fakeGh(t, `echo '[]'`)
	s := &Shim{CLIPath: cli, RepoDir: t.TempDir(), DataSource: statestore.DataSourceForge}
	_, err := s.PRFindForBranch("feature-x")
	if err == nil {
		t.Fatalf("expected error when no PR is found for branch")
	}
	if !errors.Is(err, ErrPRNotFound) {
		t.Fatalf("expected ErrPRNotFound, got %v", err)
	}
}

func TestPRFindForBranchCLIFailureIsNotErrPRNotFound(t *testing.T) {
	cli := fakeGh(t, `echo "auth error" >&2; exit 1`)
	s := &Shim{CLIPath: cli, RepoDir: t.TempDir(), DataSource: statestore.DataSourceForge}
	_, err := s.PRFindForBranch("feature-x")
	if err == nil {
		t.Fatalf("expected error when the forge CLI fails")
	}
	if errors.Is(err, ErrPRNotFound) {
		t.Fatalf("a CLI failure must not be reported as ErrPRNotFound, got %v", err)
	}
}

func TestPRFindForBranchFound(t *testing.T) {
	cli := fakeGh(t, `echo '[{"number":42,"url":"https://example.com/pr/42","state":"OPEN"}]'`)
	s := &Shim{CLIPath: cli, RepoDir: t.TempDir(), DataSource: statestore.DataSourceForge}
	pr, err := s.PRFindForBranch("feature-x")
	if err != nil {
		t.Fatalf("PRFindForBranch: %v", err)
	}
	if pr.Number != 42 {
		t.Fatalf("PR number = %d, want 42", pr.Number)
	}
}
