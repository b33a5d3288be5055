// Package forgeshim is the thin adapter over the hosted code-forge's CLI
// described in §4.4 (C5): fetch/comment/PR operations invoked as
// subprocesses, following the same CommandError-capturing idiom as
// internal/vcsshim. When a run's DataSource is "board", write operations
// become no-ops and read operations are synthesized from the state's
// inline IssuePayload instead of shelling out.
package forgeshim

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/adwrun/adw/internal/statestore"
)

// ErrPRNotFound is returned by PRFindForBranch when the branch has no
// open pull request — distinct from a CLI/network failure, so callers
// can tell "nothing to merge yet" apart from "couldn't find out".
var ErrPRNotFound = errors.New("forgeshim: no open pull request found for branch")

// CommandError wraps a failed forge-CLI invocation, mirroring
// vcsshim.CommandError.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("gh %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Issue is the forge issue shape returned by FetchIssue, whether sourced
// from the real forge CLI or synthesized from a board payload.
type Issue struct {
	Number string   `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// PullRequest is the subset of `gh pr` fields this module consumes.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"`
}

// Shim wraps the forge CLI binary (default "gh") for one repository.
type Shim struct {
	CLIPath    string
	RepoDir    string
	DataSource statestore.DataSource
}

// New returns a Shim rooted at repoDir, gated by dataSource per §4.4's
// board-mode no-op rule.
func New(repoDir string, dataSource statestore.DataSource) *Shim {
	return &Shim{CLIPath: "gh", RepoDir: repoDir, DataSource: dataSource}
}

func (s *Shim) cliPath() string {
	if s.CLIPath == "" {
		return "gh"
	}
	return s.CLIPath
}

func (s *Shim) run(args ...string) (string, string, error) {
	cmd := exec.Command(s.cliPath(), args...)
	cmd.Dir = s.RepoDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr, errStr := stdout.String(), stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// FetchIssue returns issue number n. Under DataSource=board it is
// synthesized from payload (which must carry a Board value) instead of
// invoking the forge CLI (§4.4).
func (s *Shim) FetchIssue(number string, payload *statestore.IssuePayload) (Issue, error) {
	if s.DataSource == statestore.DataSourceBoard {
		if payload == nil || payload.Board == nil {
			return Issue{}, fmt.Errorf("forgeshim: board data source requires an inline board issue payload")
		}
		return Issue{
			Number: number,
			Title:  payload.Board.Title,
			Body:   payload.Board.Body,
			Labels: payload.Board.Labels,
		}, nil
	}

	out, _, err := s.run("issue", "view", number, "--json", "number,title,body,labels")
	if err != nil {
		return Issue{}, err
	}
	var raw struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return Issue{}, fmt.Errorf("forgeshim: parse issue view output: %w", err)
	}
	labels := make([]string, 0, len(raw.Labels))
	for _, l := range raw.Labels {
		labels = append(labels, l.Name)
	}
	return Issue{Number: number, Title: raw.Title, Body: raw.Body, Labels: labels}, nil
}

// PostComment posts text on issue/PR number. A no-op under board mode.
func (s *Shim) PostComment(number, text string) error {
	if s.DataSource == statestore.DataSourceBoard {
		return nil
	}
	_, _, err := s.run("issue", "comment", number, "--body", text)
	return err
}

// PRCreate opens a pull request from branch. A no-op under board mode.
func (s *Shim) PRCreate(branch, title, body string) (PullRequest, error) {
	if s.DataSource == statestore.DataSourceBoard {
		return PullRequest{}, nil
	}
	out, _, err := s.run("pr", "create", "--head", branch, "--title", title, "--body", body, "--json", "number,url,state")
	if err != nil {
		return PullRequest{}, err
	}
	return parsePR(out)
}

// PRFindForBranch looks up the open PR associated with branch.
func (s *Shim) PRFindForBranch(branch string) (PullRequest, error) {
	if s.DataSource == statestore.DataSourceBoard {
		return PullRequest{}, nil
	}
	out, _, err := s.run("pr", "list", "--head", branch, "--json", "number,url,state", "--limit", "1")
	if err != nil {
		return PullRequest{}, err
	}
	var prs []PullRequest
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return PullRequest{}, fmt.Errorf("forgeshim: parse pr list output: %w", err)
	}
	if len(prs) == 0 {
		return PullRequest{}, fmt.Errorf("%w: %s", ErrPRNotFound, branch)
	}
	return prs[0], nil
}

// PRApprove approves the given pull request number. A no-op under board mode.
func (s *Shim) PRApprove(number int) error {
	if s.DataSource == statestore.DataSourceBoard {
		return nil
	}
	_, _, err := s.run("pr", "review", fmt.Sprint(number), "--approve")
	return err
}

// PRMerge squash-merges the given pull request number. A no-op under
// board mode.
func (s *Shim) PRMerge(number int) error {
	if s.DataSource == statestore.DataSourceBoard {
		return nil
	}
	_, _, err := s.run("pr", "merge", fmt.Sprint(number), "--squash", "--delete-branch")
	return err
}

func parsePR(out string) (PullRequest, error) {
	var pr PullRequest
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return PullRequest{}, fmt.Errorf("forgeshim: parse pr create output: %w", err)
	}
	return pr, nil
}
