// Package vcsshim is the thin adapter over the local VCS tool described in
// §4.4 (C4): branch create/checkout, commit, push, merge with conflict
// detection, worktree add/remove. It is invoked as subprocesses of the
// `git` binary, adapted and extended from the teacher's gitutil package
// (branch/commit/worktree primitives) with the merge-strategy and
// conflict-detection surface the spec additionally requires.
package vcsshim

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CommandError wraps a failed git invocation with its captured output,
// following the teacher's gitutil.CommandError shape.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// MergeStrategy selects how Merge integrates a branch.
type MergeStrategy string

const (
	StrategySquash MergeStrategy = "squash"
	StrategyMerge  MergeStrategy = "merge"
	StrategyRebase MergeStrategy = "rebase"
)

// MergeConflictError reports the files in conflict after a failed merge
// (§4.4, §7 MergeConflict).
type MergeConflictError struct {
	Files []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict in %d file(s): %s", len(e.Files), strings.Join(e.Files, ", "))
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable git's background auto-maintenance so frequent phase commits
	// stay deterministic and don't spawn long-running helper processes.
	base := []string{"-C", dir, "-c", "maintenance.auto=0", "-c", "gc.auto=0"}
	cmd := exec.Command("git", append(base, args...)...)
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

// IsRepo reports whether dir is inside a git working tree.
func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HeadSHA returns the current HEAD commit SHA in dir.
func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsClean reports whether dir's working tree has no pending changes.
func IsClean(dir string) (bool, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// BranchCreate creates (or resets) branch at baseRef inside dir.
func BranchCreate(dir, branch, baseRef string) error {
	_, _, err := runGit(dir, "branch", "--force", branch, baseRef)
	return err
}

// Checkout switches dir's worktree to branch.
func Checkout(dir, branch string) error {
	_, _, err := runGit(dir, "switch", branch)
	return err
}

func ensureIdentity(dir string) {
	name, _, _ := runGit(dir, "config", "--get", "user.name")
	email, _, _ := runGit(dir, "config", "--get", "user.email")
	if strings.TrimSpace(name) == "" {
		_, _, _ = runGit(dir, "config", "user.name", "adw-bot")
	}
	if strings.TrimSpace(email) == "" {
		_, _, _ = runGit(dir, "config", "user.email", "adw-bot@local")
	}
}

// Commit stages every change in dir and commits with message, returning
// the resulting commit SHA (§4.4 commit).
func Commit(dir, message string) (string, error) {
	if _, _, err := runGit(dir, "add", "-A"); err != nil {
		return "", err
	}
	stdout, stderr, err := runGit(dir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(stdout+stderr, "nothing to commit") {
			return HeadSHA(dir)
		}
		if strings.Contains(stderr, "Author identity unknown") ||
			strings.Contains(stderr, "Please tell me who you are") {
			ensureIdentity(dir)
			if _, _, err2 := runGit(dir, "commit", "-m", message); err2 != nil {
				return "", err2
			}
			return HeadSHA(dir)
		}
		return "", err
	}
	return HeadSHA(dir)
}

// CommitExcluding stages every change in dir except paths matching any of
// excludeGlobs (doublestar patterns, e.g. "**/node_modules/**") and
// commits with message, returning the resulting commit SHA. This is the
// checkpoint-commit hygiene the Phase Engine applies so build artifacts
// never land in a phase-tagged commit, grounded on the teacher's
// ArtifactPolicyCheckpoint.ExcludeGlobs concept (artifact_policy.go).
func CommitExcluding(dir, message string, excludeGlobs []string) (string, error) {
	if len(excludeGlobs) == 0 {
		return Commit(dir, message)
	}

	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	var toAdd []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		path := porcelainPath(line[3:])
		if excludedByGlobs(path, excludeGlobs) {
			continue
		}
		toAdd = append(toAdd, path)
	}
	if len(toAdd) == 0 {
		return HeadSHA(dir)
	}
	args := append([]string{"add", "--"}, toAdd...)
	if _, _, err := runGit(dir, args...); err != nil {
		return "", err
	}

	stdout, stderr, err := runGit(dir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(stdout+stderr, "nothing to commit") {
			return HeadSHA(dir)
		}
		if strings.Contains(stderr, "Author identity unknown") ||
			strings.Contains(stderr, "Please tell me who you are") {
			ensureIdentity(dir)
			if _, _, err2 := runGit(dir, "commit", "-m", message); err2 != nil {
				return "", err2
			}
			return HeadSHA(dir)
		}
		return "", err
	}
	return HeadSHA(dir)
}

// porcelainPath extracts the working-tree path from a `git status
// --porcelain` entry's path field (everything after the 2-character XY
// status and the following space). Renamed/copied entries report
// "old -> new"; only the new path is what a glob match or `git add`
// needs. Quoted paths (git quotes anything containing a space, tab, or
// non-ASCII byte) are unquoted so the glob sees the raw path.
func porcelainPath(field string) string {
	field = strings.TrimSpace(field)
	if idx := strings.Index(field, " -> "); idx != -1 {
		field = field[idx+len(" -> "):]
	}
	if len(field) >= 2 && field[0] == '"' && field[len(field)-1] == '"' {
		if unquoted, err := strconv.Unquote(field); err == nil {
			field = unquoted
		}
	}
	return field
}

func excludedByGlobs(path string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

// Push pushes branch to remote from dir. Push is best-effort per §4.4 —
// callers decide whether a push failure is fatal to the phase.
func Push(dir, remote, branch string) error {
	_, _, err := runGit(dir, "push", remote, branch)
	return err
}

// Merge integrates branch into the currently checked-out branch in dir
// using strategy, surfacing a *MergeConflictError when git reports
// conflicted paths.
func Merge(dir, branch string, strategy MergeStrategy) error {
	var args []string
	switch strategy {
	case StrategySquash:
		args = []string{"merge", "--squash", branch}
	case StrategyRebase:
		args = []string{"rebase", branch}
	default:
		args = []string{"merge", "--no-ff", branch}
	}

	_, _, err := runGit(dir, args...)
	if err == nil {
		if strategy == StrategySquash {
			// --squash stages changes but does not commit; the caller
			// commits explicitly via Commit() so the message is phase-tagged.
			return nil
		}
		return nil
	}

	files, ferr := conflictedFiles(dir)
	if ferr == nil && len(files) > 0 {
		if strategy == StrategyRebase {
			_, _, _ = runGit(dir, "rebase", "--abort")
		} else {
			_, _, _ = runGit(dir, "merge", "--abort")
		}
		return &MergeConflictError{Files: files}
	}
	return err
}

func conflictedFiles(dir string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if f := strings.TrimSpace(line); f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// WorktreeAdd creates a new worktree at worktreeDir pointed at branch.
func WorktreeAdd(repoDir, worktreeDir, branch string) error {
	_, _, err := runGit(repoDir, "worktree", "add", worktreeDir, branch)
	return err
}

// WorktreeRemove force-removes a worktree. Idempotent: "already gone"
// errors are swallowed per §4.3 removal semantics.
func WorktreeRemove(repoDir, worktreeDir string) error {
	_, stderr, err := runGit(repoDir, "worktree", "remove", "--force", worktreeDir)
	if err != nil && (strings.Contains(stderr, "is not a working tree") ||
		strings.Contains(stderr, "No such file or directory")) {
		return nil
	}
	return err
}

// WorktreeList returns the absolute paths git currently tracks as
// worktrees of repoDir, for the Worktree Manager's three-way consistency
// check (§4.3 validate).
func WorktreeList(repoDir string) ([]string, error) {
	out, _, err := runGit(repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimSpace(strings.TrimPrefix(line, "worktree ")))
		}
	}
	return paths, nil
}

// DiffNameOnly returns file paths changed between baseRef and HEAD in dir.
func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if f := strings.TrimSpace(line); f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}
