// Package worktree implements the Worktree Manager (§4.3, C3): creation,
// three-way consistency validation, and removal of the isolated git
// worktrees each run owns exclusively.
package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adwrun/adw/internal/portalloc"
	"github.com/adwrun/adw/internal/vcsshim"
)

// ErrWorktreeCreateFailed covers disk-full, branch-exists, and similar
// creation failures (§4.3, §7). State is NOT updated when this occurs.
var ErrWorktreeCreateFailed = errors.New("worktree: create failed")

// ErrWorktreeMissing is returned by Validate when the directory or VCS
// metadata disagree with the recorded state (§3.1 invariant, §7).
var ErrWorktreeMissing = errors.New("worktree: missing or inconsistent")

// Manager creates worktrees under a root directory and validates them
// against a backing git repository.
type Manager struct {
	RepoDir  string // the primary repository worktrees branch off of
	TreesDir string // <trees> root of §6.1
}

// New returns a Manager rooted at treesDir, branching off repoDir.
func New(repoDir, treesDir string) *Manager {
	return &Manager{RepoDir: repoDir, TreesDir: treesDir}
}

func (m *Manager) pathFor(runID string) string {
	return filepath.Join(m.TreesDir, runID)
}

// Create creates <trees>/<run_id>/ on a new branch cut from the primary
// repo's current HEAD, and writes the .ports.env file (§4.3, §6.1). It
// does not look up or check out the repo's default branch first.
func (m *Manager) Create(runID, branchName string, ports portalloc.Pair) (string, error) {
	path := m.pathFor(runID)
	if err := vcsshim.BranchCreate(m.RepoDir, branchName, "HEAD"); err != nil {
		return "", fmt.Errorf("%w: create branch: %v", ErrWorktreeCreateFailed, err)
	}
	if err := vcsshim.WorktreeAdd(m.RepoDir, path, branchName); err != nil {
		return "", fmt.Errorf("%w: add worktree: %v", ErrWorktreeCreateFailed, err)
	}
	if err := writePortsEnv(path, ports); err != nil {
		return "", fmt.Errorf("%w: write .ports.env: %v", ErrWorktreeCreateFailed, err)
	}
	return path, nil
}

func writePortsEnv(worktreeDir string, ports portalloc.Pair) error {
	content := fmt.Sprintf(
		"WS_PORT=%d\nFE_PORT=%d\nBACKEND_URL=http://localhost:%d\n",
		ports.WS, ports.FE, ports.WS,
	)
	return os.WriteFile(filepath.Join(worktreeDir, ".ports.env"), []byte(content), 0o644)
}

// Validate performs the three-way consistency check of §4.3/§3.1: the
// directory must exist on disk, and git's worktree metadata must agree.
func (m *Manager) Validate(runID, recordedPath string) error {
	if recordedPath == "" {
		return fmt.Errorf("%w: no worktree recorded for run %s", ErrWorktreeMissing, runID)
	}
	info, err := os.Stat(recordedPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: directory %s does not exist", ErrWorktreeMissing, recordedPath)
	}
	known, err := vcsshim.WorktreeList(m.RepoDir)
	if err != nil {
		return fmt.Errorf("%w: list worktrees: %v", ErrWorktreeMissing, err)
	}
	for _, p := range known {
		if samePath(p, recordedPath) {
			return nil
		}
	}
	return fmt.Errorf("%w: git does not know about worktree %s", ErrWorktreeMissing, recordedPath)
}

func samePath(a, b string) bool {
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ra == rb
}

// Remove force-removes the git worktree and best-effort deletes the
// directory tree. Idempotent: "already gone" is not an error (§4.3).
func (m *Manager) Remove(runID, worktreePath string) error {
	if worktreePath == "" {
		worktreePath = m.pathFor(runID)
	}
	if err := vcsshim.WorktreeRemove(m.RepoDir, worktreePath); err != nil {
		return fmt.Errorf("worktree: git worktree remove: %w", err)
	}
	// Best-effort: the directory may already be gone after `git worktree
	// remove`; RemoveAll on a missing path is a no-op.
	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("worktree: rm -rf %s: %w", worktreePath, err)
	}
	return nil
}
