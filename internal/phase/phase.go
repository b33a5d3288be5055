// Package phase implements the Phase Engine (§4.6, C7): each phase is a
// function (run_id, args) -> PhaseResult following the nine-step body
// skeleton (status_update started -> load state -> sub-steps -> agent
// invocation -> VCS commit/push -> forge actions -> state update ->
// snapshot -> status_update completed/failed). Entry phases (plan,
// patch) may create a run from scratch; dependent phases require an
// existing, validated worktree.
package phase

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adwrun/adw/internal/agentrunner"
	"github.com/adwrun/adw/internal/forgeshim"
	"github.com/adwrun/adw/internal/hub"
	"github.com/adwrun/adw/internal/logstream"
	"github.com/adwrun/adw/internal/portalloc"
	"github.com/adwrun/adw/internal/statestore"
	"github.com/adwrun/adw/internal/uploader"
	"github.com/adwrun/adw/internal/vcsshim"
	"github.com/adwrun/adw/internal/worktree"
)

// Engine wires every component handle a phase needs. One Engine serves
// every run; phases never hold process-wide state of their own (§9
// "dependency-injected handles, no singletons").
type Engine struct {
	Store     *statestore.Store
	Worktrees *worktree.Manager
	Ports     *portalloc.Allocator
	Runner    *agentrunner.Runner
	Hub       *hub.Hub
	Logs      *logstream.Stream
	Uploader  *uploader.Uploader

	RepoDir      string
	AgentCLIPath string
	ForgeCLIPath string
	ExcludeGlobs []string

	logger *log.Logger
}

// NewEngine returns an Engine. ForgeCLIPath defaults to "gh" if empty.
func NewEngine(store *statestore.Store, worktrees *worktree.Manager, ports *portalloc.Allocator, runner *agentrunner.Runner, h *hub.Hub, logs *logstream.Stream, up *uploader.Uploader, repoDir string) *Engine {
	return &Engine{
		Store: store, Worktrees: worktrees, Ports: ports, Runner: runner,
		Hub: h, Logs: logs, Uploader: up, RepoDir: repoDir,
		AgentCLIPath: "claude", ForgeCLIPath: "gh",
		// Same fallback list as config's run-config defaults.
		ExcludeGlobs: []string{"**/node_modules/**", "**/.cargo-target*/**", "**/.wasm-pack/**", "**/.tmpbuild/**"},
		logger:       log.New(os.Stderr, "[adw-phase] ", log.LstdFlags),
	}
}

// Args is the caller-supplied input to a phase invocation, drawn from
// the CLI surface or a Hub trigger_workflow message.
type Args struct {
	RunID          string
	IssueNumber    string
	Instruction    string // freeform instruction for the patch phase
	ModelSet       statestore.ModelSet
	DataSource     statestore.DataSource
	BoardIssue     *statestore.BoardIssue
	SkipE2E        bool
	SkipResolution bool

	// MaxResolveAttempts bounds Test's resolve-and-retry loop. Zero (or a
	// negative value) means Test's own default of 3.
	MaxResolveAttempts int
}

// FailureKind distinguishes why a phase failed, so callers (the CLI
// surface, in particular) can map it to the right exit code (§4.11).
type FailureKind string

const (
	// FailureKindPhase is an ordinary phase failure (agent, VCS, or forge
	// error) — exit code 1.
	FailureKindPhase FailureKind = "phase"
	// FailureKindValidation is a precondition the caller violated (e.g.
	// shipping a run with missing required state) — exit code 3.
	FailureKindValidation FailureKind = "validation"
)

// Result is the §4.6 PhaseResult.
type Result struct {
	RunID         string
	Phase         string
	Success       bool
	FailureReason string
	FailureKind   FailureKind
}

func fail(runID, phaseName, reason string) Result {
	return Result{RunID: runID, Phase: phaseName, Success: false, FailureReason: reason, FailureKind: FailureKindPhase}
}

func failValidation(runID, phaseName, reason string) Result {
	return Result{RunID: runID, Phase: phaseName, Success: false, FailureReason: reason, FailureKind: FailureKindValidation}
}

func ok(runID, phaseName string) Result {
	return Result{RunID: runID, Phase: phaseName, Success: true}
}

// --- shared plumbing --------------------------------------------------

func (e *Engine) emitStatus(runID, phaseName, status string, progress int) {
	entry := logstream.LogEntry{
		RunID: runID, Phase: phaseName, Level: logstream.LevelInfo,
		Message:         fmt.Sprintf("%s: %s", phaseName, status),
		ProgressPercent: progress,
		Timestamp:       time.Now(),
	}
	e.Logs.Append(runID, entry)
	e.persistLog(runID, entry)
	if e.Hub != nil {
		e.Hub.Broadcast("status_update", runID, map[string]any{
			"run_id": runID, "phase": phaseName, "status": status, "progress": progress,
		})
	}
}

func (e *Engine) workflowLog(runID, phaseName, message string) {
	entry := logstream.LogEntry{RunID: runID, Phase: phaseName, Level: logstream.LevelInfo, Message: message, Timestamp: time.Now()}
	e.Logs.Append(runID, entry)
	e.persistLog(runID, entry)
	if e.Hub != nil {
		e.Hub.Broadcast("workflow_log", runID, map[string]any{"run_id": runID, "phase": phaseName, "message": message})
	}
}

// progressLogPath is the on-disk NDJSON activity log a later, separate
// `adw status` process reads when it has no in-memory Log Stream data of
// its own (runstatus.Reconstruct's log-derived tier).
func (e *Engine) progressLogPath(runID string) string {
	return filepath.Join(e.Store.Root(), runID, "progress.ndjson")
}

// persistLog is the best-effort disk half of every log append: a write
// failure here must never fail the phase.
func (e *Engine) persistLog(runID string, entry logstream.LogEntry) {
	_ = logstream.AppendFile(e.progressLogPath(runID), entry)
}

func (e *Engine) snapshot(runID string, fields []string) {
	st, err := e.Store.SaveSnapshot(runID, fields)
	if err != nil {
		e.logger.Printf("run %s: save snapshot failed: %v", runID, err)
		return
	}
	if e.Hub != nil {
		e.Hub.Broadcast("state_change", runID, map[string]any{"run_id": runID, "changed_fields": fields, "state": st})
	}
}

// forgeFor returns a Forge Shim scoped to st's data source.
func (e *Engine) forgeFor(st statestore.RunState) *forgeshim.Shim {
	s := forgeshim.New(e.RepoDir, st.DataSource)
	s.CLIPath = e.ForgeCLIPath
	return s
}

// outputPathFor is the §6.1 per-agent NDJSON log path.
func (e *Engine) outputPathFor(runID, agentName string) string {
	return filepath.Join(e.Store.Root(), runID, agentName, "output.jsonl")
}

// pidFilePath is where writePID records this process's PID for a run, so
// a later `adw status` invocation (possibly in a different process, after
// this one has died) can tell a crashed run apart from one still in
// progress. Grounded on the teacher's run.pid convention
// (runstate/snapshot.go's applyPIDFile).
func (e *Engine) pidFilePath(runID string) string {
	return filepath.Join(e.Store.Root(), runID, "run.pid")
}

// writePID records the current process's PID against runID. Best-effort:
// a failure here degrades status reconstruction but must never fail the
// phase itself.
func (e *Engine) writePID(runID string) {
	path := e.pidFilePath(runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (e *Engine) invokeAgent(ctx context.Context, runID, phaseName, agentName, slashCommand string, args []string, workDir string, modelSet agentrunner.ModelSet, timeout time.Duration) (agentrunner.Response, error) {
	req := agentrunner.Request{
		RunID: runID, Phase: phaseName, AgentName: agentName,
		SlashCommand: slashCommand, Args: args, WorkDir: workDir,
		ModelSet: modelSet, OutputPath: e.outputPathFor(runID, agentName),
		CLIPath: e.AgentCLIPath, Timeout: timeout,
	}
	return e.Runner.Run(ctx, req, func(entry logstream.LogEntry) {
		e.Logs.Append(runID, entry)
		e.persistLog(runID, entry)
		if e.Hub != nil {
			e.Hub.Broadcast("workflow_log", runID, entry)
		}
	})
}

// commitAndPush stages/commits (applying checkpoint exclude-globs) and
// pushes, per §4.6 step 5. Push failures are logged but non-fatal; the
// spec treats push as best-effort (§4.4).
func (e *Engine) commitAndPush(runID, phaseName, worktreePath, branch, message string) error {
	if _, err := vcsshim.CommitExcluding(worktreePath, message, e.ExcludeGlobs); err != nil {
		return fmt.Errorf("phase %s: commit: %w", phaseName, err)
	}
	if err := vcsshim.Push(worktreePath, "origin", branch); err != nil {
		e.workflowLog(runID, phaseName, "push failed (non-fatal): "+err.Error())
	}
	return nil
}

func toModelSet(ms statestore.ModelSet) agentrunner.ModelSet {
	if ms == statestore.ModelSetHeavy {
		return agentrunner.ModelSetHeavy
	}
	return agentrunner.ModelSetBase
}
