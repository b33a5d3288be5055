package phase

import (
	"context"
	"fmt"
	"time"

	"github.com/adwrun/adw/internal/ids"
	"github.com/adwrun/adw/internal/statestore"
)

const defaultAgentTimeout = 20 * time.Minute

// Plan is an entry phase (§4.6): it allocates a run, classifies the
// issue, generates a branch name and plan file via the AI agent, and
// creates the run's worktree. Plan and Patch, the two entry phases, are
// the only phases permitted to call Worktrees.Create / Ports.Allocate
// (§9 "entry phases own provisioning").
func (e *Engine) Plan(ctx context.Context, a Args) (Result, error) {
	const phaseName = "plan"

	runID := a.RunID
	if runID == "" {
		id, err := ids.NewRunID()
		if err != nil {
			return fail(runID, phaseName, "run id generation failed"), err
		}
		runID = id
	}

	if _, err := e.Store.Create(runID, a.ModelSet, a.DataSource); err != nil {
		return fail(runID, phaseName, "state create failed"), err
	}
	e.writePID(runID)
	e.emitStatus(runID, phaseName, "started", 0)

	st, err := e.Store.Load(runID)
	if err != nil {
		return fail(runID, phaseName, "state load failed"), err
	}

	payload := &statestore.IssuePayload{}
	if a.DataSource == statestore.DataSourceBoard {
		payload.Board = a.BoardIssue
	} else {
		payload.Forge = &statestore.ForgeIssueRef{Number: a.IssueNumber}
	}
	forge := e.forgeFor(st)
	issue, err := forge.FetchIssue(a.IssueNumber, payload)
	if err != nil {
		e.emitStatus(runID, phaseName, "failed", 0)
		return fail(runID, phaseName, "fetch issue failed"), err
	}
	e.workflowLog(runID, phaseName, fmt.Sprintf("fetched issue #%s: %s", issue.Number, issue.Title))

	issuePatch := statestore.Patch{IssueNumber: &a.IssueNumber, IssuePayload: payload}
	if _, err := e.Store.Update(runID, issuePatch); err != nil {
		return fail(runID, phaseName, "state update failed"), err
	}

	classifyResp, err := e.invokeAgent(ctx, runID, phaseName, "classify-issue", "/classify-issue",
		[]string{issue.Title, issue.Body}, e.RepoDir, toModelSet(a.ModelSet), defaultAgentTimeout)
	if err != nil || !classifyResp.Success {
		e.emitStatus(runID, phaseName, "failed", 10)
		return fail(runID, phaseName, "issue classification failed"), err
	}
	class := classifyClass(classifyResp.Output)

	branchResp, err := e.invokeAgent(ctx, runID, phaseName, "branch-name", "/branch-name",
		[]string{issue.Title}, e.RepoDir, toModelSet(a.ModelSet), defaultAgentTimeout)
	if err != nil || !branchResp.Success {
		e.emitStatus(runID, phaseName, "failed", 20)
		return fail(runID, phaseName, "branch name generation failed"), err
	}
	branchName := sanitizeBranchName(branchResp.Output, runID)

	ports, err := e.Ports.Allocate(runID)
	if err != nil {
		e.emitStatus(runID, phaseName, "failed", 30)
		return fail(runID, phaseName, "port allocation failed"), err
	}

	worktreePath, err := e.Worktrees.Create(runID, branchName, ports)
	if err != nil {
		e.emitStatus(runID, phaseName, "failed", 40)
		return fail(runID, phaseName, "worktree creation failed"), err
	}

	ws, fe := ports.WS, ports.FE
	provisionPatch := statestore.Patch{
		BranchName: &branchName, IssueClass: &class,
		WorktreePath: &worktreePath, WSPort: &ws, FEPort: &fe,
	}
	if _, err := e.Store.Update(runID, provisionPatch); err != nil {
		return fail(runID, phaseName, "state update failed"), err
	}

	planResp, err := e.invokeAgent(ctx, runID, phaseName, "plan", "/plan",
		[]string{issue.Title, issue.Body}, worktreePath, toModelSet(a.ModelSet), defaultAgentTimeout)
	if err != nil || !planResp.Success {
		e.emitStatus(runID, phaseName, "failed", 60)
		return fail(runID, phaseName, "plan generation failed"), err
	}
	planFile := ".adw/plan.md"
	if _, err := e.Store.Update(runID, statestore.Patch{PlanFile: &planFile}); err != nil {
		return fail(runID, phaseName, "state update failed"), err
	}

	if err := e.commitAndPush(runID, phaseName, worktreePath, branchName, "adw: plan"); err != nil {
		e.emitStatus(runID, phaseName, "failed", 80)
		return fail(runID, phaseName, err.Error()), err
	}
	if err := forge.PostComment(a.IssueNumber, "Plan ready on branch "+branchName); err != nil {
		e.workflowLog(runID, phaseName, "post comment failed (non-fatal): "+err.Error())
	}

	e.snapshot(runID, []string{"issue_number", "branch_name", "issue_class", "worktree_path", "ws_port", "fe_port", "plan_file"})
	e.emitStatus(runID, phaseName, "completed", 100)
	return ok(runID, phaseName), nil
}

// Patch is the other entry phase (§4.6): a standalone code change not
// tied to a planned issue, e.g. a quick fix triggered from the board.
// It provisions its own worktree exactly like Plan, but skips issue
// fetch/classification and invokes the agent with a raw instruction.
func (e *Engine) Patch(ctx context.Context, a Args, instruction string) (Result, error) {
	const phaseName = "patch"

	runID := a.RunID
	if runID == "" {
		id, err := ids.NewRunID()
		if err != nil {
			return fail(runID, phaseName, "run id generation failed"), err
		}
		runID = id
	}
	if _, err := e.Store.Create(runID, a.ModelSet, a.DataSource); err != nil {
		return fail(runID, phaseName, "state create failed"), err
	}
	e.writePID(runID)
	e.emitStatus(runID, phaseName, "started", 0)

	branchResp, err := e.invokeAgent(ctx, runID, phaseName, "branch-name", "/branch-name",
		[]string{instruction}, e.RepoDir, toModelSet(a.ModelSet), defaultAgentTimeout)
	if err != nil || !branchResp.Success {
		e.emitStatus(runID, phaseName, "failed", 20)
		return fail(runID, phaseName, "branch name generation failed"), err
	}
	branchName := sanitizeBranchName(branchResp.Output, runID)

	ports, err := e.Ports.Allocate(runID)
	if err != nil {
		e.emitStatus(runID, phaseName, "failed", 30)
		return fail(runID, phaseName, "port allocation failed"), err
	}
	worktreePath, err := e.Worktrees.Create(runID, branchName, ports)
	if err != nil {
		e.emitStatus(runID, phaseName, "failed", 40)
		return fail(runID, phaseName, "worktree creation failed"), err
	}
	ws, fe := ports.WS, ports.FE
	if _, err := e.Store.Update(runID, statestore.Patch{BranchName: &branchName, WorktreePath: &worktreePath, WSPort: &ws, FEPort: &fe}); err != nil {
		return fail(runID, phaseName, "state update failed"), err
	}

	patchResp, err := e.invokeAgent(ctx, runID, phaseName, "patch", "/patch",
		[]string{instruction}, worktreePath, toModelSet(a.ModelSet), defaultAgentTimeout)
	if err != nil || !patchResp.Success {
		e.emitStatus(runID, phaseName, "failed", 70)
		return fail(runID, phaseName, "patch generation failed"), err
	}
	patchFile := ".adw/patch.diff"
	if _, err := e.Store.Update(runID, statestore.Patch{PatchFile: &patchFile, AppendPatch: []string{instruction}}); err != nil {
		return fail(runID, phaseName, "state update failed"), err
	}

	if err := e.commitAndPush(runID, phaseName, worktreePath, branchName, "adw: patch"); err != nil {
		e.emitStatus(runID, phaseName, "failed", 90)
		return fail(runID, phaseName, err.Error()), err
	}

	e.snapshot(runID, []string{"branch_name", "worktree_path", "ws_port", "fe_port", "patch_file", "patch_history"})
	e.emitStatus(runID, phaseName, "completed", 100)
	return ok(runID, phaseName), nil
}

func classifyClass(agentOutput string) statestore.IssueClass {
	switch firstWord(agentOutput) {
	case "bug":
		return statestore.IssueClassBug
	case "chore":
		return statestore.IssueClassChore
	default:
		return statestore.IssueClassFeature
	}
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			return s[:i]
		}
	}
	return s
}

func sanitizeBranchName(agentOutput, runID string) string {
	name := firstWord(agentOutput)
	if name == "" {
		return "adw/" + runID
	}
	return name
}
