package phase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adwrun/adw/internal/forgeshim"
	"github.com/adwrun/adw/internal/statestore"
)

// ErrShipValidationFailed is returned by Ship when one or more of the
// run's required state fields is still null (§4.6 ship completeness
// check, §7, §8 S3). No agent, forge, or VCS action is taken when this
// error is returned.
var ErrShipValidationFailed = errors.New("phase: ship validation failed")

// shipMissingFields returns, in the spec's listed order, the names of
// every required state field that is still null/zero.
func shipMissingFields(st statestore.RunState) []string {
	var missing []string
	if st.RunID == "" {
		missing = append(missing, "run_id")
	}
	if st.IssueNumber == "" {
		missing = append(missing, "issue_number")
	}
	if st.BranchName == "" {
		missing = append(missing, "branch_name")
	}
	if st.PlanFile == "" {
		missing = append(missing, "plan_file")
	}
	if st.IssueClass == "" {
		missing = append(missing, "issue_class")
	}
	if st.WorktreePath == "" {
		missing = append(missing, "worktree_path")
	}
	if st.WSPort == 0 {
		missing = append(missing, "ws_port")
	}
	if st.FEPort == 0 {
		missing = append(missing, "fe_port")
	}
	return missing
}

// loadAndValidate is the shared step-1/step-2 of every dependent phase
// (§4.6): load state, then confirm the recorded worktree still exists
// and matches git's own bookkeeping before doing anything destructive.
func (e *Engine) loadAndValidate(runID, phaseName string) (statestore.RunState, error) {
	st, err := e.Store.Load(runID)
	if err != nil {
		return statestore.RunState{}, fmt.Errorf("phase %s: load state: %w", phaseName, err)
	}
	if st.WorktreePath == "" {
		return statestore.RunState{}, fmt.Errorf("phase %s: run %s has no worktree", phaseName, runID)
	}
	if err := e.Worktrees.Validate(runID, st.WorktreePath); err != nil {
		return statestore.RunState{}, fmt.Errorf("phase %s: worktree invalid: %w", phaseName, err)
	}
	e.writePID(runID)
	return st, nil
}

// Build is a dependent phase: it invokes the agent to implement the
// plan already committed to the run's worktree.
func (e *Engine) Build(ctx context.Context, a Args) (Result, error) {
	const phaseName = "build"
	runID := a.RunID
	e.emitStatus(runID, phaseName, "started", 0)

	st, err := e.loadAndValidate(runID, phaseName)
	if err != nil {
		e.emitStatus(runID, phaseName, "failed", 0)
		return fail(runID, phaseName, err.Error()), err
	}

	resp, err := e.invokeAgent(ctx, runID, phaseName, "build", "/build",
		[]string{st.PlanFile}, st.WorktreePath, toModelSet(st.ModelSet), defaultAgentTimeout)
	if err != nil || !resp.Success {
		e.emitStatus(runID, phaseName, "failed", 50)
		return fail(runID, phaseName, "build failed"), err
	}

	if err := e.commitAndPush(runID, phaseName, st.WorktreePath, st.BranchName, "adw: build"); err != nil {
		e.emitStatus(runID, phaseName, "failed", 90)
		return fail(runID, phaseName, err.Error()), err
	}

	e.snapshot(runID, nil)
	e.emitStatus(runID, phaseName, "completed", 100)
	return ok(runID, phaseName), nil
}

// Test is a dependent phase: it runs the project's test suite through
// the agent and, on failure, retries resolution up to Args.MaxResolveAttempts
// unless SkipResolution is set.
func (e *Engine) Test(ctx context.Context, a Args) (Result, error) {
	const phaseName = "test"
	runID := a.RunID
	e.emitStatus(runID, phaseName, "started", 0)

	st, err := e.loadAndValidate(runID, phaseName)
	if err != nil {
		e.emitStatus(runID, phaseName, "failed", 0)
		return fail(runID, phaseName, err.Error()), err
	}

	slashCmd := "/test"
	args := []string{}
	if a.SkipE2E {
		args = append(args, "--skip-e2e")
	}

	maxResolveAttempts := a.MaxResolveAttempts
	if maxResolveAttempts <= 0 {
		maxResolveAttempts = 3
	}
	attempts := 1
	if !a.SkipResolution {
		attempts = maxResolveAttempts + 1
	}

	var resp struct {
		Success bool
		Output  string
	}
	for attempt := 0; attempt < attempts; attempt++ {
		r, err := e.invokeAgent(ctx, runID, phaseName, "test", slashCmd, args, st.WorktreePath, toModelSet(st.ModelSet), defaultAgentTimeout)
		if err != nil {
			e.emitStatus(runID, phaseName, "failed", 20+attempt*10)
			return fail(runID, phaseName, "test invocation failed"), err
		}
		resp.Success, resp.Output = r.Success, r.Output
		if resp.Success {
			break
		}
		if attempt+1 < attempts {
			e.workflowLog(runID, phaseName, fmt.Sprintf("test failed, attempting resolution (%d/%d)", attempt+1, attempts-1))
			rr, err := e.invokeAgent(ctx, runID, phaseName, "resolve-test-failures", "/resolve-test-failures",
				[]string{resp.Output}, st.WorktreePath, toModelSet(st.ModelSet), defaultAgentTimeout)
			if err != nil || !rr.Success {
				continue
			}
		}
	}
	if !resp.Success {
		e.emitStatus(runID, phaseName, "failed", 80)
		return fail(runID, phaseName, "tests did not pass after resolution attempts"), nil
	}

	if err := e.commitAndPush(runID, phaseName, st.WorktreePath, st.BranchName, "adw: test"); err != nil {
		e.emitStatus(runID, phaseName, "failed", 90)
		return fail(runID, phaseName, err.Error()), err
	}

	e.snapshot(runID, nil)
	e.emitStatus(runID, phaseName, "completed", 100)
	return ok(runID, phaseName), nil
}

// Review is a dependent phase: it invokes the agent's review pass,
// uploads any generated review artifact, and opens (or updates) the
// pull request for the run's branch.
func (e *Engine) Review(ctx context.Context, a Args) (Result, error) {
	const phaseName = "review"
	runID := a.RunID
	e.emitStatus(runID, phaseName, "started", 0)

	st, err := e.loadAndValidate(runID, phaseName)
	if err != nil {
		e.emitStatus(runID, phaseName, "failed", 0)
		return fail(runID, phaseName, err.Error()), err
	}

	resp, err := e.invokeAgent(ctx, runID, phaseName, "review", "/review", nil, st.WorktreePath, toModelSet(st.ModelSet), defaultAgentTimeout)
	if err != nil || !resp.Success {
		e.emitStatus(runID, phaseName, "failed", 40)
		return fail(runID, phaseName, "review failed"), err
	}

	artifactPath := e.outputPathFor(runID, "review")
	if url, err := e.Uploader.Upload(artifactPath); err == nil {
		e.workflowLog(runID, phaseName, "review artifact uploaded: "+url)
	} else {
		e.workflowLog(runID, phaseName, "review artifact upload skipped: "+err.Error())
	}

	forge := e.forgeFor(st)
	pr, err := forge.PRFindForBranch(st.BranchName)
	if err != nil {
		pr, err = forge.PRCreate(st.BranchName, "ADW: "+st.BranchName, resp.Output)
		if err != nil {
			e.workflowLog(runID, phaseName, "pr create failed (non-fatal): "+err.Error())
		}
	}
	if pr.Number != 0 {
		if err := forge.PostComment(strconv.Itoa(pr.Number), resp.Output); err != nil {
			e.workflowLog(runID, phaseName, "post review comment failed (non-fatal): "+err.Error())
		}
	}

	e.snapshot(runID, nil)
	e.emitStatus(runID, phaseName, "completed", 100)
	return ok(runID, phaseName), nil
}

// Document is a dependent phase: it invokes the agent to update project
// documentation to reflect the change.
func (e *Engine) Document(ctx context.Context, a Args) (Result, error) {
	const phaseName = "document"
	runID := a.RunID
	e.emitStatus(runID, phaseName, "started", 0)

	st, err := e.loadAndValidate(runID, phaseName)
	if err != nil {
		e.emitStatus(runID, phaseName, "failed", 0)
		return fail(runID, phaseName, err.Error()), err
	}

	resp, err := e.invokeAgent(ctx, runID, phaseName, "document", "/document", nil, st.WorktreePath, toModelSet(st.ModelSet), defaultAgentTimeout)
	if err != nil || !resp.Success {
		e.emitStatus(runID, phaseName, "failed", 50)
		return fail(runID, phaseName, "documentation failed"), err
	}

	if err := e.commitAndPush(runID, phaseName, st.WorktreePath, st.BranchName, "adw: document"); err != nil {
		e.emitStatus(runID, phaseName, "failed", 90)
		return fail(runID, phaseName, err.Error()), err
	}

	e.snapshot(runID, nil)
	e.emitStatus(runID, phaseName, "completed", 100)
	return ok(runID, phaseName), nil
}

// Ship is a dependent phase and the final step of the sdlc_zte pipeline: it
// approves and merges the run's pull request, marks the run completed,
// and releases the worktree.
func (e *Engine) Ship(ctx context.Context, a Args) (Result, error) {
	const phaseName = "ship"
	runID := a.RunID
	e.emitStatus(runID, phaseName, "started", 0)

	// The completeness check runs before any worktree validation, agent
	// invocation, or forge/VCS call (§4.6, §7, §8 S3): a run missing a
	// required field must fail cleanly with no side effects.
	st, err := e.Store.Load(runID)
	if err != nil {
		e.emitStatus(runID, phaseName, "failed", 0)
		return fail(runID, phaseName, fmt.Sprintf("phase %s: load state: %v", phaseName, err)), err
	}
	if missing := shipMissingFields(st); len(missing) > 0 {
		reason := fmt.Sprintf("ShipValidationFailed: %s", strings.Join(missing, ", "))
		e.emitStatus(runID, phaseName, "failed", 0)
		return failValidation(runID, phaseName, reason), ErrShipValidationFailed
	}

	if _, err := e.loadAndValidate(runID, phaseName); err != nil {
		e.emitStatus(runID, phaseName, "failed", 0)
		return fail(runID, phaseName, err.Error()), err
	}

	resp, err := e.invokeAgent(ctx, runID, phaseName, "ship", "/ship", nil, st.WorktreePath, toModelSet(st.ModelSet), defaultAgentTimeout)
	if err != nil || !resp.Success {
		e.emitStatus(runID, phaseName, "failed", 30)
		return fail(runID, phaseName, "ship preflight failed"), err
	}

	forge := e.forgeFor(st)
	pr, err := forge.PRFindForBranch(st.BranchName)
	switch {
	case err != nil && errors.Is(err, forgeshim.ErrPRNotFound):
		e.workflowLog(runID, phaseName, "no open pull request for branch, nothing to merge")
	case err != nil:
		e.emitStatus(runID, phaseName, "failed", 80)
		return fail(runID, phaseName, "pr lookup failed"), err
	default:
		if err := forge.PRApprove(pr.Number); err != nil {
			e.workflowLog(runID, phaseName, "pr approve failed (non-fatal): "+err.Error())
		}
		if err := forge.PRMerge(pr.Number); err != nil {
			e.emitStatus(runID, phaseName, "failed", 80)
			return fail(runID, phaseName, "pr merge failed"), err
		}
	}

	completed := true
	if _, err := e.Store.Update(runID, statestore.Patch{Completed: &completed}); err != nil {
		return fail(runID, phaseName, "state update failed"), err
	}
	if err := e.Worktrees.Remove(runID, st.WorktreePath); err != nil {
		e.workflowLog(runID, phaseName, "worktree removal failed (non-fatal): "+err.Error())
	}

	e.snapshot(runID, []string{"completed"})
	e.emitStatus(runID, phaseName, "completed", 100)
	return ok(runID, phaseName), nil
}
