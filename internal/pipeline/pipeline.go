// Package pipeline implements the Pipeline Composer (§4.7, C8): named
// sequences of phases run serially, stopping at the first failure. A
// pipeline never creates its own worktree or ports; provisioning is the
// exclusive responsibility of whichever entry phase (plan or patch)
// starts the sequence.
package pipeline

import (
	"context"
	"fmt"

	"github.com/adwrun/adw/internal/phase"
)

// Step runs one phase given the run id threaded through the pipeline.
type Step func(ctx context.Context, e *phase.Engine, a phase.Args) (phase.Result, error)

func stepPlan(ctx context.Context, e *phase.Engine, a phase.Args) (phase.Result, error) {
	return e.Plan(ctx, a)
}
func stepPatch(ctx context.Context, e *phase.Engine, a phase.Args) (phase.Result, error) {
	return e.Patch(ctx, a, a.Instruction)
}
func stepBuild(ctx context.Context, e *phase.Engine, a phase.Args) (phase.Result, error) {
	return e.Build(ctx, a)
}
func stepTest(ctx context.Context, e *phase.Engine, a phase.Args) (phase.Result, error) {
	return e.Test(ctx, a)
}
func stepReview(ctx context.Context, e *phase.Engine, a phase.Args) (phase.Result, error) {
	return e.Review(ctx, a)
}
func stepDocument(ctx context.Context, e *phase.Engine, a phase.Args) (phase.Result, error) {
	return e.Document(ctx, a)
}
func stepShip(ctx context.Context, e *phase.Engine, a phase.Args) (phase.Result, error) {
	return e.Ship(ctx, a)
}

// Pipeline is a named, ordered list of steps.
type Pipeline struct {
	Name  string
	Steps []Step
}

// Registry is the fixed table of named pipelines the CLI surface and Hub
// trigger_workflow messages dispatch by name (§4.7).
var Registry = map[string]Pipeline{
	"plan":                    {Name: "plan", Steps: []Step{stepPlan}},
	"patch":                   {Name: "patch", Steps: []Step{stepPatch}},
	"build":                   {Name: "build", Steps: []Step{stepBuild}},
	"test":                    {Name: "test", Steps: []Step{stepTest}},
	"review":                  {Name: "review", Steps: []Step{stepReview}},
	"document":                {Name: "document", Steps: []Step{stepDocument}},
	"ship":                    {Name: "ship", Steps: []Step{stepShip}},
	"plan_build":              {Name: "plan_build", Steps: []Step{stepPlan, stepBuild}},
	"plan_build_test":         {Name: "plan_build_test", Steps: []Step{stepPlan, stepBuild, stepTest}},
	"plan_build_test_review":  {Name: "plan_build_test_review", Steps: []Step{stepPlan, stepBuild, stepTest, stepReview}},
	"sdlc":                    {Name: "sdlc", Steps: []Step{stepPlan, stepBuild, stepTest, stepReview, stepDocument}},
	// sdlc_zte (zero-touch): sdlc's step list plus ship, so a successful
	// run is approved, merged, and cleaned up with no human step. It is
	// the only composite pipeline that ships.
	"sdlc_zte": {Name: "sdlc_zte", Steps: []Step{stepPlan, stepBuild, stepTest, stepReview, stepDocument, stepShip}},
}

// Run executes a named pipeline serially, stopping at the first
// unsuccessful or erroring step (§4.7). The run id minted by the entry
// step (plan/patch) is threaded into every subsequent step's Args.
func Run(ctx context.Context, e *phase.Engine, pipelineName string, a phase.Args) ([]phase.Result, error) {
	p, ok := Registry[pipelineName]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown pipeline %q", pipelineName)
	}

	var results []phase.Result
	for _, step := range p.Steps {
		res, err := step(ctx, e, a)
		results = append(results, res)
		a.RunID = res.RunID
		if err != nil || !res.Success {
			return results, err
		}
	}
	return results, nil
}
