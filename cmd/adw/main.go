// Command adw is the Agentic Development Workflow orchestrator's CLI
// surface (§4.11, C12). It dispatches pipeline and phase names the same
// way the teacher's cmd/kilroy dispatches "attractor <subcommand>": a
// hand-rolled os.Args switch, no CLI framework.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/adwrun/adw/internal/agentrunner"
	"github.com/adwrun/adw/internal/config"
	"github.com/adwrun/adw/internal/hub"
	"github.com/adwrun/adw/internal/ids"
	"github.com/adwrun/adw/internal/logstream"
	"github.com/adwrun/adw/internal/phase"
	"github.com/adwrun/adw/internal/pipeline"
	"github.com/adwrun/adw/internal/portalloc"
	"github.com/adwrun/adw/internal/runstatus"
	"github.com/adwrun/adw/internal/statestore"
	"github.com/adwrun/adw/internal/uploader"
	"github.com/adwrun/adw/internal/worktree"
)

const (
	exitOK             = 0
	exitPhaseFailure   = 1
	exitUsageError     = 2
	exitValidationFail = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsageError)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "patch":
		cmdPatch(os.Args[2:])
	default:
		if _, ok := pipeline.Registry[os.Args[1]]; ok {
			cmdRunPipeline(os.Args[1], os.Args[2:])
			return
		}
		usage()
		os.Exit(exitUsageError)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  adw <pipeline-name> <issue-number> [run_id] [flags]")
	fmt.Fprintln(os.Stderr, "      pipelines: plan, build, test, review, document, ship,")
	fmt.Fprintln(os.Stderr, "                 plan_build, plan_build_test, plan_build_test_review, sdlc, sdlc_zte")
	fmt.Fprintln(os.Stderr, "  adw patch <run_id> <instruction> [flags]")
	fmt.Fprintln(os.Stderr, "  adw status <run_id>")
	fmt.Fprintln(os.Stderr, "  adw serve [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  flags: --skip-e2e --skip-resolution --model-set base|heavy --board-title <title> --board-body <body>")
}

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// buildEngine is the composition root (§9 "dependency-injected component
// handles, no singletons"): every component is constructed once here and
// threaded through explicitly, never reached via a package-level global.
func buildEngine() (*phase.Engine, config.Env, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, env, err
	}

	store, err := statestore.New(env.StatestoreDir)
	if err != nil {
		return nil, env, err
	}
	wt := worktree.New(".", env.TreesDir)
	ports := portalloc.New()
	runner := agentrunner.New()
	logs := logstream.New(logstream.DefaultCapacity)
	up := uploader.New(env.StatestoreDir+"/.objects", "http://localhost:"+fmt.Sprint(env.HubPort)+"/objects")

	h := hub.New(nil)
	store.OnSnapshot(func(st statestore.RunState, changed []string) {
		h.Broadcast("state_change", st.RunID, map[string]any{"run_id": st.RunID, "changed_fields": changed, "state": st})
	})

	e := phase.NewEngine(store, wt, ports, runner, h, logs, up, ".")
	e.AgentCLIPath = env.AgentCLIPath
	if env.ForgeToken != "" {
		e.ForgeCLIPath = "gh"
	}
	return e, env, nil
}

func cmdRunPipeline(name string, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(exitUsageError)
	}
	issueNumber := args[0]
	flagArgs := args[1:]
	var runID string
	if len(flagArgs) > 0 && len(flagArgs[0]) > 0 && flagArgs[0][0] != '-' {
		runID = flagArgs[0]
		flagArgs = flagArgs[1:]
	}

	a := phase.Args{RunID: runID, IssueNumber: issueNumber, ModelSet: statestore.ModelSetBase, DataSource: statestore.DataSourceForge}
	if err := parseCommonFlags(&a, flagArgs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}

	e, _, err := buildEngine()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	results, err := pipeline.Run(ctx, e, name, a)
	for _, r := range results {
		if r.Success {
			fmt.Printf("%s: %s completed\n", r.RunID, r.Phase)
		} else {
			fmt.Fprintf(os.Stderr, "%s: %s failed: %s\n", r.RunID, r.Phase, r.FailureReason)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}
	os.Exit(exitCodeForResults(results))
}

// exitCodeForResults maps a pipeline's results to the §4.11 exit code: the
// first unsuccessful result's kind decides between a validation failure
// (3, e.g. ship's completeness check) and an ordinary phase failure (1).
func exitCodeForResults(results []phase.Result) int {
	for _, r := range results {
		if !r.Success {
			if r.FailureKind == phase.FailureKindValidation {
				return exitValidationFail
			}
			return exitPhaseFailure
		}
	}
	return exitOK
}

func cmdPatch(args []string) {
	if len(args) < 2 {
		usage()
		os.Exit(exitUsageError)
	}
	runID := args[0]
	instruction := args[1]
	a := phase.Args{RunID: runID, Instruction: instruction, ModelSet: statestore.ModelSetBase, DataSource: statestore.DataSourceForge}
	if err := parseCommonFlags(&a, args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}

	e, _, err := buildEngine()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}
	ctx, cleanup := signalCancelContext()
	defer cleanup()

	res, err := e.Patch(ctx, a, instruction)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if !res.Success {
		fmt.Fprintf(os.Stderr, "%s: patch failed: %s\n", res.RunID, res.FailureReason)
		os.Exit(exitPhaseFailure)
	}
	fmt.Printf("%s: patch completed\n", res.RunID)
	os.Exit(exitOK)
}

func parseCommonFlags(a *phase.Args, args []string) error {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--skip-e2e":
			a.SkipE2E = true
		case "--skip-resolution":
			a.SkipResolution = true
		case "--model-set":
			i++
			if i >= len(args) {
				return fmt.Errorf("--model-set requires a value")
			}
			switch args[i] {
			case "base":
				a.ModelSet = statestore.ModelSetBase
			case "heavy":
				a.ModelSet = statestore.ModelSetHeavy
			default:
				return fmt.Errorf("--model-set must be base or heavy, got %q", args[i])
			}
		case "--board-title":
			i++
			if i >= len(args) {
				return fmt.Errorf("--board-title requires a value")
			}
			a.DataSource = statestore.DataSourceBoard
			if a.BoardIssue == nil {
				a.BoardIssue = &statestore.BoardIssue{}
			}
			a.BoardIssue.Title = args[i]
		case "--board-body":
			i++
			if i >= len(args) {
				return fmt.Errorf("--board-body requires a value")
			}
			a.DataSource = statestore.DataSourceBoard
			if a.BoardIssue == nil {
				a.BoardIssue = &statestore.BoardIssue{}
			}
			a.BoardIssue.Body = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	return nil
}

func cmdStatus(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(exitUsageError)
	}
	runID := args[0]

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}
	store, err := statestore.New(env.StatestoreDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}
	logs := logstream.New(logstream.DefaultCapacity)

	snap, err := runstatus.Reconstruct(store, logs, runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitValidationFail)
	}
	fmt.Printf("run_id=%s state=%s phase=%s pid=%d pid_alive=%t\n",
		snap.RunID, snap.State, snap.Phase, snap.PID, snap.PIDAlive)
	if snap.LastMessage != "" {
		fmt.Printf("last: %s\n", snap.LastMessage)
	}
	os.Exit(exitOK)
}

func cmdServe(args []string) {
	addr := "127.0.0.1:8080"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(exitUsageError)
			}
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(exitUsageError)
		}
	}

	e, _, err := buildEngine()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}

	h := e.Hub
	h.Trigger = func(req hub.TriggerWorkflowData) (string, error) {
		if _, ok := pipeline.Registry[req.WorkflowType]; !ok {
			return "", fmt.Errorf("adw: unknown pipeline %q", req.WorkflowType)
		}
		a := phase.Args{
			RunID: req.RunID, IssueNumber: req.IssueNumber, Instruction: req.TriggerReason,
			ModelSet:   statestore.ModelSet(req.ModelSet),
			DataSource: statestore.DataSourceForge,
		}
		if a.RunID == "" {
			id, err := ids.NewRunID()
			if err != nil {
				return "", err
			}
			a.RunID = id
		}
		go func() {
			if _, err := pipeline.Run(context.Background(), e, req.WorkflowType, a); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}()
		return a.RunID, nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/healthz", h.ServeHealthz)

	fmt.Printf("adw hub listening on %s\n", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsageError)
	}
}
