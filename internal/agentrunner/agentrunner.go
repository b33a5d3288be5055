// Package agentrunner implements the Agent Runner (§4.5, C6): it spawns
// the headless AI CLI as a child process, tails its stream-json NDJSON
// output into the Log Stream, classifies the outcome, and retries on a
// fixed backoff schedule. Adapted from the teacher's engine package
// (cli_stream_parser.go, provider_error_classification.go, backoff.go).
package agentrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/adwrun/adw/internal/config"
	"github.com/adwrun/adw/internal/logstream"
)

// Request is the in-memory AgentRequest of §3.3.
type Request struct {
	RunID        string
	Phase        string
	AgentName    string // namespaces the output directory
	SlashCommand string
	Args         []string
	WorkDir      string
	Model        string // explicit override; empty defers to the model table
	ModelSet     ModelSet
	OutputPath   string // NDJSON log file
	Timeout      time.Duration
	CLIPath      string // defaults to "claude"
}

// Response is the in-memory AgentResponse of §3.3.
type Response struct {
	Output       string
	Success      bool
	RetryCode    RetryCode
	TotalCostUSD float64
	Attempts     int
}

// Runner executes AgentRequests by invoking the headless AI CLI with the
// fixed invocationTemplate argv shape.
type Runner struct {
	Backoff BackoffConfig
}

// New returns a Runner with the default [1s, 3s] retry schedule (3 total
// attempts).
func New() *Runner {
	return &Runner{Backoff: DefaultBackoffConfig()}
}

// Run executes req, retrying on a retryable outcome per the §4.5 backoff
// schedule. sink (optional) receives each LogEntry as it is tailed, for
// forwarding onto the Log Stream.
func (r *Runner) Run(ctx context.Context, req Request, sink func(logstream.LogEntry)) (Response, error) {
	cliPath := req.CLIPath
	if cliPath == "" {
		cliPath = "claude"
	}
	if err := Preflight(cliPath); err != nil {
		return Response{RetryCode: RetryCLIError}, err
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return Response{RetryCode: RetryCLIError}, fmt.Errorf("agentrunner: create output dir: %w", err)
	}
	if err := writePromptAudit(req); err != nil {
		return Response{RetryCode: RetryCLIError}, fmt.Errorf("agentrunner: write prompt audit: %w", err)
	}

	model := ResolveModel(req.SlashCommand, req.ModelSet, req.Model)

	var resp Response
	for attempt := 0; ; attempt++ {
		resp = r.attempt(ctx, req, cliPath, model, sink)
		resp.Attempts = attempt + 1
		if !resp.RetryCode.Retryable() {
			return resp, nil
		}
		if attempt >= len(r.Backoff.Delays) {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(r.Backoff.DelayForAttempt(attempt + 1)):
		}
	}
}

// worktreeEnv loads workDir's .ports.env (written by the Worktree
// Manager) and returns it as extra KEY=VALUE entries, so the agent
// subprocess sees WS_PORT/FE_PORT/BACKEND_URL alongside the parent
// environment (§4.5). Absent or unreadable files are silently skipped;
// a missing ports file must never fail the agent invocation.
func worktreeEnv(workDir string) []string {
	env, err := config.LoadPortsEnv(filepath.Join(workDir, ".ports.env"))
	if err != nil {
		return nil
	}
	return []string{
		fmt.Sprintf("WS_PORT=%d", env.WSPort),
		fmt.Sprintf("FE_PORT=%d", env.FEPort),
		fmt.Sprintf("BACKEND_URL=%s", env.BackendURL),
	}
}

func writePromptAudit(req Request) error {
	dir := filepath.Dir(req.OutputPath)
	name := strings.TrimSuffix(filepath.Base(req.OutputPath), filepath.Ext(req.OutputPath))
	auditPath := filepath.Join(dir, "prompts", name+".prompt.txt")
	if err := os.MkdirAll(filepath.Dir(auditPath), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "slash_command: %s\n", req.SlashCommand)
	fmt.Fprintf(&buf, "args: %s\n", strings.Join(req.Args, " "))
	fmt.Fprintf(&buf, "model_set: %s\n", req.ModelSet)
	return os.WriteFile(auditPath, buf.Bytes(), 0o644)
}

func (r *Runner) attempt(ctx context.Context, req Request, cliPath, model string, sink func(logstream.LogEntry)) Response {
	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := buildArgs(req, model)
	cmd := exec.CommandContext(runCtx, cliPath, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), worktreeEnv(req.WorkDir)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Response{RetryCode: RetryCLIError}
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	outFile, ferr := os.OpenFile(req.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if ferr != nil {
		return Response{RetryCode: RetryCLIError}
	}
	defer outFile.Close()

	if err := cmd.Start(); err != nil {
		return Response{RetryCode: RetryCLIError}
	}

	tee := &teeReader{r: stdout, w: outFile}
	tail := tailStream(req.RunID, req.Phase, tee, sink)

	waitErr := cmd.Wait()
	timedOut := runCtx.Err() == context.DeadlineExceeded

	code := classifyOutcome(waitErr, timedOut, tail)
	return Response{
		Output:       tail.FinalOutput,
		Success:      code == RetryNone,
		RetryCode:    code,
		TotalCostUSD: tail.TotalCostUSD,
	}
}

// invocationTemplate is the CLI's fixed argv shape (§4.5, §6.4): the
// headless agent CLI always speaks stream-json over stdout regardless of
// which slash command or model is invoked.
var invocationTemplate = []string{"-p", "--output-format", "stream-json", "--verbose", "--model", "{{model}}", "{{prompt}}"}

// buildArgs renders invocationTemplate with the request's model, working
// directory, and slash-command prompt.
func buildArgs(req Request, model string) []string {
	template := invocationTemplate

	prompt := req.SlashCommand
	if len(req.Args) > 0 {
		prompt += " " + strings.Join(req.Args, " ")
	}

	args := make([]string, 0, len(template))
	for _, tok := range template {
		switch tok {
		case "{{model}}":
			args = append(args, model)
		case "{{prompt}}":
			args = append(args, prompt)
		case "{{worktree}}":
			args = append(args, req.WorkDir)
		default:
			args = append(args, tok)
		}
	}
	return args
}

// teeReader copies every byte read from r into w as it is read, so the
// CLI's NDJSON stdout lands in the append-only output file (§4.5) while
// simultaneously being tailed in-process.
type teeReader struct {
	r io.Reader
	w *os.File
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		_, _ = t.w.Write(p[:n])
	}
	return n, err
}
