package agentrunner

import (
	"os/exec"
	"strings"
	"sync"
)

// AgentCliError reports a misconfigured AI CLI binary, surfaced before a
// phase ever invokes it so the failure reads clearly instead of showing
// up as a confusing downstream parse error.
type AgentCliError struct {
	Path   string
	Reason string
}

func (e *AgentCliError) Error() string {
	return "agent cli preflight failed for " + e.Path + ": " + e.Reason
}

// preflightCache avoids re-probing the same binary on every phase
// invocation within a process lifetime.
type preflightCache struct {
	mu      sync.Mutex
	checked map[string]error
}

var globalPreflight = &preflightCache{checked: make(map[string]error)}

// Preflight verifies cliPath exists and its --help output exposes the
// flags the streaming parser depends on (--output-format, stream-json,
// --verbose), grounded on the teacher's provider_cli_preflight.go
// capability-probing concept.
func Preflight(cliPath string) error {
	globalPreflight.mu.Lock()
	if err, ok := globalPreflight.checked[cliPath]; ok {
		globalPreflight.mu.Unlock()
		return err
	}
	globalPreflight.mu.Unlock()

	err := probe(cliPath)

	globalPreflight.mu.Lock()
	globalPreflight.checked[cliPath] = err
	globalPreflight.mu.Unlock()
	return err
}

func probe(cliPath string) error {
	out, err := exec.Command(cliPath, "--help").CombinedOutput()
	if err != nil {
		if isExecutableNotFound(err) {
			return &AgentCliError{Path: cliPath, Reason: "executable not found"}
		}
		// Some CLIs exit non-zero on --help; fall through to inspect output.
	}
	help := strings.ToLower(string(out))
	for _, want := range []string{"--output-format", "stream-json", "--verbose"} {
		if !strings.Contains(help, strings.ToLower(want)) {
			return &AgentCliError{Path: cliPath, Reason: "missing required capability flag: " + want}
		}
	}
	return nil
}
