package agentrunner

import (
	"os/exec"
	"strings"
)

// RetryCode is the §3.3 AgentResponse retry_code enum.
type RetryCode string

const (
	RetryNone               RetryCode = "none"
	RetryCLIError           RetryCode = "cli_error"
	RetryTimeout            RetryCode = "timeout"
	RetryExecutionError     RetryCode = "execution_error"
	RetryAgentReportedError RetryCode = "agent_reported_error"
)

// Retryable reports whether a caller should retry on this code (§4.5
// "Retry policy": every code but none is retryable).
func (c RetryCode) Retryable() bool {
	return c != RetryNone
}

// classifyOutcome maps a completed (or killed) invocation to the §4.5
// result-classification table, adapted from the teacher's
// classifyProviderCLIError decision tree in provider_error_classification.go.
func classifyOutcome(exitErr error, timedOut bool, tail TailResult) RetryCode {
	if timedOut {
		return RetryTimeout
	}
	if exitErr != nil {
		return RetryCLIError
	}
	if !tail.HasResult {
		return RetryExecutionError
	}
	if tail.FinalIsError {
		return RetryAgentReportedError
	}
	return RetryNone
}

func isExecutableNotFound(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*exec.Error); ok {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "executable file not found") ||
		strings.Contains(text, "no such file or directory")
}
