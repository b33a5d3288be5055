package agentrunner

import (
	"errors"
	"testing"
)

func TestClassifyOutcomeTable(t *testing.T) {
	cases := []struct {
		name     string
		exitErr  error
		timedOut bool
		tail     TailResult
		want     RetryCode
	}{
		{"clean success", nil, false, TailResult{HasResult: true}, RetryNone},
		{"exit zero missing result", nil, false, TailResult{HasResult: false}, RetryExecutionError},
		{"non-zero exit", errors.New("exit status 1"), false, TailResult{HasResult: true}, RetryCLIError},
		{"timeout", nil, true, TailResult{}, RetryTimeout},
		{"agent reported error", nil, false, TailResult{HasResult: true, FinalIsError: true}, RetryAgentReportedError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyOutcome(tc.exitErr, tc.timedOut, tc.tail)
			if got != tc.want {
				t.Fatalf("classifyOutcome = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRetryCodeRetryable(t *testing.T) {
	if RetryNone.Retryable() {
		t.Fatalf("none must never be retryable")
	}
	for _, c := range []RetryCode{RetryCLIError, RetryTimeout, RetryExecutionError, RetryAgentReportedError} {
		if !c.Retryable() {
			t.Fatalf("%q should be retryable", c)
		}
	}
}
