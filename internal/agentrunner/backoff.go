package agentrunner

import "time"

// BackoffConfig mirrors the teacher's engine.BackoffConfig shape, but the
// spec calls for a fixed, non-exponential delay schedule (§4.5), so Delays
// is consulted directly instead of computing factor^(attempt-1).
type BackoffConfig struct {
	Delays []time.Duration
}

// DefaultBackoffConfig is the spec's default retry schedule: 3 total
// attempts (1 initial + 2 retries) at [1s, 3s] (§4.5, §8 "after 3 timeout
// responses the phase fails with the last error message preserved").
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Delays: []time.Duration{1 * time.Second, 3 * time.Second},
	}
}

// DelayForAttempt returns the delay before retry attempt (1-indexed: the
// first retry is attempt=1). Attempts beyond the configured schedule reuse
// the final configured delay.
func (c BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 || len(c.Delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(c.Delays) {
		idx = len(c.Delays) - 1
	}
	return c.Delays[idx]
}

// MaxAttempts is the total number of tries (initial + retries) under cfg.
func (c BackoffConfig) MaxAttempts() int {
	return len(c.Delays) + 1
}
