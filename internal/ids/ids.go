// Package ids generates the run identifiers the orchestrator hands out.
//
// WebSocket session identifiers are generated separately by the hub package
// using github.com/google/uuid.
package ids

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

const runIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewRunID returns an 8-character alphanumeric run identifier (§3.1).
//
// A ULID gives us a time-sortable, collision-resistant source of entropy
// (the same primitive the teacher uses for session and tool-call IDs); we
// fold it down to the spec's 8-char lowercase-alphanumeric run_id shape by
// taking the low-order crockford-base32 characters and re-encoding them
// into our alphabet so every character is meaningful for the base-36
// decode the Port Allocator performs.
func NewRunID() (string, error) {
	id := ulid.Make()
	raw := strings.ToLower(id.String()) // 26 chars, Crockford base32
	var b strings.Builder
	for _, c := range raw[len(raw)-8:] {
		// Crockford base32 excludes I, L, O, U; map any stray char defensively.
		if strings.ContainsRune(runIDAlphabet, c) {
			b.WriteRune(c)
		} else {
			b.WriteByte(runIDAlphabet[int(c)%len(runIDAlphabet)])
		}
	}
	return b.String(), nil
}
