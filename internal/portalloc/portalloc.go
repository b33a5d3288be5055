// Package portalloc deterministically maps a run ID to an unused
// WebSocket/frontend port pair (§4.1, C1).
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	// WSBase is the low end of the WebSocket-consumer port window.
	WSBase = 8500
	// FEBase is the low end of the frontend port window.
	FEBase = 9200
	// Window is the number of candidate slots, and therefore the hard cap
	// on concurrently active runs (§9 "15 as the parallelism cap").
	Window = 15
)

// ErrNoPortsAvailable is returned when every candidate slot in the window
// is occupied.
var ErrNoPortsAvailable = errors.New("portalloc: no ports available")

// Pair is an allocated (ws, fe) port pair.
type Pair struct {
	WS int
	FE int
}

// Allocator binds loopback probe sockets to find a free port pair.
type Allocator struct {
	// Window overrides the default 15-slot cap; zero means use Window.
	Window int
}

// New returns an Allocator using the default window size.
func New() *Allocator {
	return &Allocator{Window: Window}
}

func (a *Allocator) window() int {
	if a.Window > 0 {
		return a.Window
	}
	return Window
}

// BaseIndex computes i₀: the first 8 alphanumeric characters of runID,
// base-36 decoded, modulo the window size.
func BaseIndex(runID string, window int) (int, error) {
	if window <= 0 {
		window = Window
	}
	key := runID
	if len(key) > 8 {
		key = key[:8]
	}
	if key == "" {
		return 0, fmt.Errorf("portalloc: empty run id")
	}
	n, err := strconv.ParseUint(key, 36, 64)
	if err != nil {
		return 0, fmt.Errorf("portalloc: run id %q is not base-36 decodable: %w", runID, err)
	}
	return int(n % uint64(window)), nil
}

// Allocate implements the algorithm in §4.1: probe-bind candidate port
// pairs starting at the deterministic base index, cycling through the
// window for up to Window attempts.
func (a *Allocator) Allocate(runID string) (Pair, error) {
	window := a.window()
	i0, err := BaseIndex(runID, window)
	if err != nil {
		return Pair{}, err
	}

	for attempt := 0; attempt < window; attempt++ {
		i := (i0 + attempt) % window
		ws := WSBase + i
		fe := FEBase + i
		if ok := probeBoth(ws, fe); ok {
			return Pair{WS: ws, FE: fe}, nil
		}
	}
	return Pair{}, ErrNoPortsAvailable
}

// probeBoth attempts to bind both ports on loopback, releasing them
// immediately on success. A probe bind succeeding does not guarantee the
// port is still free when the real server later binds it (§4.1 edge
// cases); downstream services must treat that race as a fatal phase
// error rather than retry the allocator.
func probeBoth(ws, fe int) bool {
	wsLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", ws))
	if err != nil {
		return false
	}
	defer wsLn.Close()

	feLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", fe))
	if err != nil {
		return false
	}
	defer feLn.Close()

	return true
}
