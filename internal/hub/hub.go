// Package hub implements the Notification Hub (§4.8, C9): a WebSocket
// server that assigns each client a session UUID, accepts
// trigger_workflow/ping messages, and fans out status_update/
// workflow_log/state_change/worktree_deleted broadcasts to every
// connected session. The fan-out/registry split is adapted from the
// teacher's internal/server SSE Broadcaster + PipelineRegistry, with the
// transport swapped for gorilla/websocket (the spec requires a
// bidirectional protocol the teacher's SSE-only hub never needed).
package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Envelope is the §6.2 wire message shape: {type, data}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TriggerFunc spawns a pipeline run asynchronously and returns its run_id.
// Invoked by the Hub when a trigger_workflow message validates (§4.8).
type TriggerFunc func(req TriggerWorkflowData) (runID string, err error)

// TriggerWorkflowData is the inner `data` object of a trigger_workflow
// client message (§3.4).
type TriggerWorkflowData struct {
	WorkflowType  string          `json:"workflow_type"`
	RunID         string          `json:"run_id,omitempty"`
	IssueNumber   string          `json:"issue_number,omitempty"`
	ModelSet      string          `json:"model_set"`
	TriggerReason string          `json:"trigger_reason,omitempty"`
	BoardData     json.RawMessage `json:"board_data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out broadcasts to every connected WebSocket session.
type Hub struct {
	logger  *log.Logger
	Trigger TriggerFunc

	mu       sync.RWMutex
	sessions map[string]*session
}

// New returns a Hub that invokes trigger when a client requests a
// workflow run. Logging follows the teacher's stderr-with-prefix
// convention (internal/server/server.go).
func New(trigger TriggerFunc) *Hub {
	return &Hub{
		logger:   log.New(os.Stderr, "[adw-hub] ", log.LstdFlags),
		Trigger:  trigger,
		sessions: make(map[string]*session),
	}
}

// ServeWS upgrades r to a WebSocket connection and runs the session's
// read/write loops until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}
	sess := newSession(uuid.NewString(), conn, h)

	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, sess.id)
		h.mu.Unlock()
		sess.close()
	}()

	go sess.writeLoop()
	sess.readLoop()
}

// ServeHealthz answers GET /healthz (§6.2a), ambient ops tooling grounded
// on the teacher's GET /health.
func (h *Hub) ServeHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	n := len(h.sessions)
	h.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok","sessions":` + strconv.Itoa(n) + `}`))
}

// Broadcast fans out an internal publication (status_update,
// workflow_log, state_change, worktree_deleted) to every connected
// session, deduplicated per-session (§4.8 dedup).
func (h *Hub) Broadcast(msgType string, runID string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("broadcast marshal failed for type=%s run_id=%s: %v", msgType, runID, err)
		return
	}
	env := Envelope{Type: msgType, Data: payload}
	fp := fingerprint(msgType, runID, payload, time.Now())

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sess := range h.sessions {
		sess.enqueue(env, fp)
	}
}
