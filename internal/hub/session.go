package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// outboundQueueCapacity is the per-session bounded queue size (§4.8:
// "bounded per-session outbound queue"). A full queue drops the oldest
// pending message rather than stalling the publisher.
const outboundQueueCapacity = 256

// dedupWindow is K in "the last K fingerprints are remembered" (§4.8).
const dedupWindow = 64

type session struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	outbound chan Envelope
	done     chan struct{}

	dedupMu  sync.Mutex
	seen     [dedupWindow]string
	seenNext int
}

func newSession(id string, conn *websocket.Conn, h *Hub) *session {
	return &session{
		id:       id,
		conn:     conn,
		hub:      h,
		outbound: make(chan Envelope, outboundQueueCapacity),
		done:     make(chan struct{}),
	}
}

func (s *session) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	_ = s.conn.Close()
}

// enqueue delivers env unless its fingerprint was seen in the last
// dedupWindow messages for this session, dropping the oldest queued
// message on overflow instead of blocking the publisher (§4.8).
func (s *session) enqueue(env Envelope, fp string) {
	if s.recentlySeen(fp) {
		return
	}
	select {
	case s.outbound <- env:
	default:
		select {
		case <-s.outbound:
		default:
		}
		select {
		case s.outbound <- env:
		default:
		}
		s.hub.logger.Printf("session %s queue full, dropped oldest pending message", s.id)
	}
}

// recentlySeen is called from Broadcast, which may run concurrently from
// multiple publishers while holding only a read lock on the hub's session
// registry, so the dedup window needs its own lock.
func (s *session) recentlySeen(fp string) bool {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	for _, f := range s.seen {
		if f == fp {
			return true
		}
	}
	s.seen[s.seenNext] = fp
	s.seenNext = (s.seenNext + 1) % dedupWindow
	return false
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.outbound:
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

func (s *session) readLoop() {
	defer close(s.done)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError("malformed message envelope")
			continue
		}
		switch env.Type {
		case "ping":
			s.handlePing()
		case "trigger_workflow":
			s.handleTrigger(env.Data)
		default:
			s.sendError("unknown message type: " + env.Type)
		}
	}
}

func (s *session) handlePing() {
	data, _ := json.Marshal(map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)})
	s.send(Envelope{Type: "pong", Data: data})
}

func (s *session) handleTrigger(raw json.RawMessage) {
	if err := ValidateTriggerRequest(raw); err != nil {
		s.sendError("invalid trigger_workflow request: " + err.Error())
		return
	}
	var req TriggerWorkflowData
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError("invalid trigger_workflow payload: " + err.Error())
		return
	}
	if s.hub.Trigger == nil {
		s.sendError("no pipeline trigger configured")
		return
	}
	runID, err := s.hub.Trigger(req)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	data, _ := json.Marshal(map[string]string{"run_id": runID, "workflow_type": req.WorkflowType})
	s.send(Envelope{Type: "trigger_response", Data: data})
}

func (s *session) sendError(message string) {
	data, _ := json.Marshal(map[string]string{"message": message})
	s.send(Envelope{Type: "error", Data: data})
}

func (s *session) send(env Envelope) {
	select {
	case s.outbound <- env:
	default:
		s.hub.logger.Printf("session %s queue full, dropping reply type=%s", s.id, env.Type)
	}
}
