// Package server provides the HTTP and WebSocket control surface
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	apperr "github.com/voxturn/platform/internal/errors"
	"github.com/voxturn/platform/internal/session"
	"github.com/voxturn/platform/internal/trace"
	"github.com/voxturn/platform/internal/turn"
)

// Message types.
type Message struct {
	Type string `json:"type"`
}

type StateMessage struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
}

type TranscriptMessage struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Text    string `json:"text"`
}

type ReplyMessage struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Text    string `json:"text"`
}

type NoticeMessage struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Message string `json:"message"`
}

type AckMessage struct {
	Type    string `json:"type"`
	Op      string `json:"op"`
	Session string `json:"session,omitempty"`
	Stopped bool   `json:"stopped,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

type RateLimitedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server exposes the turn machine over WebSocket and REST. Sessions are
// parented on the server's own context so they survive the request that
// started them.
type Server struct {
	machine *turn.Machine
	base    context.Context

	// Each connection gets its own outbound queue drained by a single
	// writer goroutine, so events reach every client in emission order.
	mu         sync.RWMutex
	conns      map[*websocket.Conn]chan interface{}
	rateLimits map[*websocket.Conn]*rateLimiter
}

// New creates a server and starts broadcasting turn events.
func New(ctx context.Context, m *turn.Machine) *Server {
	s := &Server{
		machine:    m,
		base:       ctx,
		conns:      make(map[*websocket.Conn]chan interface{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
	}

	go s.broadcastEvents()

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("POST /api/session/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/state", s.handleState)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	out := make(chan interface{}, EventQueueSize)
	s.mu.Lock()
	s.conns[conn] = out
	s.rateLimits[conn] = &rateLimiter{}
	s.mu.Unlock()

	// Unregister before closing the queue; the broadcaster only sends to
	// queues it finds in the map, so the close cannot race a send.
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		close(out)
		s.mu.Unlock()
	}()

	go func() {
		for msg := range out {
			writeCtx, cancel := context.WithTimeout(context.Background(), BroadcastTimeout)
			_ = wsjson.Write(writeCtx, conn, msg)
			cancel()
		}
	}()

	ctx := r.Context()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// New subscribers learn the current state without waiting for the next
	// transition.
	id, _ := s.machine.CurrentSessionID()
	out <- StateMessage{
		Type:    "state",
		Session: id,
		State:   s.machine.State().String(),
	}

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		s.mu.RLock()
		rl := s.rateLimits[conn]
		s.mu.RUnlock()

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(ctx, conn, RateLimitedMessage{
				Type:    "error",
				Message: "rate limit exceeded",
			})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		_ = wsjson.Write(ctx, conn, s.dispatch(base.Type))
	}
}

// dispatch executes one control operation and builds its acknowledgement.
func (s *Server) dispatch(op string) AckMessage {
	ack := AckMessage{Type: "ack", Op: op}
	switch op {
	case "start":
		id, err := s.machine.StartSession(s.base)
		if err != nil {
			ack.Error = err.Error()
			return ack
		}
		ack.Session = id
	case "stop":
		res := s.machine.StopCurrent(session.StopManual)
		ack.Stopped = res.Stopped
		if res.Reason != session.StopNone {
			ack.Reason = res.Reason.String()
		}
	case "cancel":
		ack.Stopped = s.machine.Cancel()
	default:
		ack.Error = "unknown operation"
	}
	return ack
}

func (s *Server) broadcastEvents() {
	for ev := range s.machine.Events() {
		var msg interface{}
		switch ev.Type {
		case turn.EventState:
			sm := StateMessage{
				Type:    "state",
				Session: ev.SessionID,
				State:   ev.State.String(),
			}
			if ev.Reason != session.StopNone {
				sm.Reason = ev.Reason.String()
			}
			msg = sm
		case turn.EventTranscript:
			msg = TranscriptMessage{Type: "transcript", Session: ev.SessionID, Text: ev.Text}
		case turn.EventReply:
			msg = ReplyMessage{Type: "reply", Session: ev.SessionID, Text: ev.Text}
		case turn.EventNotice:
			msg = NoticeMessage{Type: "notice", Session: ev.SessionID, Message: ev.Err}
		default:
			continue
		}

		s.mu.RLock()
		for _, out := range s.conns {
			select {
			case out <- msg:
			default:
				slog.Debug("event queue full, dropping for connection")
			}
		}
		s.mu.RUnlock()
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id, err := s.machine.StartSession(s.base)
	if err != nil {
		status := http.StatusInternalServerError
		if apperr.IsCode(err, apperr.CodeRace) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session": id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	res := s.machine.StopCurrent(session.StopManual)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stopped": res.Stopped,
		"reason":  res.Reason.String(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.machine.Cancel()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id, _ := s.machine.CurrentSessionID()
	writeJSON(w, http.StatusOK, map[string]string{
		"state":   s.machine.State().String(),
		"session": id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
