package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nutrimesh/nutrimesh/core"
	"github.com/nutrimesh/nutrimesh/engine"
	"github.com/nutrimesh/nutrimesh/logging"
	"github.com/nutrimesh/nutrimesh/session"
)

// ErrInvalidMessage is reported to WebSocket clients whose frame is not a
// decodable request message. The connection stays open.
var ErrInvalidMessage = errors.New("invalid message: expected a JSON request object")

// Options configures the HTTP/WebSocket surface.
type Options struct {
	// ChatTimeout bounds one synchronous /chat exchange.
	ChatTimeout time.Duration

	// CheckOrigin relaxes the upgrader's origin policy; nil keeps the
	// gorilla default.
	CheckOrigin func(r *http.Request) bool

	Logger logging.Logger
}

// Server exposes the engine over three endpoints: a streaming WebSocket at
// /ws, a synchronous request/response facade at /chat, and /health.
type Server struct {
	engine   *engine.Engine
	logger   logging.Logger
	upgrader websocket.Upgrader
	chatTo   time.Duration
	mux      *http.ServeMux
}

// New builds the server around an engine.
func New(eng *engine.Engine, optFns ...func(o *Options)) *Server {
	opts := Options{
		ChatTimeout: 60 * time.Second,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Server{
		engine: eng,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		chatTo: opts.ChatTimeout,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/chat", s.handleChat)
	s.mux.HandleFunc("/history", s.handleHistory)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleWS runs the streaming protocol: each text frame is one Request, each
// run streams its ProgressEvents back as JSON frames in sequence order.
// Messages on one connection are processed strictly one run at a time, so a
// single goroutine owns both sides of the socket and no write lock is
// needed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	// Sessions started over this connection; closed on disconnect.
	owned := map[string]struct{}{}
	defer func() {
		for id := range owned {
			if err := s.engine.Sessions().CloseSession(id); err != nil && !errors.Is(err, session.ErrNotFound) {
				s.logger.Warn("session close on disconnect failed", "session_id", id, "error", err.Error())
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "error", err.Error())
			}
			return
		}
		var req core.Request
		if err := json.Unmarshal(frame, &req); err != nil {
			// A malformed frame is a protocol error, not a transport one;
			// report it and keep the connection alive.
			if werr := conn.WriteJSON(errorEvent("", ErrInvalidMessage)); werr != nil {
				return
			}
			continue
		}

		// Runs outlive the upgrade request's context; disconnects are
		// handled by the deferred session close above.
		sess, out, err := s.engine.Run(context.Background(), req)
		if err != nil {
			// Rejected before any run started: one error frame, session
			// stays usable.
			if werr := conn.WriteJSON(errorEvent(req.SessionID, err)); werr != nil {
				return
			}
			continue
		}
		owned[sess.ID] = struct{}{}

		for ev := range out {
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warn("websocket write failed", "session_id", sess.ID, "error", err.Error())
				// Drain so the run's channel does not linger, then drop the
				// connection.
				for range out {
				}
				return
			}
		}
	}
}

// handleChat is the stateless request/response facade: one Request in, the
// run's terminal event out.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req core.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.chatTo)
	defer cancel()

	terminal, err := s.engine.RunSync(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrEmptyPrompt):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, session.ErrRunInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrNotFound):
		http.Error(w, err.Error(), http.StatusGone)
		return
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
		return
	default:
		s.logger.Error("chat run failed", "error", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(terminal); err != nil {
		s.logger.Warn("chat response write failed", "error", err.Error())
	}
}

// handleHistory returns the retained event history of a live session, letting
// a reconnecting client catch up on the run so far.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	sess, ok := s.engine.Sessions().Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sess.History()); err != nil {
		s.logger.Warn("history response write failed", "session_id", id, "error", err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// errorEvent renders a pre-run rejection in the same frame shape as pipeline
// events, without consuming a session sequence number.
func errorEvent(sessionID string, err error) core.ProgressEvent {
	return core.ProgressEvent{
		Type:      core.EventError,
		Content:   err.Error(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}
