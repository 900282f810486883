// Package cdptest provides an in-process fake browser speaking CDP over a
// websocket, for testing the transport and session layers without Chrome.
package cdptest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNoReply tells the server to leave a command unanswered, for exercising
// caller-side timeouts.
var ErrNoReply = errors.New("cdptest: no reply")

// Request is one command frame as seen by a handler
type Request struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

// Handler produces the result payload for a command. Returning ErrNoReply
// suppresses the response; any other error becomes a CDP error response.
type Handler func(req Request) (any, error)

type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type response struct {
	ID        int64       `json:"id"`
	Result    any         `json:"result,omitempty"`
	Error     *wireError  `json:"error,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

type event struct {
	Method    string `json:"method"`
	Params    any    `json:"params"`
	SessionID string `json:"sessionId,omitempty"`
}

// Server is a fake CDP endpoint. Register handlers before connecting.
type Server struct {
	HTTP *httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	conns    []*serverConn

	seenMu sync.Mutex
	seen   []Request
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

var upgrader = websocket.Upgrader{}

// New starts a fake CDP server. Unhandled methods get an empty result.
func New() *Server {
	s := &Server{handlers: make(map[string]Handler)}
	s.HTTP = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the websocket endpoint
func (s *Server) URL() string {
	return strings.Replace(s.HTTP.URL, "http://", "ws://", 1)
}

// Handle registers a handler for a method
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Requests returns a copy of every command frame received so far
func (s *Server) Requests() []Request {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	out := make([]Request, len(s.seen))
	copy(out, s.seen)
	return out
}

// Emit broadcasts an event frame to every connected client
func (s *Server) Emit(method string, params any, sessionID string) {
	s.mu.Lock()
	conns := make([]*serverConn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		c.writeJSON(event{Method: method, Params: params, SessionID: sessionID})
	}
}

// Close shuts the server down, dropping all connections
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		c.ws.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.HTTP.Close()
}

// DropConnections closes client websockets without stopping the server
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.ws.Close()
	}
	s.conns = nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &serverConn{ws: ws}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var req Request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}

		s.seenMu.Lock()
		s.seen = append(s.seen, req)
		s.seenMu.Unlock()

		s.mu.Lock()
		h := s.handlers[req.Method]
		s.mu.Unlock()

		if h == nil {
			conn.writeJSON(response{ID: req.ID, Result: map[string]any{}, SessionID: req.SessionID})
			continue
		}

		result, err := h(req)
		if errors.Is(err, ErrNoReply) {
			continue
		}
		if err != nil {
			conn.writeJSON(response{ID: req.ID, Error: &wireError{Code: -32000, Message: err.Error()}, SessionID: req.SessionID})
			continue
		}
		if result == nil {
			result = map[string]any{}
		}
		conn.writeJSON(response{ID: req.ID, Result: result, SessionID: req.SessionID})
	}
}
