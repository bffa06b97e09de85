// Package transport is the WebSocket push layer: it owns the live session
// registry and the inbound event routing. Session bindings are process-local
// and die with the connection.
package transport

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no active session")

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Session is one live connection. Writes are serialized by the session
// mutex; gorilla/websocket allows only one concurrent writer.
type Session struct {
	ID      string
	conn    *websocket.Conn
	mu      sync.Mutex
	role    models.Role
	partyID string
}

func (s *Session) send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(outEnvelope{Event: event, Data: payload})
}

type partyKey struct {
	role models.Role
	id   string
}

// Hub maps session IDs to connections and party identities to sessions.
// A party reconnecting takes over its binding; the stale session stays
// registered until its read loop notices the dead connection.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	parties  map[partyKey]string
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		parties:  make(map[partyKey]string),
	}
}

func (h *Hub) Add(conn *websocket.Conn) *Session {
	s := &Session{ID: uuid.NewString(), conn: conn}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	return s
}

// Bind attaches a party identity to a session, replacing any previous
// binding for that party (reconnect wins).
func (h *Hub) Bind(sessionID string, role models.Role, partyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	s.role = role
	s.partyID = partyID
	h.parties[partyKey{role, partyID}] = sessionID
}

// Remove unregisters a session and clears its party binding unless the
// party has already rebound to a newer session.
func (h *Hub) Remove(sessionID string) (models.Role, string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return "", "", false
	}
	delete(h.sessions, sessionID)
	if s.partyID == "" {
		return "", "", false
	}
	key := partyKey{s.role, s.partyID}
	if h.parties[key] == sessionID {
		delete(h.parties, key)
	}
	return s.role, s.partyID, true
}

func (h *Hub) Resolve(role models.Role, partyID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sid, ok := h.parties[partyKey{role, partyID}]
	return sid, ok
}

// Send pushes one event to a session, fire-and-forget.
func (h *Hub) Send(sessionID, event string, payload any) error {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(event, payload)
}
