package room

import (
	"errors"
	"sync"
	"time"
)

const writeWait = 10 * time.Second

// ErrSessionClosed is returned by Send after the session socket closed.
var ErrSessionClosed = errors.New("session closed")

// Conn is the socket surface a session writes to. *websocket.Conn satisfies
// it; tests substitute a capture fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session binds one client socket to at most one room and player. The
// dispatcher owns session lifetime; rooms hold non-owning references for
// broadcast only.
type Session struct {
	id   string
	conn Conn

	mu       sync.Mutex
	closed   bool
	roomID   string
	playerID string
}

// NewSession wraps an accepted socket.
func NewSession(id string, conn Conn) *Session {
	return &Session{id: id, conn: conn}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string {
	return s.id
}

// RoomID returns the room this session is attached to, or "".
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// SetRoomID records the room binding. The registry maintains it on
// join/leave.
func (s *Session) SetRoomID(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
}

// PlayerID returns the player bound to this session, or "".
func (s *Session) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerID
}

// SetPlayerID records the player binding.
func (s *Session) SetPlayerID(playerID string) {
	s.mu.Lock()
	s.playerID = playerID
	s.mu.Unlock()
}

// Send writes one frame, serializing concurrent writers on the shared socket.
func (s *Session) Send(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		s.closed = true
		return err
	}
	return nil
}

// Open reports whether the socket is still writable.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close marks the session dead and closes the socket.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}
