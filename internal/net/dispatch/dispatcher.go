// Package dispatch translates inbound client messages and disconnects into
// room operations.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kasagi-engine/server/internal/net/proto"
	"kasagi-engine/server/internal/room"
)

// Dispatcher owns session lifecycle relative to the registry. It validates
// the control plane and replies with error frames; validation failures never
// close the socket.
type Dispatcher struct {
	registry *room.Registry
	logger   *log.Logger
}

// NewDispatcher wires a dispatcher to the registry.
func NewDispatcher(registry *room.Registry, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// HandleMessage processes one inbound text frame.
func (d *Dispatcher) HandleMessage(ctx context.Context, s *room.Session, payload []byte) {
	var msg proto.ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.logger.Printf("discarding malformed message from %s: %v", s.ID(), err)
		d.sendError(s, proto.CodeParseError, "invalid JSON")
		return
	}

	switch msg.Type {
	case "join":
		d.handleJoin(ctx, s, msg)
	case "input":
		d.handleInput(ctx, s, msg)
	case "heartbeat":
		d.handleHeartbeat(s, msg)
	default:
		d.sendError(s, proto.CodeInvalidType, "unknown message type "+msg.Type)
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, s *room.Session, msg proto.ClientMessage) {
	if msg.RoomID == "" {
		d.sendError(s, proto.CodeInvalidRoom, "join requires a roomId")
		return
	}

	current := s.RoomID()
	rejoin := current == msg.RoomID
	if current != "" && !rejoin {
		d.leaveCurrent(ctx, s)
		d.sendJSON(s, proto.LeftMessage{Type: "left", RoomID: current})
	}

	// A rejoin of the current room keeps the session attached and the entity
	// in place; the client just gets a fresh snapshot.
	playerID := msg.PlayerID
	if playerID == "" {
		if rejoin && s.PlayerID() != "" {
			playerID = s.PlayerID()
		} else {
			playerID = uuid.NewString()
		}
	}

	r, err := d.registry.Join(ctx, msg.RoomID, s)
	if err != nil {
		d.sendError(s, proto.CodeInternalError, "failed to join room")
		return
	}
	s.SetPlayerID(playerID)

	d.sendJSON(s, proto.JoinedMessage{Type: "joined", RoomID: msg.RoomID, PlayerID: playerID})

	frame, err := r.SnapshotFrame()
	if err != nil {
		d.logger.Printf("failed to encode snapshot for %s: %v", s.ID(), err)
		d.sendError(s, proto.CodeInternalError, "failed to encode snapshot")
		return
	}
	if err := s.Send(websocket.BinaryMessage, frame); err != nil {
		d.logger.Printf("failed to send snapshot to %s: %v", s.ID(), err)
	}
}

func (d *Dispatcher) handleInput(ctx context.Context, s *room.Session, msg proto.ClientMessage) {
	if msg.RoomID == "" {
		d.sendError(s, proto.CodeInvalidRoom, "input requires a roomId")
		return
	}
	if msg.PlayerID == "" || msg.Payload == nil {
		d.sendError(s, proto.CodeInvalidInput, "input requires playerId and payload")
		return
	}
	if s.RoomID() != msg.RoomID {
		d.sendError(s, proto.CodeWrongRoom, "session is not in room "+msg.RoomID)
		return
	}

	r, ok := d.registry.Lookup(msg.RoomID)
	if !ok {
		d.sendError(s, proto.CodeRoomNotFound, "room "+msg.RoomID+" not found")
		return
	}

	_, err := r.ApplyInput(ctx, room.Input{PlayerID: msg.PlayerID, Payload: msg.Payload})
	switch {
	case err == nil:
	case errors.Is(err, room.ErrRoomFull):
		d.sendError(s, proto.CodeRoomFull, "room "+msg.RoomID+" is full")
	case errors.Is(err, room.ErrInvalidInput):
		d.sendError(s, proto.CodeInvalidInput, "invalid input")
	default:
		d.logger.Printf("input failed for %s in %s: %v", msg.PlayerID, msg.RoomID, err)
		d.sendError(s, proto.CodeInternalError, "input failed")
	}
}

func (d *Dispatcher) handleHeartbeat(s *room.Session, msg proto.ClientMessage) {
	now := time.Now()
	var rtt time.Duration
	if msg.SentAt > 0 {
		clientTime := time.UnixMilli(msg.SentAt)
		if clientTime.Before(now.Add(5 * time.Second)) {
			rtt = now.Sub(clientTime)
			if rtt < 0 {
				rtt = 0
			}
		}
	}
	d.sendJSON(s, proto.HeartbeatMessage{
		Type:       "heartbeat",
		ServerTime: now.UnixMilli(),
		ClientTime: msg.SentAt,
		RTTMillis:  rtt.Milliseconds(),
	})
}

// HandleDisconnect removes the session's entity from its room and detaches
// it. The removal delta is emitted before the room is allowed to drain, so
// the final snapshot stores the departed state.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, s *room.Session) {
	d.leaveCurrent(ctx, s)
	s.Close()
}

func (d *Dispatcher) leaveCurrent(ctx context.Context, s *room.Session) {
	roomID := s.RoomID()
	if roomID == "" {
		return
	}
	if r, ok := d.registry.Lookup(roomID); ok {
		if playerID := s.PlayerID(); playerID != "" && r.HasEntity(playerID) {
			if _, err := r.RemoveEntity(ctx, playerID); err != nil {
				d.logger.Printf("failed to remove entity %s from %s: %v", playerID, roomID, err)
			}
		}
	}
	d.registry.Leave(ctx, s)
}

func (d *Dispatcher) sendError(s *room.Session, code, message string) {
	d.sendJSON(s, proto.NewError(code, message))
}

func (d *Dispatcher) sendJSON(s *room.Session, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.Printf("failed to marshal reply for %s: %v", s.ID(), err)
		return
	}
	if err := s.Send(websocket.TextMessage, data); err != nil {
		d.logger.Printf("failed to send reply to %s: %v", s.ID(), err)
	}
}
