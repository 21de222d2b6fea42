package room

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"kasagi-engine/server/internal/delta"
)

// Binary frames sent to clients. High-rate payloads use msgpack; JSON is
// reserved for the control plane.

type roomStateWire struct {
	Entities map[string]delta.Entity `msgpack:"entities"`
	Tick     uint64                  `msgpack:"tick"`
	Seq      uint64                  `msgpack:"seq"`
}

type snapshotMessage struct {
	Type   string        `msgpack:"type"`
	RoomID string        `msgpack:"roomId"`
	State  roomStateWire `msgpack:"state"`
	Tick   uint64        `msgpack:"tick"`
	Seq    uint64        `msgpack:"seq"`
}

type deltaMessage struct {
	Type      string            `msgpack:"type"`
	RoomID    string            `msgpack:"roomId"`
	Tick      uint64            `msgpack:"tick"`
	Seq       uint64            `msgpack:"seq"`
	Delta     delta.EntityDelta `msgpack:"delta"`
	Timestamp int64             `msgpack:"timestamp"`
}

func encodeDeltaFrame(roomID string, tick, seq uint64, d delta.EntityDelta, ts int64) ([]byte, error) {
	data, err := msgpack.Marshal(deltaMessage{
		Type:      "delta",
		RoomID:    roomID,
		Tick:      tick,
		Seq:       seq,
		Delta:     d,
		Timestamp: ts,
	})
	if err != nil {
		return nil, fmt.Errorf("encode delta frame: %w", err)
	}
	return data, nil
}

func encodeSnapshotFrame(msg snapshotMessage) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot frame: %w", err)
	}
	return data, nil
}

// DecodeDeltaFrame parses a binary delta frame. Exposed for tests and client
// tooling.
func DecodeDeltaFrame(data []byte) (roomID string, tick, seq uint64, d delta.EntityDelta, err error) {
	var msg deltaMessage
	if err = msgpack.Unmarshal(data, &msg); err != nil {
		return "", 0, 0, nil, fmt.Errorf("decode delta frame: %w", err)
	}
	return msg.RoomID, msg.Tick, msg.Seq, msg.Delta, nil
}

// DecodeSnapshotFrame parses a binary snapshot frame.
func DecodeSnapshotFrame(data []byte) (roomID string, entities map[string]delta.Entity, tick, seq uint64, err error) {
	var msg snapshotMessage
	if err = msgpack.Unmarshal(data, &msg); err != nil {
		return "", nil, 0, 0, fmt.Errorf("decode snapshot frame: %w", err)
	}
	return msg.RoomID, msg.State.Entities, msg.State.Tick, msg.State.Seq, nil
}
