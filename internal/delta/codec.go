package delta

import (
	"encoding/base64"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// FullDelta is the wire form of a single room mutation: the overlay plus the
// transport metadata other instances need to order and de-duplicate it.
type FullDelta struct {
	RoomID     string      `msgpack:"roomId" json:"roomId"`
	Delta      EntityDelta `msgpack:"delta" json:"delta"`
	Tick       uint64      `msgpack:"tick" json:"tick"`
	Seq        uint64      `msgpack:"seq" json:"seq"`
	Timestamp  int64       `msgpack:"ts" json:"ts"`
	InstanceID string      `msgpack:"instanceId" json:"instanceId"`
}

// Encode serializes a FullDelta to its compact binary form.
func Encode(fd FullDelta) ([]byte, error) {
	data, err := msgpack.Marshal(fd)
	if err != nil {
		return nil, fmt.Errorf("encode full delta: %w", err)
	}
	return data, nil
}

// Decode parses the binary form produced by Encode.
func Decode(data []byte) (FullDelta, error) {
	var fd FullDelta
	if err := msgpack.Unmarshal(data, &fd); err != nil {
		return FullDelta{}, fmt.Errorf("decode full delta: %w", err)
	}
	return fd, nil
}

// EncodeTransport wraps the binary form in base64 so it is safe as a pub/sub
// message body.
func EncodeTransport(fd FullDelta) (string, error) {
	data, err := Encode(fd)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeTransport reverses EncodeTransport.
func DecodeTransport(payload string) (FullDelta, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return FullDelta{}, fmt.Errorf("decode transport payload: %w", err)
	}
	return Decode(data)
}
