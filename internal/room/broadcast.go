package room

import "github.com/gorilla/websocket"

// broadcastLocked delivers one encoded frame to every open session attached
// to the room. Per-socket failures are logged and do not interrupt the
// fan-out; a session that fails to write marks itself closed and gets cleaned
// up by its read loop.
func (r *Room) broadcastLocked(data []byte) {
	for s := range r.sessions {
		if !s.Open() {
			continue
		}
		if err := s.Send(websocket.BinaryMessage, data); err != nil {
			r.cfg.Logger.Printf("[room %s] failed to send to session %s: %v", r.id, s.ID(), err)
		}
	}
	r.cfg.Telemetry.RecordBroadcast(len(data))
}
