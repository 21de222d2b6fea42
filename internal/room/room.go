package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"kasagi-engine/server/internal/coord"
	"kasagi-engine/server/internal/delta"
	"kasagi-engine/server/internal/telemetry"
)

const (
	// DefaultSnapshotInterval is the local-tick cadence between persisted
	// snapshots.
	DefaultSnapshotInterval = 100
	// DefaultMaxEntities bounds the number of entities a room will accept.
	DefaultMaxEntities = 100

	snapshotWriteTimeout = 5 * time.Second
)

var (
	// ErrRoomFull is returned when an input would create an entity beyond
	// the per-room cap.
	ErrRoomFull = errors.New("room full")
	// ErrRoomClosed is returned for operations on a destroyed room.
	ErrRoomClosed = errors.New("room closed")
	// ErrInvalidInput is returned when an input is missing its player id.
	ErrInvalidInput = errors.New("invalid input")
)

// SnapshotKey returns the coordinator hash key for a room's snapshot.
func SnapshotKey(roomID string) string {
	return "room:" + roomID + ":snapshot"
}

// ChannelName returns the pub/sub channel carrying a room's deltas.
func ChannelName(roomID string) string {
	return "room:" + roomID + ":channel"
}

// Input is one client mutation request routed to a room.
type Input struct {
	PlayerID string
	Payload  map[string]any
}

// Config carries the shared dependencies every room needs.
type Config struct {
	InstanceID       string
	SnapshotInterval uint64
	MaxEntities      int
	Coordinator      coord.Coordinator
	Logger           *log.Logger
	Telemetry        *telemetry.Counters
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.MaxEntities == 0 {
		c.MaxEntities = DefaultMaxEntities
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Room holds the authoritative state for one named room. Every operation runs
// under the room mutex, so the room behaves as a single-threaded actor; the
// remote-apply path never publishes, which is what keeps remote deltas off the
// bus without any re-entrancy flag.
type Room struct {
	id  string
	cfg Config

	mu               sync.Mutex
	entities         map[string]delta.Entity
	tick             uint64
	seq              uint64
	sessions         map[*Session]struct{}
	lastSnapshotTick uint64
	closed           bool
}

func newRoom(id string, cfg Config, entities map[string]delta.Entity, seq, tick uint64) *Room {
	if entities == nil {
		entities = make(map[string]delta.Entity)
	}
	return &Room{
		id:               id,
		cfg:              cfg.withDefaults(),
		entities:         entities,
		seq:              seq,
		tick:             tick,
		lastSnapshotTick: tick,
		sessions:         make(map[*Session]struct{}),
	}
}

// ID returns the room name.
func (r *Room) ID() string {
	return r.id
}

// Seq returns the current mutation counter.
func (r *Room) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Tick returns the current tick counter.
func (r *Room) Tick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

// HasEntity reports whether the room currently tracks the given entity.
func (r *Room) HasEntity(entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entities[entityID]
	return ok
}

// ApplyInput merges a client payload into the player's entity, bumps seq and
// tick, and emits the resulting delta to local sessions and the coordinator
// channel. The delta is built during the merge, so only fields that actually
// changed are emitted; a nil payload value removes the field.
func (r *Room) ApplyInput(ctx context.Context, input Input) (delta.EntityDelta, error) {
	if input.PlayerID == "" {
		return nil, ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}

	ent, ok := r.entities[input.PlayerID]
	if !ok {
		if r.cfg.MaxEntities > 0 && len(r.entities) >= r.cfg.MaxEntities {
			return nil, ErrRoomFull
		}
		ent = make(delta.Entity, len(input.Payload)+1)
		r.entities[input.PlayerID] = ent
	}

	changes := make(map[string]any, len(input.Payload)+1)
	for field, value := range input.Payload {
		if value == nil {
			if _, had := ent[field]; had {
				delete(ent, field)
				changes[field] = nil
			}
			continue
		}
		if old, had := ent[field]; had && delta.Equal(old, value) {
			continue
		}
		ent[field] = delta.CloneValue(value)
		changes[field] = delta.CloneValue(value)
	}

	now := time.Now()
	ent["lastUpdate"] = now.UnixMilli()
	changes["lastUpdate"] = now.UnixMilli()

	r.seq++
	r.tick++

	d := delta.EntityDelta{input.PlayerID: changes}
	r.emitLocked(ctx, d, now)
	r.maybeSnapshotLocked()
	return d, nil
}

// RemoveEntity deletes an entity and emits the removal delta. Removing an
// absent entity is a no-op that leaves seq and tick untouched.
func (r *Room) RemoveEntity(ctx context.Context, entityID string) (delta.EntityDelta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}
	if _, ok := r.entities[entityID]; !ok {
		return delta.EntityDelta{}, nil
	}

	delete(r.entities, entityID)
	r.seq++
	r.tick++

	d := delta.EntityDelta{entityID: nil}
	r.emitLocked(ctx, d, time.Now())
	r.maybeSnapshotLocked()
	return d, nil
}

// ApplyRemoteDelta merges a delta published by another instance. It reports
// whether the delta was accepted: own echoes and deltas at or below the local
// seq are dropped without touching state. Accepted deltas fan out to local
// sessions but are never re-published and never trigger a snapshot.
func (r *Room) ApplyRemoteDelta(fd delta.FullDelta) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if fd.InstanceID == r.cfg.InstanceID || fd.Seq <= r.seq {
		r.cfg.Telemetry.RecordRemoteRejected()
		return false
	}

	delta.Apply(r.entities, fd.Delta)
	r.seq = fd.Seq
	if fd.Tick > r.tick {
		r.tick = fd.Tick
	}

	frame, err := encodeDeltaFrame(r.id, fd.Tick, fd.Seq, fd.Delta, fd.Timestamp)
	if err != nil {
		r.cfg.Logger.Printf("[room %s] failed to encode remote delta frame: %v", r.id, err)
	} else {
		r.broadcastLocked(frame)
	}

	r.cfg.Telemetry.RecordRemoteApplied()
	return true
}

// emitLocked broadcasts a locally produced delta and publishes its wire form.
// Publish failures are logged and swallowed: state is already mutated and the
// local fan-out has completed.
func (r *Room) emitLocked(ctx context.Context, d delta.EntityDelta, now time.Time) {
	if delta.IsEmpty(d) {
		return
	}

	frame, err := encodeDeltaFrame(r.id, r.tick, r.seq, d, now.UnixMilli())
	if err != nil {
		r.cfg.Logger.Printf("[room %s] failed to encode delta frame: %v", r.id, err)
	} else {
		r.broadcastLocked(frame)
	}

	fd := delta.FullDelta{
		RoomID:     r.id,
		Delta:      d,
		Tick:       r.tick,
		Seq:        r.seq,
		Timestamp:  now.UnixMilli(),
		InstanceID: r.cfg.InstanceID,
	}
	payload, err := delta.EncodeTransport(fd)
	if err != nil {
		r.cfg.Logger.Printf("[room %s] failed to encode publish payload: %v", r.id, err)
		return
	}
	err = r.cfg.Coordinator.Publish(ctx, ChannelName(r.id), payload)
	if err != nil {
		r.cfg.Logger.Printf("[room %s] publish failed at seq %d: %v", r.id, r.seq, err)
	}
	r.cfg.Telemetry.RecordPublish(err)
}

// maybeSnapshotLocked persists asynchronously once enough local ticks have
// accumulated. Remote deltas never reach here, so snapshot work is not
// duplicated across the fleet.
func (r *Room) maybeSnapshotLocked() {
	if r.cfg.SnapshotInterval == 0 || r.tick-r.lastSnapshotTick < r.cfg.SnapshotInterval {
		return
	}
	r.lastSnapshotTick = r.tick
	entities := delta.CloneEntities(r.entities)
	seq, tick := r.seq, r.tick
	go func() {
		if err := r.persistSnapshot(entities, seq, tick); err != nil {
			r.cfg.Logger.Printf("[room %s] snapshot save failed at tick %d: %v", r.id, tick, err)
		}
	}()
}

func (r *Room) persistSnapshot(entities map[string]delta.Entity, seq, tick uint64) error {
	data, err := json.Marshal(entities)
	if err != nil {
		r.cfg.Telemetry.RecordSnapshot(err)
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
	defer cancel()
	err = r.cfg.Coordinator.HashSet(ctx, SnapshotKey(r.id), map[string]string{
		"data":       string(data),
		"seq":        strconv.FormatUint(seq, 10),
		"tick":       strconv.FormatUint(tick, 10),
		"timestamp":  strconv.FormatInt(time.Now().UnixMilli(), 10),
		"instanceId": r.cfg.InstanceID,
	})
	r.cfg.Telemetry.RecordSnapshot(err)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// SaveSnapshot flushes the current state synchronously. Used on shutdown and
// room destruction; failures are returned for logging but never retried here.
func (r *Room) SaveSnapshot() error {
	r.mu.Lock()
	entities := delta.CloneEntities(r.entities)
	seq, tick := r.seq, r.tick
	r.lastSnapshotTick = r.tick
	r.mu.Unlock()
	return r.persistSnapshot(entities, seq, tick)
}

// SnapshotFrame encodes the authoritative initial view sent to a joining
// client.
func (r *Room) SnapshotFrame() ([]byte, error) {
	r.mu.Lock()
	msg := snapshotMessage{
		Type:   "snapshot",
		RoomID: r.id,
		State: roomStateWire{
			Entities: delta.CloneEntities(r.entities),
			Tick:     r.tick,
			Seq:      r.seq,
		},
		Tick: r.tick,
		Seq:  r.seq,
	}
	r.mu.Unlock()
	return encodeSnapshotFrame(msg)
}

// Attach adds a session to the broadcast set. It reports false once the room
// has been destroyed so the caller can re-create it.
func (r *Room) Attach(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[s] = struct{}{}
	return true
}

// Detach removes a session and returns the number still attached.
func (r *Room) Detach(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
	return len(r.sessions)
}

// SessionCount returns the number of attached sessions.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// closeIfEmpty marks the room destroyed only when no sessions remain. The
// registry calls it under its own lock so that removal from the table and the
// closed flag flip together; an Attach racing the last leave either lands
// before (keeping the room alive) or observes closed and retries.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.sessions) > 0 {
		return false
	}
	r.closed = true
	return true
}

// Close marks the room destroyed and flushes a final snapshot (best effort).
func (r *Room) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entities := delta.CloneEntities(r.entities)
	seq, tick := r.seq, r.tick
	r.mu.Unlock()
	return r.persistSnapshot(entities, seq, tick)
}

// Stats reports the per-room diagnostics row.
func (r *Room) Stats() RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomStats{
		RoomID:   r.id,
		Sessions: len(r.sessions),
		Entities: len(r.entities),
		Tick:     r.tick,
		Seq:      r.seq,
	}
}
