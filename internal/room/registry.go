package room

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"kasagi-engine/server/internal/delta"
)

const shutdownFlushParallelism = 8

// Registry is the process-wide table of live rooms. Creation is deduplicated
// through an in-flight map so concurrent getOrCreate calls for the same id
// observe exactly one construction, hydrated from the persisted snapshot when
// one exists.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	rooms   map[string]*Room
	pending map[string]chan struct{}
}

// NewRegistry creates an empty registry sharing cfg across its rooms.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg.withDefaults(),
		rooms:   make(map[string]*Room),
		pending: make(map[string]chan struct{}),
	}
}

// GetOrCreate returns the live room, waiting on an in-flight creation when one
// exists. A missing snapshot yields a fresh room; a snapshot load failure is
// logged and also yields a fresh room so the cluster keeps serving.
func (reg *Registry) GetOrCreate(ctx context.Context, roomID string) (*Room, error) {
	for {
		reg.mu.Lock()
		if r, ok := reg.rooms[roomID]; ok {
			reg.mu.Unlock()
			return r, nil
		}
		if wait, ok := reg.pending[roomID]; ok {
			reg.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		done := make(chan struct{})
		reg.pending[roomID] = done
		reg.mu.Unlock()

		r := reg.createRoom(ctx, roomID)

		reg.mu.Lock()
		reg.rooms[roomID] = r
		delete(reg.pending, roomID)
		close(done)
		reg.mu.Unlock()
		return r, nil
	}
}

func (reg *Registry) createRoom(ctx context.Context, roomID string) *Room {
	entities, seq, tick, found, err := loadSnapshot(ctx, reg.cfg, roomID)
	if err != nil {
		reg.cfg.Logger.Printf("[registry] snapshot load failed for %s, starting fresh: %v", roomID, err)
	}
	if found {
		reg.cfg.Logger.Printf("[registry] room %s hydrated from snapshot (seq=%d tick=%d)", roomID, seq, tick)
		return newRoom(roomID, reg.cfg, entities, seq, tick)
	}
	return newRoom(roomID, reg.cfg, nil, 0, 0)
}

// Lookup returns a live room without creating one.
func (reg *Registry) Lookup(roomID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// Join attaches the session to the room, creating it if necessary.
func (reg *Registry) Join(ctx context.Context, roomID string, s *Session) (*Room, error) {
	for {
		r, err := reg.GetOrCreate(ctx, roomID)
		if err != nil {
			return nil, err
		}
		// The room may have been destroyed between creation and attach;
		// retry against a fresh instance.
		if !r.Attach(s) {
			reg.mu.Lock()
			if reg.rooms[roomID] == r {
				delete(reg.rooms, roomID)
			}
			reg.mu.Unlock()
			continue
		}
		s.SetRoomID(roomID)
		return r, nil
	}
}

// Leave detaches the session and destroys the room when it was the last one.
func (reg *Registry) Leave(ctx context.Context, s *Session) {
	roomID := s.RoomID()
	if roomID == "" {
		return
	}
	s.SetRoomID("")

	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return
	}
	if r.Detach(s) == 0 {
		reg.Destroy(ctx, roomID)
	}
}

// Destroy removes the room from the table and flushes its final snapshot.
// Marking the room closed and deleting its entry happen together under the
// registry lock, so a concurrent Join either attaches before the close (which
// aborts the destroy) or sees closed from Attach and retries against a fresh
// instance. The flush is best effort; a failure only costs the tail of the
// delta stream since the last cadence snapshot.
func (reg *Registry) Destroy(_ context.Context, roomID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if !ok {
		reg.mu.Unlock()
		return
	}
	if !r.closeIfEmpty() {
		// A session re-attached while the leave was in flight.
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, roomID)
	reg.mu.Unlock()
	if err := r.SaveSnapshot(); err != nil {
		reg.cfg.Logger.Printf("[registry] final snapshot failed for %s: %v", roomID, err)
	}
}

// SaveAllSnapshots flushes every live room with bounded parallelism. Used on
// shutdown; individual failures are logged and tolerated.
func (reg *Registry) SaveAllSnapshots(_ context.Context) {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	sem := make(chan struct{}, shutdownFlushParallelism)
	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		sem <- struct{}{}
		go func(r *Room) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.SaveSnapshot(); err != nil {
				reg.cfg.Logger.Printf("[registry] shutdown snapshot failed for %s: %v", r.ID(), err)
			}
		}(r)
	}
	wg.Wait()
}

// RegistryStats is the diagnostics view of the registry.
type RegistryStats struct {
	TotalRooms    int         `json:"totalRooms"`
	TotalSessions int         `json:"totalSessions"`
	Rooms         []RoomStats `json:"rooms"`
}

// RoomStats is one diagnostics row.
type RoomStats struct {
	RoomID   string `json:"roomId"`
	Sessions int    `json:"sessions"`
	Entities int    `json:"entities"`
	Tick     uint64 `json:"tick"`
	Seq      uint64 `json:"seq"`
}

// Stats snapshots the registry for the diagnostics endpoint.
func (reg *Registry) Stats() RegistryStats {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	stats := RegistryStats{Rooms: make([]RoomStats, 0, len(rooms))}
	for _, r := range rooms {
		row := r.Stats()
		stats.TotalRooms++
		stats.TotalSessions += row.Sessions
		stats.Rooms = append(stats.Rooms, row)
	}
	return stats
}

func loadSnapshot(ctx context.Context, cfg Config, roomID string) (map[string]delta.Entity, uint64, uint64, bool, error) {
	fields, err := cfg.Coordinator.HashGetAll(ctx, SnapshotKey(roomID))
	if err != nil {
		return nil, 0, 0, false, fmt.Errorf("load snapshot %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return nil, 0, 0, false, nil
	}

	var entities map[string]delta.Entity
	if err := json.Unmarshal([]byte(fields["data"]), &entities); err != nil {
		return nil, 0, 0, false, fmt.Errorf("parse snapshot data for %s: %w", roomID, err)
	}
	seq, err := strconv.ParseUint(fields["seq"], 10, 64)
	if err != nil {
		return nil, 0, 0, false, fmt.Errorf("parse snapshot seq for %s: %w", roomID, err)
	}
	tick, err := strconv.ParseUint(fields["tick"], 10, 64)
	if err != nil {
		return nil, 0, 0, false, fmt.Errorf("parse snapshot tick for %s: %w", roomID, err)
	}
	return entities, seq, tick, true, nil
}
