package room

import (
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kasagi-engine/server/internal/coord"
	"kasagi-engine/server/internal/delta"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	types  []int
	fail   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return websocket.ErrCloseSent
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	c.types = append(c.types, messageType)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) frame(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

func testConfig(mem *coord.Memory, instanceID string) Config {
	return Config{
		InstanceID:  instanceID,
		Coordinator: mem,
		Logger:      log.New(testWriter{}, "", 0),
	}
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// drainPublished collects every delta published on the room's channel.
func drainPublished(t *testing.T, mem *coord.Memory, sub coord.Subscription) []delta.FullDelta {
	t.Helper()
	var out []delta.FullDelta
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return out
			}
			fd, err := delta.DecodeTransport(msg.Payload)
			if err != nil {
				t.Fatalf("published payload did not decode: %v", err)
			}
			out = append(out, fd)
		default:
			return out
		}
	}
}

func TestApplyInputSingleClientRoundTrip(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 0, 0)

	sub, err := mem.PSubscribe(context.Background(), "room:*:channel")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	conn := &fakeConn{}
	session := NewSession("s1", conn)
	if !r.Attach(session) {
		t.Fatalf("attach to fresh room failed")
	}

	d, err := r.ApplyInput(context.Background(), Input{
		PlayerID: "p1",
		Payload:  map[string]any{"x": 10.0, "y": 12.0},
	})
	if err != nil {
		t.Fatalf("apply input failed: %v", err)
	}

	if r.Seq() != 1 || r.Tick() != 1 {
		t.Fatalf("expected seq=1 tick=1, got seq=%d tick=%d", r.Seq(), r.Tick())
	}

	change := d["p1"]
	if change == nil {
		t.Fatalf("expected delta for p1, got %v", d)
	}
	if !delta.Equal(change["x"], 10.0) || !delta.Equal(change["y"], 12.0) {
		t.Fatalf("unexpected delta fields: %v", change)
	}
	if _, ok := change["lastUpdate"]; !ok {
		t.Fatalf("expected lastUpdate stamp in delta: %v", change)
	}

	if conn.frameCount() != 1 {
		t.Fatalf("expected one broadcast frame, got %d", conn.frameCount())
	}
	roomID, tick, seq, frameDelta, err := DecodeDeltaFrame(conn.frame(0))
	if err != nil {
		t.Fatalf("broadcast frame did not decode: %v", err)
	}
	if roomID != "r1" || tick != 1 || seq != 1 {
		t.Fatalf("unexpected frame metadata: room=%s tick=%d seq=%d", roomID, tick, seq)
	}
	if frameDelta["p1"] == nil {
		t.Fatalf("broadcast frame missing p1 delta: %v", frameDelta)
	}

	published := drainPublished(t, mem, sub)
	if len(published) != 1 {
		t.Fatalf("expected one published delta, got %d", len(published))
	}
	fd := published[0]
	if fd.RoomID != "r1" || fd.Seq != 1 || fd.Tick != 1 || fd.InstanceID != "A" {
		t.Fatalf("unexpected published metadata: %+v", fd)
	}
}

func TestApplyInputEmitsMinimalDelta(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 0, 0)
	ctx := context.Background()

	if _, err := r.ApplyInput(ctx, Input{PlayerID: "p1", Payload: map[string]any{"x": 10.0, "y": 12.0}}); err != nil {
		t.Fatalf("first input failed: %v", err)
	}
	d, err := r.ApplyInput(ctx, Input{PlayerID: "p1", Payload: map[string]any{"x": 11.0}})
	if err != nil {
		t.Fatalf("second input failed: %v", err)
	}

	change := d["p1"]
	if len(change) != 2 {
		t.Fatalf("expected x and lastUpdate only, got %v", change)
	}
	if !delta.Equal(change["x"], 11.0) {
		t.Fatalf("expected x=11, got %v", change["x"])
	}
	if _, ok := change["y"]; ok {
		t.Fatalf("unchanged y leaked into delta: %v", change)
	}
	if r.Seq() != 2 || r.Tick() != 2 {
		t.Fatalf("expected seq=2 tick=2, got seq=%d tick=%d", r.Seq(), r.Tick())
	}
}

func TestApplyInputUnchangedPayloadSkipsFields(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 0, 0)
	ctx := context.Background()

	if _, err := r.ApplyInput(ctx, Input{PlayerID: "p1", Payload: map[string]any{"x": 10.0}}); err != nil {
		t.Fatalf("first input failed: %v", err)
	}
	d, err := r.ApplyInput(ctx, Input{PlayerID: "p1", Payload: map[string]any{"x": 10.0}})
	if err != nil {
		t.Fatalf("second input failed: %v", err)
	}
	change := d["p1"]
	if _, ok := change["x"]; ok {
		t.Fatalf("unchanged x should not be in delta: %v", change)
	}
	if _, ok := change["lastUpdate"]; !ok {
		t.Fatalf("lastUpdate should always refresh: %v", change)
	}
}

func TestApplyInputNilPayloadValueRemovesField(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 0, 0)
	ctx := context.Background()

	if _, err := r.ApplyInput(ctx, Input{PlayerID: "p1", Payload: map[string]any{"x": 10.0, "y": 12.0}}); err != nil {
		t.Fatalf("first input failed: %v", err)
	}
	d, err := r.ApplyInput(ctx, Input{PlayerID: "p1", Payload: map[string]any{"y": nil}})
	if err != nil {
		t.Fatalf("second input failed: %v", err)
	}
	if value, ok := d["p1"]["y"]; !ok || value != nil {
		t.Fatalf("expected y removal in delta, got %v", d["p1"])
	}

	frame, err := r.SnapshotFrame()
	if err != nil {
		t.Fatalf("snapshot frame failed: %v", err)
	}
	_, entities, _, _, err := DecodeSnapshotFrame(frame)
	if err != nil {
		t.Fatalf("snapshot frame did not decode: %v", err)
	}
	if _, ok := entities["p1"]["y"]; ok {
		t.Fatalf("y still present after removal: %v", entities["p1"])
	}
}

func TestApplyInputRespectsEntityCap(t *testing.T) {
	mem := coord.NewMemory()
	cfg := testConfig(mem, "A")
	cfg.MaxEntities = 2
	r := newRoom("r1", cfg, nil, 0, 0)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		if _, err := r.ApplyInput(ctx, Input{PlayerID: id, Payload: map[string]any{"x": 1.0}}); err != nil {
			t.Fatalf("input for %s failed: %v", id, err)
		}
	}
	if _, err := r.ApplyInput(ctx, Input{PlayerID: "p3", Payload: map[string]any{"x": 1.0}}); err != ErrRoomFull {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	// Existing entities still accept input at the cap.
	if _, err := r.ApplyInput(ctx, Input{PlayerID: "p1", Payload: map[string]any{"x": 2.0}}); err != nil {
		t.Fatalf("input for existing entity failed at cap: %v", err)
	}
}

func TestApplyRemoteDeltaAcceptance(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 5, 5)

	base := delta.FullDelta{
		RoomID:     "r1",
		Delta:      delta.EntityDelta{"p2": {"x": 3.0}},
		Tick:       9,
		Timestamp:  time.Now().UnixMilli(),
		InstanceID: "B",
	}

	// Stale: seq below local.
	stale := base
	stale.Seq = 4
	if r.ApplyRemoteDelta(stale) {
		t.Fatalf("expected rejection of stale seq 4")
	}
	// Duplicate: seq equal to local.
	dup := base
	dup.Seq = 5
	if r.ApplyRemoteDelta(dup) {
		t.Fatalf("expected rejection of duplicate seq 5")
	}
	// Own echo.
	echo := base
	echo.Seq = 6
	echo.InstanceID = "A"
	if r.ApplyRemoteDelta(echo) {
		t.Fatalf("expected rejection of own echo")
	}
	if r.Seq() != 5 || r.Tick() != 5 || r.HasEntity("p2") {
		t.Fatalf("rejected deltas mutated state: seq=%d tick=%d", r.Seq(), r.Tick())
	}

	accepted := base
	accepted.Seq = 6
	if !r.ApplyRemoteDelta(accepted) {
		t.Fatalf("expected acceptance of seq 6")
	}
	if r.Seq() != 6 {
		t.Fatalf("expected seq to adopt remote value 6, got %d", r.Seq())
	}
	if r.Tick() != 9 {
		t.Fatalf("expected tick fast-forward to 9, got %d", r.Tick())
	}
	if !r.HasEntity("p2") {
		t.Fatalf("remote entity was not merged")
	}
}

func TestApplyRemoteDeltaKeepsHigherLocalTick(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 5, 20)

	fd := delta.FullDelta{
		RoomID:     "r1",
		Delta:      delta.EntityDelta{"p2": {"x": 1.0}},
		Tick:       10,
		Seq:        6,
		InstanceID: "B",
	}
	if !r.ApplyRemoteDelta(fd) {
		t.Fatalf("expected acceptance")
	}
	if r.Tick() != 20 {
		t.Fatalf("remote tick lower than local must not rewind: got %d", r.Tick())
	}
}

func TestApplyRemoteDeltaNeverPublishes(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 0, 0)

	sub, err := mem.PSubscribe(context.Background(), "room:*:channel")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	conn := &fakeConn{}
	session := NewSession("s1", conn)
	r.Attach(session)

	fd := delta.FullDelta{
		RoomID:     "r1",
		Delta:      delta.EntityDelta{"p2": {"x": 1.0}},
		Tick:       1,
		Seq:        1,
		InstanceID: "B",
	}
	if !r.ApplyRemoteDelta(fd) {
		t.Fatalf("expected acceptance")
	}

	if got := drainPublished(t, mem, sub); len(got) != 0 {
		t.Fatalf("remote apply must not publish, got %d messages", len(got))
	}
	if conn.frameCount() != 1 {
		t.Fatalf("remote apply must broadcast locally, got %d frames", conn.frameCount())
	}
}

func TestRemoveEntityEmitsRemovalDelta(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 0, 0)
	ctx := context.Background()

	sub, err := mem.PSubscribe(ctx, "room:*:channel")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := r.ApplyInput(ctx, Input{PlayerID: "p1", Payload: map[string]any{"x": 1.0}}); err != nil {
		t.Fatalf("input failed: %v", err)
	}

	d, err := r.RemoveEntity(ctx, "p1")
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if change, ok := d["p1"]; !ok || change != nil {
		t.Fatalf("expected {p1: nil} delta, got %v", d)
	}
	if r.HasEntity("p1") {
		t.Fatalf("entity still present after removal")
	}
	if r.Seq() != 2 || r.Tick() != 2 {
		t.Fatalf("expected seq=2 tick=2 after removal, got seq=%d tick=%d", r.Seq(), r.Tick())
	}

	published := drainPublished(t, mem, sub)
	if len(published) != 2 {
		t.Fatalf("expected input and removal publishes, got %d", len(published))
	}
	removal := published[1]
	if change, ok := removal.Delta["p1"]; !ok || change != nil {
		t.Fatalf("published removal mismatch: %v", removal.Delta)
	}
}

func TestRemoveAbsentEntityIsNoOp(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 3, 3)

	d, err := r.RemoveEntity(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if !delta.IsEmpty(d) {
		t.Fatalf("expected empty delta, got %v", d)
	}
	if r.Seq() != 3 || r.Tick() != 3 {
		t.Fatalf("no-op removal bumped counters: seq=%d tick=%d", r.Seq(), r.Tick())
	}
}

func TestEmittedSeqValuesHaveNoGaps(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 0, 0)
	ctx := context.Background()

	sub, err := mem.PSubscribe(ctx, "room:*:channel")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := r.ApplyInput(ctx, Input{PlayerID: "p1", Payload: map[string]any{"x": float64(i)}}); err != nil {
			t.Fatalf("input %d failed: %v", i, err)
		}
	}
	if _, err := r.RemoveEntity(ctx, "p1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	published := drainPublished(t, mem, sub)
	if len(published) != 6 {
		t.Fatalf("expected 6 published deltas, got %d", len(published))
	}
	for i, fd := range published {
		if fd.Seq != uint64(i+1) {
			t.Fatalf("seq gap at position %d: got %d want %d", i, fd.Seq, i+1)
		}
	}
}

func TestSnapshotFrameReflectsState(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r2", testConfig(mem, "A"), map[string]delta.Entity{
		"p1": {"x": 5.0},
	}, 100, 100)

	frame, err := r.SnapshotFrame()
	if err != nil {
		t.Fatalf("snapshot frame failed: %v", err)
	}
	roomID, entities, tick, seq, err := DecodeSnapshotFrame(frame)
	if err != nil {
		t.Fatalf("snapshot frame did not decode: %v", err)
	}
	if roomID != "r2" || tick != 100 || seq != 100 {
		t.Fatalf("unexpected snapshot metadata: room=%s tick=%d seq=%d", roomID, tick, seq)
	}
	if !delta.Equal(entities["p1"]["x"], 5.0) {
		t.Fatalf("unexpected snapshot entities: %v", entities)
	}
}

func TestSnapshotCadencePersists(t *testing.T) {
	mem := coord.NewMemory()
	cfg := testConfig(mem, "A")
	cfg.SnapshotInterval = 3
	r := newRoom("r1", cfg, nil, 0, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.ApplyInput(ctx, Input{PlayerID: "p1", Payload: map[string]any{"x": float64(i)}}); err != nil {
			t.Fatalf("input %d failed: %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for {
		fields, err := mem.HashGetAll(ctx, SnapshotKey("r1"))
		if err != nil {
			t.Fatalf("hash read failed: %v", err)
		}
		if len(fields) > 0 {
			if fields["seq"] != "3" || fields["tick"] != "3" {
				t.Fatalf("unexpected snapshot fields: %v", fields)
			}
			if fields["instanceId"] != "A" {
				t.Fatalf("snapshot missing instance id: %v", fields)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastSurvivesFailingSession(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 0, 0)

	broken := NewSession("bad", &fakeConn{fail: true})
	healthy := &fakeConn{}
	r.Attach(broken)
	r.Attach(NewSession("good", healthy))

	if _, err := r.ApplyInput(context.Background(), Input{PlayerID: "p1", Payload: map[string]any{"x": 1.0}}); err != nil {
		t.Fatalf("input failed: %v", err)
	}
	if healthy.frameCount() != 1 {
		t.Fatalf("healthy session missed broadcast after peer failure")
	}
}

func TestClosedRoomRejectsOperations(t *testing.T) {
	mem := coord.NewMemory()
	r := newRoom("r1", testConfig(mem, "A"), nil, 0, 0)
	if err := r.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, err := r.ApplyInput(context.Background(), Input{PlayerID: "p1", Payload: map[string]any{"x": 1.0}}); err != ErrRoomClosed {
		t.Fatalf("expected ErrRoomClosed, got %v", err)
	}
	if r.ApplyRemoteDelta(delta.FullDelta{RoomID: "r1", Seq: 1, InstanceID: "B"}) {
		t.Fatalf("closed room accepted a remote delta")
	}
	if r.Attach(NewSession("s1", &fakeConn{})) {
		t.Fatalf("closed room accepted a session")
	}
}
