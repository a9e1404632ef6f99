package websocket

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"collab-relay/core"

	"github.com/gorilla/websocket"
)

// fakePeer records frames; Send fails while broken is set.
type fakePeer struct {
	id     string
	mu     sync.Mutex
	frames []Frame
	broken bool
	closed bool
}

func newFakePeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(frame Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken {
		return ErrConnClosed
	}
	p.frames = append(p.frames, frame)
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.broken = true
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) Frames() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Frame(nil), p.frames...)
}

// fakeDocument is a document with materialized values for lookup tests.
type fakeDocument struct {
	updateLog
	values map[string]json.RawMessage
}

func (d *fakeDocument) Lookup(key string) (json.RawMessage, bool) {
	v, ok := d.values[key]
	return v, ok
}

func binary(data string) Frame {
	return Frame{Type: websocket.BinaryMessage, Data: []byte(data)}
}

func TestRegistry_BroadcastExcludesSenderAndSkipsBrokenPeers(t *testing.T) {
	reg := NewRegistry(nil, nil)
	a, b, c := newFakePeer("a"), newFakePeer("b"), newFakePeer("c")
	reg.Join(a, "room")
	reg.Join(b, "room")
	reg.Join(c, "room")
	c.broken = true

	delivered := reg.Broadcast("room", binary("update"), b)

	if delivered != 1 {
		t.Errorf("Broadcast() delivered to %d peers, want 1", delivered)
	}
	if got := a.Frames(); len(got) != 1 || string(got[0].Data) != "update" {
		t.Errorf("peer a frames = %v, want one update", got)
	}
	if got := b.Frames(); len(got) != 0 {
		t.Errorf("excluded peer b received %d frames", len(got))
	}
	if got := c.Frames(); len(got) != 0 {
		t.Errorf("broken peer c received %d frames", len(got))
	}
}

func TestRegistry_BroadcastPreservesOrderPerPeer(t *testing.T) {
	reg := NewRegistry(nil, nil)
	sender, receiver := newFakePeer("s"), newFakePeer("r")
	reg.Join(sender, "room")
	reg.Join(receiver, "room")

	for i := 0; i < 50; i++ {
		reg.Broadcast("room", binary(string(rune('A'+i))), sender)
	}

	frames := receiver.Frames()
	if len(frames) != 50 {
		t.Fatalf("received %d frames, want 50", len(frames))
	}
	for i, f := range frames {
		if string(f.Data) != string(rune('A'+i)) {
			t.Fatalf("frame %d = %q, out of order", i, f.Data)
		}
	}
}

func TestRegistry_RoomsAreIsolated(t *testing.T) {
	reg := NewRegistry(nil, nil)
	a, b := newFakePeer("a"), newFakePeer("b")
	reg.Join(a, "one")
	reg.Join(b, "two")

	reg.Broadcast("one", binary("x"), nil)

	if len(a.Frames()) != 1 {
		t.Errorf("peer in room one got %d frames, want 1", len(a.Frames()))
	}
	if len(b.Frames()) != 0 {
		t.Errorf("peer in room two got %d frames, want 0", len(b.Frames()))
	}
	if reg.Broadcast("missing", binary("x"), nil) != 0 {
		t.Error("Broadcast() to unknown room delivered frames")
	}
}

func TestRegistry_JoinCreatesDocumentOnce(t *testing.T) {
	created := 0
	reg := NewRegistry(func(roomID string) core.Document {
		created++
		return NewUpdateLog(roomID)
	}, nil)

	first := reg.Join(newFakePeer("a"), "room")
	second := reg.Join(newFakePeer("b"), "room")

	if created != 1 {
		t.Errorf("document factory called %d times, want 1", created)
	}
	if first != second || reg.Document("room") != first {
		t.Error("peers of one room must share one document")
	}
	if reg.Document("missing") != nil {
		t.Error("Document() of unknown room should be nil")
	}
}

func TestRegistry_LeaveKeepsRoomUntilEvicted(t *testing.T) {
	reg := NewRegistry(nil, nil)
	now := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return now }

	a := newFakePeer("a")
	reg.Join(a, "room")
	reg.Join(newFakePeer("b"), "busy")
	reg.Leave(a, "room")

	if count, ok := reg.Snapshot()["room"]; !ok || count != 0 {
		t.Fatalf("Snapshot()[room] = %d, %v; want 0, true", count, ok)
	}

	if evicted := reg.EvictIdle(now.Add(time.Minute), 5*time.Minute); len(evicted) != 0 {
		t.Errorf("EvictIdle() before grace evicted %v", evicted)
	}

	evicted := reg.EvictIdle(now.Add(5*time.Minute), 5*time.Minute)
	if len(evicted) != 1 || evicted[0] != "room" {
		t.Errorf("EvictIdle() = %v, want [room]", evicted)
	}
	if reg.Document("room") != nil {
		t.Error("evicted room still has a document")
	}
	if reg.Document("busy") == nil {
		t.Error("room with peers must never be evicted")
	}
}

func TestRegistry_RejoinClearsIdleMark(t *testing.T) {
	reg := NewRegistry(nil, nil)
	now := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return now }

	a := newFakePeer("a")
	reg.Join(a, "room")
	reg.Leave(a, "room")
	reg.Join(newFakePeer("b"), "room")

	if evicted := reg.EvictIdle(now.Add(time.Hour), time.Minute); len(evicted) != 0 {
		t.Errorf("EvictIdle() evicted a room that was rejoined: %v", evicted)
	}
}

func TestRegistry_LeaveUnknownRoom(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Leave(newFakePeer("a"), "missing")

	if len(reg.Snapshot()) != 0 {
		t.Error("Leave() on unknown room created a room")
	}
}

func TestRegistry_CloseAllClosesEveryPeer(t *testing.T) {
	reg := NewRegistry(nil, nil)
	a, b, c := newFakePeer("a"), newFakePeer("b"), newFakePeer("c")
	reg.Join(a, "room-1")
	reg.Join(b, "room-1")
	reg.Join(c, "room-2")

	if got := reg.CloseAll(); got != 3 {
		t.Errorf("CloseAll() = %d, want 3", got)
	}
	for _, p := range []*fakePeer{a, b, c} {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			t.Errorf("peer %s was not closed", p.id)
		}
	}
}

func TestUpdateLog(t *testing.T) {
	doc := NewUpdateLog("room")
	update := []byte{1, 2, 3}
	doc.ApplyUpdate(update)
	update[0] = 9

	updates := doc.Updates()
	if len(updates) != 1 || updates[0][0] != 1 {
		t.Errorf("Updates() = %v, want the stored copy [[1 2 3]]", updates)
	}
	if _, ok := doc.Lookup("anything"); ok {
		t.Error("update log has no materialized values")
	}
}

func TestUpdateLog_DropsOldestBeyondFrameLimit(t *testing.T) {
	doc := newUpdateLog("room", 3, 1<<20)
	for i := byte(0); i < 5; i++ {
		doc.ApplyUpdate([]byte{i})
	}

	updates := doc.Updates()
	if len(updates) != 3 {
		t.Fatalf("Updates() has %d frames, want 3", len(updates))
	}
	for i, want := range []byte{2, 3, 4} {
		if updates[i][0] != want {
			t.Errorf("Updates()[%d] = %v, want [%d]", i, updates[i], want)
		}
	}
	if doc.dropped != 2 {
		t.Errorf("dropped = %d, want 2", doc.dropped)
	}
}

func TestUpdateLog_DropsOldestBeyondByteLimit(t *testing.T) {
	doc := newUpdateLog("room", 100, 10)
	doc.ApplyUpdate(make([]byte, 4))
	doc.ApplyUpdate(make([]byte, 4))
	doc.ApplyUpdate(make([]byte, 4))

	if got := len(doc.Updates()); got != 2 {
		t.Errorf("Updates() has %d frames, want 2", got)
	}
	if doc.size != 8 {
		t.Errorf("size = %d, want 8", doc.size)
	}

	doc.ApplyUpdate(make([]byte, 50))
	updates := doc.Updates()
	if len(updates) != 1 || len(updates[0]) != 50 {
		t.Errorf("oversized newest frame must be kept alone, got %d frames", len(updates))
	}
}
