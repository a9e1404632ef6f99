package writeback

import (
	"sort"
	"sync"

	"collab-relay/core"
)

type pendingEntry struct {
	position core.PendingPosition
	seq      uint64
}

// Batch is a drained snapshot of one room's pending positions. It remembers which
// version of every entry it holds so Clear never drops a newer write.
type Batch struct {
	RoomID  string
	Entries []core.PendingPosition
	seqs    map[string]uint64
}

func (b Batch) Len() int { return len(b.Entries) }

// PendingStore coalesces position updates per room and node. Only the latest
// value for a node is kept.
type PendingStore struct {
	mu    sync.Mutex
	seq   uint64
	rooms map[string]map[string]pendingEntry
}

func NewPendingStore() *PendingStore {
	return &PendingStore{rooms: make(map[string]map[string]pendingEntry)}
}

// Record overwrites whatever is pending for entry.NodeID in roomID.
func (s *PendingStore) Record(roomID string, entry core.PendingPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		room = make(map[string]pendingEntry)
		s.rooms[roomID] = room
	}
	s.seq++
	room[entry.NodeID] = pendingEntry{position: entry, seq: s.seq}
}

// Drain returns everything pending for roomID without removing it.
func (s *PendingStore) Drain(roomID string) Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[roomID]
	batch := Batch{
		RoomID:  roomID,
		Entries: make([]core.PendingPosition, 0, len(room)),
		seqs:    make(map[string]uint64, len(room)),
	}
	for nodeID, e := range room {
		batch.Entries = append(batch.Entries, e.position)
		batch.seqs[nodeID] = e.seq
	}
	sort.Slice(batch.Entries, func(i, j int) bool {
		return batch.Entries[i].NodeID < batch.Entries[j].NodeID
	})
	return batch
}

// Clear removes the entries of a persisted batch. An entry recorded again after
// the drain is kept for the next flush.
func (s *PendingStore) Clear(roomID string, batch Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return
	}
	for nodeID, seq := range batch.seqs {
		if e, ok := room[nodeID]; ok && e.seq == seq {
			delete(room, nodeID)
		}
	}
	if len(room) == 0 {
		delete(s.rooms, roomID)
	}
}

// ClearAll discards everything pending for roomID.
func (s *PendingStore) ClearAll(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func (s *PendingStore) Get(roomID, nodeID string) (core.PendingPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rooms[roomID][nodeID]
	return e.position, ok
}

func (s *PendingStore) Len(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[roomID])
}

// Rooms lists the rooms that have something pending.
func (s *PendingStore) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}
