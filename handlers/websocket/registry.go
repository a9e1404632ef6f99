package websocket

import (
	"sort"
	"sync"
	"time"

	"collab-relay/core"
	"collab-relay/metrics"

	"github.com/sirupsen/logrus"
)

// Peer is a connection as seen by the registry.
type Peer interface {
	ID() string
	// Send queues a frame without blocking; it fails when the peer is not writable.
	Send(frame Frame) error
	Close()
}

type room struct {
	id  string
	doc core.Document

	mu         sync.Mutex
	peers      map[Peer]struct{}
	emptySince time.Time
}

// Registry maps room ids to their live peers and document handle.
type Registry struct {
	newDocument core.DocumentFactory
	metrics     *metrics.Metrics
	now         func() time.Time

	mu    sync.RWMutex
	rooms map[string]*room
}

func NewRegistry(newDocument core.DocumentFactory, m *metrics.Metrics) *Registry {
	if newDocument == nil {
		newDocument = NewUpdateLog
	}
	return &Registry{
		newDocument: newDocument,
		metrics:     m,
		now:         time.Now,
		rooms:       make(map[string]*room),
	}
}

// Join adds p to roomID, creating the room on first use, and returns the room's document.
func (r *Registry) Join(p Peer, roomID string) core.Document {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:    roomID,
			doc:   r.newDocument(roomID),
			peers: make(map[Peer]struct{}),
		}
		r.rooms[roomID] = rm
		r.metrics.RoomCreated()
		logrus.WithField("room_id", roomID).Info("room created")
	}

	rm.mu.Lock()
	rm.peers[p] = struct{}{}
	rm.emptySince = time.Time{}
	rm.mu.Unlock()

	return rm.doc
}

// Leave removes p from roomID. The room itself stays until EvictIdle drops it.
func (r *Registry) Leave(p Peer, roomID string) {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.peers, p)
	if len(rm.peers) == 0 {
		rm.emptySince = r.now()
	}
	rm.mu.Unlock()
}

// Broadcast queues frame on every peer of roomID except excluding. A peer that
// is not writable is skipped and does not affect delivery to the others.
// It returns the number of peers the frame was queued for.
func (r *Registry) Broadcast(roomID string, frame Frame, excluding Peer) int {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delivered := 0
	for p := range rm.peers {
		if p == excluding {
			continue
		}
		if err := p.Send(frame); err != nil {
			r.metrics.BroadcastSkipped()
			logrus.WithFields(logrus.Fields{
				"room_id": roomID,
				"conn_id": p.ID(),
			}).WithError(err).Debug("skipping peer during broadcast")
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll closes every live peer of every room. Rooms stay registered; peers
// leave them as their connections wind down.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	closed := 0
	for _, rm := range r.rooms {
		rm.mu.Lock()
		for p := range rm.peers {
			p.Close()
			closed++
		}
		rm.mu.Unlock()
	}
	return closed
}

// Document returns the document handle of roomID, or nil if the room does not exist.
// It is for inspection only.
func (r *Registry) Document(roomID string) core.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rm, ok := r.rooms[roomID]; ok {
		return rm.doc
	}
	return nil
}

// Snapshot returns the number of live peers per room.
func (r *Registry) Snapshot() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.rooms))
	for id, rm := range r.rooms {
		rm.mu.Lock()
		counts[id] = len(rm.peers)
		rm.mu.Unlock()
	}
	return counts
}

// EvictIdle drops rooms that have had no peers for at least grace.
func (r *Registry) EvictIdle(now time.Time, grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, rm := range r.rooms {
		rm.mu.Lock()
		idle := len(rm.peers) == 0 && !rm.emptySince.IsZero() && now.Sub(rm.emptySince) >= grace
		rm.mu.Unlock()
		if idle {
			delete(r.rooms, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)

	if len(evicted) > 0 {
		r.metrics.RoomsEvicted(len(evicted))
		logrus.WithField("rooms", evicted).Info("evicted idle rooms")
	}
	return evicted
}
