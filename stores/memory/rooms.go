package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"collab-relay/core"

	"github.com/sirupsen/logrus"
)

// roomStore keeps the last activity of each room in process memory. It is lost
// on restart.
type roomStore struct {
	mu       sync.RWMutex
	activity map[string]time.Time
	now      func() time.Time
}

func NewRoomStore() core.RoomRegistry {
	return &roomStore{
		activity: make(map[string]time.Time),
		now:      time.Now,
	}
}

// TouchRoom marks roomID active now. A clock that steps back never moves a
// room's activity backwards.
func (s *roomStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	at := s.now()

	s.mu.Lock()
	if prev, ok := s.activity[roomID]; !ok || at.After(prev) {
		s.activity[roomID] = at
	}
	s.mu.Unlock()

	logrus.WithField("room_id", roomID).Debug("Room activity recorded")
	return nil
}

// ListRooms returns every known room, most recently active first.
func (s *roomStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	rooms := make([]core.Room, 0, len(s.activity))
	for id, at := range s.activity {
		rooms = append(rooms, core.Room{ID: id, LastActive: at.UnixMilli()})
	}
	s.mu.RUnlock()

	slices.SortFunc(rooms, byRecentActivity)
	return rooms, nil
}

func byRecentActivity(a, b core.Room) int {
	if c := cmp.Compare(b.LastActive, a.LastActive); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (s *roomStore) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activity[roomID]; !ok {
		return fmt.Errorf("room with id %s not found", roomID)
	}
	delete(s.activity, roomID)
	return nil
}

func (s *roomStore) Close() error {
	return nil
}
