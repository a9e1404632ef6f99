package rooms

import (
	"net/http"
	"sort"

	"collab-relay/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	// LiveRooms reports the number of connected peers per room.
	LiveRooms interface {
		Snapshot() map[string]int
	}

	PendingCounter interface {
		Rooms() []string
		Len(roomID string) int
	}

	// PendingPurger discards unsent positions of a room.
	PendingPurger interface {
		ClearAll(roomID string)
	}

	PendingStore interface {
		PendingCounter
		PendingPurger
	}

	RoomResponse struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		Pending    int    `json:"pending"`
		LastActive *int64 `json:"lastActive,omitempty"`
	}
)

// HandleList merges live rooms, rooms with unsent positions and the activity
// history into one list, busiest first.
func HandleList(live LiveRooms, pending PendingCounter, activity core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*RoomResponse)
		entry := func(id string) *RoomResponse {
			e, ok := roomMap[id]
			if !ok {
				e = &RoomResponse{ID: id}
				roomMap[id] = e
			}
			return e
		}

		for id, count := range live.Snapshot() {
			entry(id).Users = count
		}
		for _, id := range pending.Rooms() {
			entry(id).Pending = pending.Len(id)
		}

		if activity != nil {
			if storedRooms, err := activity.ListRooms(r.Context()); err != nil {
				logrus.WithError(err).Warn("failed to list rooms from registry")
			} else {
				for _, room := range storedRooms {
					e := entry(room.ID)
					if room.LastActive > 0 {
						lastActive := room.LastActive
						e.LastActive = &lastActive
					}
				}
			}
		}

		roomList := make([]RoomResponse, 0, len(roomMap))
		for _, e := range roomMap {
			roomList = append(roomList, *e)
		}

		sort.Slice(roomList, func(i, j int) bool {
			if roomList[i].Users != roomList[j].Users {
				return roomList[i].Users > roomList[j].Users
			}
			li, lj := lastActive(roomList[i]), lastActive(roomList[j])
			if li != lj {
				return li > lj
			}
			return roomList[i].ID < roomList[j].ID
		})

		render.JSON(w, r, roomList)
	}
}

func lastActive(r RoomResponse) int64 {
	if r.LastActive == nil {
		return 0
	}
	return *r.LastActive
}

// HandleDelete forgets the activity record of a room. With ?purge=true the room's
// unsent positions are discarded as well; live peers are never affected.
func HandleDelete(activity core.RoomRegistry, pending PendingPurger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		log := logrus.WithField("room_id", roomID)

		purge := r.URL.Query().Get("purge") == "true"
		if purge && pending != nil {
			pending.ClearAll(roomID)
			log.Info("Pending positions discarded")
		}

		if activity == nil {
			if purge {
				render.NoContent(w, r)
				return
			}
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}

		if err := activity.DeleteRoom(r.Context(), roomID); err != nil {
			if purge {
				log.WithField("error", err).Debug("No activity record to delete")
				render.NoContent(w, r)
				return
			}
			log.WithField("error", err).Warn("Failed to delete room")
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}

		log.Info("Room activity deleted")
		render.NoContent(w, r)
	}
}

// Routes mounts the room API on r.
func Routes(r chi.Router, live LiveRooms, pending PendingStore, activity core.RoomRegistry) {
	r.Get("/", HandleList(live, pending, activity))
	r.Delete("/{roomId}", HandleDelete(activity, pending))
}
