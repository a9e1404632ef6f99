package websocket

import (
	"encoding/json"
	"sync"

	"collab-relay/core"

	"github.com/sirupsen/logrus"
)

const (
	maxLogFrames = 1024
	maxLogBytes  = 32 << 20
)

// updateLog is the default document handle. The merge engine lives in the clients,
// so the relay only keeps the most recent frames it has seen and replays them to
// late joiners. Once the log exceeds its frame or byte limit the oldest frames are
// dropped; the newest frame is always kept.
type updateLog struct {
	roomID    string
	maxFrames int
	maxBytes  int

	mu      sync.RWMutex
	updates [][]byte
	size    int
	dropped int
}

// NewUpdateLog is a core.DocumentFactory. The log holds no materialized state, so
// Lookup never finds a value and node detail replies carry found=false until a
// real engine adapter is supplied as the factory.
func NewUpdateLog(roomID string) core.Document {
	return newUpdateLog(roomID, maxLogFrames, maxLogBytes)
}

func newUpdateLog(roomID string, maxFrames, maxBytes int) *updateLog {
	return &updateLog{
		roomID:    roomID,
		maxFrames: maxFrames,
		maxBytes:  maxBytes,
		updates:   make([][]byte, 0),
	}
}

func (d *updateLog) ApplyUpdate(update []byte) {
	stored := make([]byte, len(update))
	copy(stored, update)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.updates = append(d.updates, stored)
	d.size += len(stored)

	n := 0
	for len(d.updates)-n > 1 && (len(d.updates)-n > d.maxFrames || d.size > d.maxBytes) {
		d.size -= len(d.updates[n])
		d.updates[n] = nil
		n++
	}
	if n > 0 {
		d.updates = append(d.updates[:0:0], d.updates[n:]...)
		d.dropped += n
		logrus.WithFields(logrus.Fields{
			"room_id":       d.roomID,
			"dropped":       n,
			"total_dropped": d.dropped,
		}).Debug("update log truncated")
	}
}

func (d *updateLog) Updates() [][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	updates := make([][]byte, len(d.updates))
	copy(updates, d.updates)
	return updates
}

func (d *updateLog) Lookup(key string) (json.RawMessage, bool) {
	return nil, false
}
