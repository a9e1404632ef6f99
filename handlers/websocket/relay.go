package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"collab-relay/core"
	"collab-relay/metrics"
	"collab-relay/writeback"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultRoom is used when a connection's path names no room.
const DefaultRoom = "default"

type (
	// Scheduler arms the debounced write-back of a room.
	Scheduler interface {
		Schedule(roomID string)
	}

	// Deleter forwards delete requests to the backend.
	Deleter interface {
		DeleteNode(ctx context.Context, nodeID string) bool
		DeleteCandidate(ctx context.Context, candidateID string) bool
	}
)

// Server accepts websocket connections and relays frames between the peers of a room.
type Server struct {
	registry  *Registry
	pending   *writeback.PendingStore
	scheduler Scheduler
	deleter   Deleter
	activity  core.RoomRegistry
	metrics   *metrics.Metrics

	deleteTimeout time.Duration
	upgrader      websocket.Upgrader

	mu      sync.Mutex
	closing bool
	active  sync.WaitGroup
}

type ServerOption func(*Server)

// WithActivity records every join in the room activity store.
func WithActivity(activity core.RoomRegistry) ServerOption {
	return func(s *Server) {
		s.activity = activity
	}
}

func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithCheckOrigin sets the origin policy of the upgrader.
func WithCheckOrigin(allow func(r *http.Request, origin string) bool) ServerOption {
	return func(s *Server) {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allow(r, origin)
		}
	}
}

func WithDeleteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.deleteTimeout = d
	}
}

func NewServer(registry *Registry, pending *writeback.PendingStore, scheduler Scheduler, deleter Deleter, opts ...ServerOption) *Server {
	s := &Server{
		registry:      registry,
		pending:       pending,
		scheduler:     scheduler,
		deleter:       deleter,
		deleteTimeout: 10 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RoomFromPath derives the room id from a request path.
func RoomFromPath(path string) string {
	roomID := strings.TrimPrefix(path, "/")
	if roomID == "" {
		return DefaultRoom
	}
	return roomID
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := RoomFromPath(r.URL.Path)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("websocket upgrade failed")
		return
	}

	conn := newConn(ws, roomID)
	log := logrus.WithFields(logrus.Fields{"room_id": roomID, "conn_id": conn.ID()})

	doc := s.registry.Join(conn, roomID)
	s.mu.Lock()
	if s.closing {
		// joined after Close swept the registry
		conn.Close()
	}
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	log.Info("connection joined room")

	if s.activity != nil {
		if err := s.activity.TouchRoom(r.Context(), roomID); err != nil {
			log.WithError(err).Warn("failed to record room activity")
		}
	}

	// Nothing else writes to ws before the write pump starts. Frames broadcast
	// meanwhile wait in the send queue and follow the replay.
	if err := replay(ws, doc.Updates()); err != nil {
		log.WithError(err).Warn("catch-up replay failed")
	}

	go conn.writePump()
	s.readPump(conn, doc, log)

	s.registry.Leave(conn, roomID)
	conn.Close()
	s.metrics.ConnectionClosed()
	log.Info("connection left room")
}

// Close refuses new connections, closes the live ones and waits until their
// handlers have returned, so no frame is handled after Close returns.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	n := s.registry.CloseAll()
	logrus.WithField("connections", n).Info("closing live connections")

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func replay(ws *websocket.Conn, updates [][]byte) error {
	for _, update := range updates {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.BinaryMessage, update); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) readPump(conn *Conn, doc core.Document, log *logrus.Entry) {
	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.WithError(err).Debug("connection read failed")
			}
			return
		}
		s.handleFrame(conn, conn.roomID, doc, Frame{Type: messageType, Data: data})
	}
}

// handleFrame classifies one inbound frame. Control messages and CRDT frames share
// the stream and are told apart only by whether the payload decodes as JSON.
func (s *Server) handleFrame(p Peer, roomID string, doc core.Document, frame Frame) {
	msg, kind := parseControl(frame.Data)

	switch kind {
	case frameCRDT:
		s.metrics.Frame("crdt")
		doc.ApplyUpdate(frame.Data)
		s.registry.Broadcast(roomID, frame, p)
	case frameJSON:
		s.metrics.Frame("json")
		s.registry.Broadcast(roomID, frame, p)
	case frameControl:
		s.metrics.Frame("control")
		s.handleControl(p, roomID, doc, msg)
	}
}
