package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 5000000
	sendBufferSize = 256
)

var (
	ErrConnClosed    = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Frame is one websocket message; Type is websocket.TextMessage or BinaryMessage.
type Frame struct {
	Type int
	Data []byte
}

// Conn is a live client connection with its own write goroutine.
type Conn struct {
	id     string
	roomID string
	ws     *websocket.Conn

	mu     sync.Mutex
	send   chan Frame
	closed bool
}

func newConn(ws *websocket.Conn, roomID string) *Conn {
	return &Conn{
		id:     ulid.Make().String(),
		roomID: roomID,
		ws:     ws,
		send:   make(chan Frame, sendBufferSize),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the write pump once queued frames are written. The write pump then
// sends a close frame and closes the socket, which ends the read pump.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump is the only writer of c.ws.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(frame.Type, frame.Data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
