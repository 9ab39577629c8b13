package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps one accepted websocket link. All writes go through a
// single writer goroutine; Send never blocks, so one stuck peer cannot
// stall broadcast fan-out to the rest of a room.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan []byte
	roomID       string
	memberID     string
	origin       string
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection wraps an upgraded websocket. Identity is fixed at creation:
// connections are only constructed after authentication.
func NewConnection(conn *websocket.Conn, roomID, memberID, origin string, sendBuffer int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, sendBuffer),
		roomID:       roomID,
		memberID:     memberID,
		origin:       origin,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a frame for delivery. It fails fast instead of blocking: a
// full buffer or a closed connection returns an error the dispatcher drops.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close tears down the connection. Safe to call from any goroutine, any
// number of times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Context is done once the connection is closing.
func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) RoomID() string   { return c.roomID }
func (c *Connection) MemberID() string { return c.memberID }
func (c *Connection) Origin() string   { return c.origin }
