// conn.go
// A Conn is one registered websocket. Frames for it go through its send
// channel; only the write pump touches the socket for writing.

package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live websocket session. The read pump decodes client frames
// and hands them to the relay; the write pump drains send back to the socket.
// Keeping them apart stops a slow client from blocking the fan-out.
type Conn struct {
	id          string
	remoteAddr  string
	connectedAt time.Time

	socket *websocket.Conn
	send   chan []byte
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newConn(id string, socket *websocket.Conn, remoteAddr string, connectedAt time.Time, buffer int) *Conn {
	return &Conn{
		id:          id,
		remoteAddr:  remoteAddr,
		connectedAt: connectedAt,
		socket:      socket,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// ID returns the connection id assigned at handshake.
func (c *Conn) ID() string { return c.id }

// RemoteAddr is informational only.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// ConnectedAt returns the handshake completion time.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Deliver queues frame without blocking. Frames for a closed or saturated
// connection are dropped.
func (c *Conn) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Reason returns the first recorded close reason.
func (c *Conn) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// close marks the connection finished. Only the first reason sticks.
func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}
