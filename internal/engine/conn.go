package engine

import (
	"net"
	"sync"

	"chatcluster/internal/wire"
)

// Conn is one client-facing TCP connection (§4.D). It owns a read pump
// (blocking scan loop) and a write pump (drains a buffered channel), the
// idiomatic Go translation of the single-threaded readiness loop described
// in §4.C — grounded on internal/server/client.go's Client.
type Conn struct {
	id      string
	netConn net.Conn
	send    chan []byte

	mu       sync.RWMutex
	username string
	subStop  chan struct{}
}

const sendBuffer = 64

func newConn(nc net.Conn) *Conn {
	return &Conn{
		id:      nc.RemoteAddr().String(),
		netConn: nc,
		send:    make(chan []byte, sendBuffer),
	}
}

// authedUsername returns the username bound to this connection, or "" if
// the connection hasn't completed create/login.
func (c *Conn) authedUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// bind records username as this connection's identity and installs stop as
// the signal that will end its live-delivery pump.
func (c *Conn) bind(username string, stop chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.subStop = stop
}

// unbind clears this connection's identity, returning whatever subscription
// stop channel was installed (nil if none), for the caller to close.
func (c *Conn) unbind() (wasUsername string, stop chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasUsername, stop = c.username, c.subStop
	c.username, c.subStop = "", nil
	return
}

// writeFrame enqueues f for the write pump. A full send buffer means the
// peer isn't draining fast enough; the frame is dropped rather than
// blocking the engine's dispatch goroutine.
func (c *Conn) writeFrame(f wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
