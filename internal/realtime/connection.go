package realtime

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	// TransportWebSocket labels connections served over a WebSocket.
	TransportWebSocket = "websocket"
	// TransportPolling labels connections served over HTTP long polling.
	TransportPolling = "polling"
)

// Connection is the per-connection session state shared between a transport and the hub.
// The room and displayName fields are owned by the hub goroutine.
type Connection struct {
	id        string
	transport string
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter

	room        string
	displayName string
}

func newConnection(id, transport string, bufferSize int, limiter *rate.Limiter) *Connection {
	return &Connection{
		id:        id,
		transport: transport,
		send:      make(chan []byte, bufferSize),
		closed:    make(chan struct{}),
		limiter:   limiter,
	}
}

// ID returns the connection identifier assigned by the server.
func (c *Connection) ID() string {
	return c.id
}

// Transport reports which transport carries the connection.
func (c *Connection) Transport() string {
	return c.transport
}

// Outbound delivers frames queued for the client. It is closed once the hub drops the connection.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the hub has released the connection.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) allow() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// enqueue never blocks; a full queue drops the frame.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Connection) release() {
	c.closeOnce.Do(func() {
		close(c.send)
		close(c.closed)
	})
}
