package ipc

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"scribed/internal/protocol"
)

// ConnInfo describes a server-side connection.
type ConnInfo struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Client       string    `json:"client,omitempty"`
	Path         string    `json:"path,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Conn is one accepted connection. Outbound messages go through a buffered
// queue drained by a single writer, so Send never blocks the caller. A view
// connection is registered with the host as a registry.View.
type Conn struct {
	id           string
	conn         net.Conn
	writeTimeout time.Duration
	connectedAt  time.Time
	lastActivity atomic.Int64

	mu     sync.Mutex
	role   string
	client string
	path   string

	sendq     chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, conn net.Conn, queue int, writeTimeout time.Duration) *Conn {
	c := &Conn{
		id:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
		connectedAt:  time.Now(),
		sendq:        make(chan *protocol.Message, queue),
		done:         make(chan struct{}),
	}
	c.touch()
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send queues msg for delivery. A peer that lets its queue fill up is
// disconnected.
func (c *Conn) Send(msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.sendq <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.Close()
		return ErrSendQueueFull
	}
}

// Close ends the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

// Info describes the connection.
func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{
		ID:           c.id,
		Role:         c.role,
		Client:       c.client,
		Path:         c.path,
		ConnectedAt:  c.connectedAt,
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}

func (c *Conn) setRole(hello protocol.Hello, path string) {
	c.mu.Lock()
	c.role, c.client, c.path = hello.Role, hello.Client, path
	c.mu.Unlock()
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendq:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := protocol.WriteFrame(c.conn, msg); err != nil {
				c.Close()
				return
			}
		}
	}
}

// writeNow writes msg synchronously, bypassing the queue. Used for the
// final message of a refused connection.
func (c *Conn) writeNow(msg *protocol.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return protocol.WriteFrame(c.conn, msg)
}
