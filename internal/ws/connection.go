package ws

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/ops-relay/internal/auth"
)

// Connection is one accepted browser socket. It is a hub.Subscriber.
type Connection struct {
	id      string
	ident   auth.Identity
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newConnection(conn *websocket.Conn, id string, ident auth.Identity, opts Options) *Connection {
	return &Connection{
		id:      id,
		ident:   ident,
		ws:      conn,
		send:    make(chan []byte, opts.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RateBurst),
		done:    make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

// Deliver queues frame without blocking. A full buffer marks the peer as a
// slow consumer and the connection is closed.
func (c *Connection) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Connection) writePump(pingInterval, writeDeadline time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}
