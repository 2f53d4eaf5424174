package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendOverflow  = errors.New("session send buffer exceeded")
)

// Session is one live client transport. Send must not block on the network.
type Session interface {
	ID() string
	Send(payload []byte) error
	Close(code int, reason string)
}

// ConnectionOptions tunes a websocket session.
type ConnectionOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingPeriod   time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 128
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	return o
}

// WSConnection wraps a websocket and serialises outbound writes through a
// buffered queue drained by a single write loop.
type WSConnection struct {
	id   string
	ws   *websocket.Conn
	opts ConnectionOptions

	mu     sync.Mutex
	closed bool
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewWSConnection(ws *websocket.Conn, opts ConnectionOptions) *WSConnection {
	opts = opts.withDefaults()
	return &WSConnection{
		id:   uuid.NewString(),
		ws:   ws,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *WSConnection) ID() string { return c.id }

// Start launches the write loop. Call it once.
func (c *WSConnection) Start() {
	go c.writeLoop()
}

// Send enqueues payload. A full queue means the client is not keeping up; the
// session is closed rather than letting the queue grow.
func (c *WSConnection) Send(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	select {
	case c.send <- payload:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.Close(websocket.ClosePolicyViolation, "send buffer full")
		return ErrSendOverflow
	}
}

// Done is closed once the session has been closed.
func (c *WSConnection) Done() <-chan struct{} {
	return c.done
}

// Close marks the session closed and returns at once. The close frame and the
// socket teardown run in the background: the write loop may be stuck on a slow
// peer, and WriteControl waits for it for up to WriteTimeout.
func (c *WSConnection) Close(code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.done)
		c.mu.Unlock()

		go c.shutdown(code, reason)
	})
}

func (c *WSConnection) shutdown(code int, reason string) {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
}

func (c *WSConnection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *WSConnection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
