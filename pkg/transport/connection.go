package transport

import (
	"errors"
	"log"
	"sync"
)

// Connection states
type State int32

const (
	StateInitialized State = iota
	StateOpening
	StateOpen
	StateClosed
)

var (
	ErrAlreadyListening = errors.New("connection is already listening")
	ErrConnectionClosed = errors.New("connection closed")
)

// FrameHandler processes one inbound frame. A returned error is logged
// and does not terminate the listen loop.
type FrameHandler func(frame []byte) error

// Connection wraps a Session with a small lifecycle state machine and
// a listen loop that dispatches inbound frames to a handler.
type Connection struct {
	session Session

	mu        sync.Mutex
	state     State
	listening bool
	onClose   func()
}

// NewConnection wraps an established session
func NewConnection(session Session) *Connection {
	return &Connection{session: session, state: StateInitialized}
}

// OnClose registers a callback invoked exactly once when the
// connection transitions to Closed (used to evict it from a directory)
func (c *Connection) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// State returns the current lifecycle state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkOpening flags the connection as mid-handshake. No-op once open
// or closed.
func (c *Connection) MarkOpening() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInitialized {
		c.state = StateOpening
	}
}

// Ready reports whether the connection can accept writes
func (c *Connection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateClosed && c.session.Ready()
}

// RemoteAddr describes the peer
func (c *Connection) RemoteAddr() string {
	return c.session.RemoteAddr()
}

// Listen reads frames and dispatches them to handler until the session
// closes or the connection is closed. It may be called exactly once; a
// second call is a programming error. Errors from a single frame's
// handling are logged and do not terminate the loop.
func (c *Connection) Listen(handler FrameHandler) error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.listening = true
	c.state = StateOpen
	c.mu.Unlock()

	defer c.Close()

	for {
		frame, err := c.session.ReadFrame()
		if err != nil {
			if c.State() == StateClosed {
				return nil
			}
			return err
		}

		if err := handler(frame); err != nil {
			log.Printf("Frame handler error from %s: %v", c.session.RemoteAddr(), err)
		}
	}
}

// WriteFrame writes a frame, first asserting the connection is ready.
// A write to a dead connection closes it and reports an error, so a
// caller never silently writes into the void.
func (c *Connection) WriteFrame(payload []byte) error {
	if !c.Ready() {
		c.Close()
		return ErrConnectionClosed
	}

	if err := c.session.WriteFrame(payload); err != nil {
		c.Close()
		return err
	}

	return nil
}

// Close transitions to Closed, closes the session, and fires the
// onClose callback; idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	onClose := c.onClose
	c.mu.Unlock()

	err := c.session.Close()

	if onClose != nil {
		onClose()
	}

	return err
}
