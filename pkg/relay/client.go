package relay

import (
	"context"
	"crypto/rsa"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/opencourier/relay/pkg/crypto"
	"github.com/opencourier/relay/pkg/protocol"
	"github.com/opencourier/relay/pkg/transport"
)

var (
	ErrClientClosed   = errors.New("client is closed")
	ErrAlreadyOpen    = errors.New("client is already open")
	ErrRequestTimeout = errors.New("request timed out")
)

// Delivery is one decrypted, signature-verified inbound message
type Delivery struct {
	From      protocol.Id
	FromPub   *rsa.PublicKey
	MessageID protocol.MessageID
	Body      []byte
}

// Handler processes inbound deliveries
type Handler func(d *Delivery)

// ClientConfig configures one outbound relay connection
type ClientConfig struct {
	// Address is the relay address (ocr://host[:port])
	Address string

	// Keys supplies this party's keypair
	Keys crypto.KeyStore

	// PinnedServerKey, when set, must match the key the relay answers
	// with. When nil, trust is pinned to whatever key answers first
	// (trust on first use).
	PinnedServerKey *rsa.PublicKey

	Backoff        Backoff
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	Keepalive      time.Duration
}

// Client maintains one authenticated connection to a relay, retries
// with exponential backoff when it drops, and correlates request
// replies by message ID.
type Client struct {
	cfg      ClientConfig
	dialAddr string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards conn, openCh, started, closed, serverId
	conn    *transport.Connection
	openCh  chan struct{}
	started bool
	closed  bool

	// Server key learned on first successful handshake (TOFU)
	serverPub *rsa.PublicKey
	serverId  protocol.Id

	handler Handler

	pendingMu sync.Mutex
	pending   map[protocol.MessageID]chan []byte
}

// NewClient validates the relay address and prepares a client; no
// connection is made until Open.
func NewClient(cfg ClientConfig) (*Client, error) {
	dialAddr, err := protocol.ParseRelayAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	if cfg.Keys == nil {
		return nil, errors.New("client requires a key store")
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		cfg:      cfg,
		dialAddr: dialAddr,
		ctx:      ctx,
		cancel:   cancel,
		openCh:   make(chan struct{}),
		pending:  make(map[protocol.MessageID]chan []byte),
	}, nil
}

// Open starts the connection-keeping task and registers the inbound
// handler. It may be called exactly once.
func (c *Client) Open(handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return ErrAlreadyOpen
	}
	c.started = true
	c.handler = handler

	go c.run()
	go c.keepaliveLoop()

	return nil
}

// run keeps the connection alive: connect, authenticate, listen,
// repeat with backoff on failure
func (c *Client) run() {
	failures := 0

	for {
		if c.ctx.Err() != nil {
			return
		}

		if failures > 0 {
			delay := c.cfg.Backoff.Delay(failures)
			log.Printf("🔄 Reconnecting to %s in %v (attempt %d)", c.dialAddr, delay, failures+1)

			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				return
			}
		}

		conn, err := c.connect()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			log.Printf("❌ Connection to %s failed: %v", c.dialAddr, err)
			continue
		}

		failures = 0
		if !c.setOpen(conn) {
			conn.Close()
			return
		}
		log.Printf("✅ Connected to relay %s", c.dialAddr)

		if err := conn.Listen(c.dispatch); err != nil && c.ctx.Err() == nil {
			log.Printf("Connection to %s lost: %v", c.dialAddr, err)
		}
		c.setNotOpen(conn)

		if c.ctx.Err() != nil {
			return
		}

		// A dropped connection counts as the first failure for backoff
		failures = 1
	}
}

// connect dials the relay and runs the authentication handshake
func (c *Client) connect() (*transport.Connection, error) {
	raw, err := net.DialTimeout("tcp", c.dialAddr, c.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	sess := transport.NewSocketSession(raw, c.cfg.WriteTimeout)

	conn := transport.NewConnection(sess)
	conn.MarkOpening()

	pinned := c.cfg.PinnedServerKey
	if pinned == nil {
		c.mu.Lock()
		pinned = c.serverPub
		c.mu.Unlock()
	}

	serverPub, serverId, err := clientHandshake(sess, c.cfg.Keys, pinned)
	if err != nil {
		sess.Close()
		return nil, err
	}

	c.mu.Lock()
	c.serverPub = serverPub
	c.serverId = serverId
	c.mu.Unlock()

	return conn, nil
}

// setOpen publishes an authenticated connection. It reports false if
// the client closed while the connection was being established; the
// caller owns closing it in that case.
func (c *Client) setOpen(conn *transport.Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	close(c.openCh)
	return true
}

func (c *Client) setNotOpen(conn *transport.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.openCh = make(chan struct{})
	}
}

// WaitUntilOpen blocks until the connection has authenticated at
// least once, the context is done, or the client closes
func (c *Client) WaitUntilOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClientClosed
		}
		conn := c.conn
		ch := c.openCh
		c.mu.Unlock()

		if conn != nil {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClientClosed
		}
	}
}

// liveConn returns the current open connection, if any
func (c *Client) liveConn() *transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// SendMessage signs body, seals it for the recipient, and writes it
// to the relay. The boolean reports delivery to the relay, not to the
// final recipient; a failed write is never retried here.
func (c *Client) SendMessage(ctx context.Context, to *rsa.PublicKey, body []byte) (bool, error) {
	msg, err := c.newSignedMessage(body)
	if err != nil {
		return false, err
	}
	return c.send(ctx, to, msg)
}

// Request sends a message and waits for the reply carrying the same
// message ID. A missing reply resolves to ErrRequestTimeout; a
// cancelled context propagates distinctly.
func (c *Client) Request(ctx context.Context, to *rsa.PublicKey, body []byte) ([]byte, error) {
	msg, err := c.newSignedMessage(body)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan []byte, 1)
	c.pendingMu.Lock()
	c.pending[msg.Header.MessageID] = replyCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.Header.MessageID)
		c.pendingMu.Unlock()
	}()

	if _, err := c.send(ctx, to, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(c.cfg.RequestTimeout):
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClientClosed
	}
}

// SendReply answers a request by reusing its message ID
func (c *Client) SendReply(ctx context.Context, to *rsa.PublicKey, requestID protocol.MessageID, body []byte) (bool, error) {
	msg, err := c.newSignedMessage(body)
	if err != nil {
		return false, err
	}
	msg.Header.MessageID = requestID

	return c.send(ctx, to, msg)
}

func (c *Client) send(ctx context.Context, to *rsa.PublicKey, msg *protocol.Message) (bool, error) {
	if err := c.WaitUntilOpen(ctx); err != nil {
		return false, err
	}

	// The storage key scopes store-and-forward overwrite: resending
	// the same message replaces the queued copy instead of duplicating
	env, err := sealMessage(msg, to, msg.Header.MessageID.String())
	if err != nil {
		return false, err
	}

	frame, err := protocol.CodecV2{}.Encode(env)
	if err != nil {
		return false, err
	}

	conn := c.liveConn()
	if conn == nil {
		return false, ErrClientClosed
	}

	if err := conn.WriteFrame(frame); err != nil {
		log.Printf("⚠️  Send to %s not delivered: %v", env.Recipient.Short(), err)
		return false, err
	}

	return true, nil
}

// newSignedMessage builds a Message with a fresh ID and a signature
// over the body
func (c *Client) newSignedMessage(body []byte) (*protocol.Message, error) {
	sig, err := c.cfg.Keys.SignBytes(c.cfg.Keys.Identity(), body)
	if err != nil {
		return nil, err
	}

	return &protocol.Message{
		Header: protocol.Header{
			MessageID: protocol.GenerateMessageID(),
			FromPub:   c.cfg.Keys.PublicKeyPEM(),
			Signature: sig,
		},
		Body: body,
	}, nil
}

// dispatch handles one inbound frame: pongs are swallowed, envelopes
// are opened and either resolve a pending request or reach the handler
func (c *Client) dispatch(frame []byte) error {
	if op, ok := protocol.DecodeControl(frame); ok {
		if op == protocol.ControlPing {
			if conn := c.liveConn(); conn != nil {
				return conn.WriteFrame(protocol.EncodeControl(protocol.ControlPong))
			}
		}
		return nil
	}

	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		return err
	}

	msg, from, fromPub, err := openEnvelope(env, c.cfg.Keys)
	if err != nil {
		return err
	}

	c.pendingMu.Lock()
	replyCh, pending := c.pending[msg.Header.MessageID]
	if pending {
		delete(c.pending, msg.Header.MessageID)
	}
	c.pendingMu.Unlock()

	if pending {
		replyCh <- msg.Body
		return nil
	}

	if c.handler != nil {
		c.handler(&Delivery{
			From:      from,
			FromPub:   fromPub,
			MessageID: msg.Header.MessageID,
			Body:      msg.Body,
		})
	}

	return nil
}

// keepaliveLoop pings the relay on idle connections so half-dead
// sockets get noticed
func (c *Client) keepaliveLoop() {
	interval := c.cfg.Keepalive
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if conn := c.liveConn(); conn != nil {
				if err := conn.WriteFrame(protocol.EncodeControl(protocol.ControlPing)); err != nil {
					log.Printf("⚠️  Keepalive ping failed: %v", err)
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ServerIdentity returns the relay identity learned during the
// handshake; zero until the first successful connect
func (c *Client) ServerIdentity() protocol.Id {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverId
}

// Close cancels the listen task and closes the connection; idempotent
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}

	return nil
}
