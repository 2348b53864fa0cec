package relay

import (
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/opencourier/relay/pkg/crypto"
	"github.com/opencourier/relay/pkg/policy"
	"github.com/opencourier/relay/pkg/protocol"
	"github.com/opencourier/relay/pkg/store"
	"github.com/opencourier/relay/pkg/transport"
)

var ErrServerClosed = errors.New("server is closed")

// ServerConfig configures a relay server
type ServerConfig struct {
	// Keys supplies the relay's own keypair
	Keys crypto.KeyStore

	// Policies decides who may connect and their limits
	Policies *policy.Store

	// Store buffers envelopes for offline recipients
	Store store.MessageStore

	// KnownKeys, when set, restricts connections to identities it can
	// resolve; nil accepts any identity the policy store allows
	KnownKeys crypto.PublicKeyProvider

	WriteTimeout time.Duration
}

// Server accepts authenticated client connections and routes sealed
// envelopes between them: live peers get the frame immediately,
// offline recipients get it queued until they reconnect.
type Server struct {
	cfg ServerConfig
	dir *Directory

	closed chan struct{}
}

// NewServer builds a relay server around its key store, policy store,
// and message store.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Keys == nil {
		return nil, errors.New("server requires a key store")
	}
	if cfg.Policies == nil {
		return nil, errors.New("server requires a policy store")
	}
	if cfg.Store == nil {
		return nil, errors.New("server requires a message store")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &Server{
		cfg:    cfg,
		dir:    NewDirectory(),
		closed: make(chan struct{}),
	}, nil
}

// Identity returns the relay's own identity
func (s *Server) Identity() protocol.Id {
	return s.cfg.Keys.Identity()
}

// Serve accepts connections from ln until it closes. Each accepted
// socket gets its own handling goroutine.
func (s *Server) Serve(ln net.Listener) error {
	go func() {
		<-s.closed
		ln.Close()
	}()

	log.Printf("📡 Relay %s listening on %s", s.Identity().Short(), ln.Addr())

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return ErrServerClosed
			default:
			}
			return err
		}

		go func(raw net.Conn) {
			sess := transport.NewSocketSession(raw, s.cfg.WriteTimeout)
			if err := s.HandleSession(sess); err != nil {
				log.Printf("⚠️  Session from %s ended: %v", raw.RemoteAddr(), err)
			}
		}(raw)
	}
}

// WSHandler returns an http.Handler that upgrades requests to
// websocket sessions and runs them through the same authentication
// and routing as raw TCP.
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := transport.Upgrade(w, r, s.cfg.WriteTimeout)
		if err != nil {
			log.Printf("⚠️  Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		if err := s.HandleSession(sess); err != nil {
			log.Printf("⚠️  Websocket session from %s ended: %v", r.RemoteAddr, err)
		}
	})
}

// HandleSession authenticates one session, registers it in the
// directory, drains the recipient's queued messages, and routes its
// frames until it closes. Blocks for the life of the connection.
func (s *Server) HandleSession(sess transport.Session) error {
	conn := transport.NewConnection(sess)
	conn.MarkOpening()

	clientId, _, err := serverHandshake(sess, s.cfg.Keys, s.cfg.Policies, s.cfg.KnownKeys)
	if err != nil {
		sess.Close()
		return err
	}

	log.Printf("✅ Authenticated %s from %s", clientId.Short(), sess.RemoteAddr())

	conn.OnClose(func() {
		s.dir.Remove(clientId, conn)
		log.Printf("👋 Disconnected %s", clientId.Short())
	})

	s.dir.Add(clientId, conn, sess.RemoteAddr())

	go s.drainStored(clientId, conn)

	return conn.Listen(func(frame []byte) error {
		return s.route(clientId, conn, frame)
	})
}

// route handles one frame from an authenticated sender. Fire and
// forget: failures are logged or reflected in store errors, never
// reported back to the sender.
func (s *Server) route(from protocol.Id, conn *transport.Connection, frame []byte) error {
	if op, ok := protocol.DecodeControl(frame); ok {
		if op == protocol.ControlPing {
			return conn.WriteFrame(protocol.EncodeControl(protocol.ControlPong))
		}
		return nil
	}

	senderPolicy := s.cfg.Policies.Resolve(from)
	if senderPolicy.MaxMessageBytes > 0 && int64(len(frame)) > senderPolicy.MaxMessageBytes {
		log.Printf("🗑️  Dropping oversize frame from %s (%d bytes)", from.Short(), len(frame))
		return nil
	}

	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		// A garbled envelope after authentication is a protocol
		// violation; cut the connection
		conn.Close()
		return err
	}

	to, err := routeTarget(env)
	if err != nil {
		conn.Close()
		return err
	}

	// A sender addressing itself is meaningless at the relay; ignored,
	// not an error
	if to == from {
		log.Printf("🗑️  Dropping self-addressed envelope from %s", from.Short())
		return nil
	}

	// Envelopes addressed to the relay itself have nowhere to go
	if to == s.Identity() {
		log.Printf("🗑️  Dropping envelope addressed to the relay from %s", from.Short())
		return nil
	}

	if target, ok := s.dir.Get(to); ok {
		if err := target.WriteFrame(frame); err == nil {
			return nil
		}
		// The write closed the stale connection and evicted it; fall
		// through to the store path
	}

	return s.storeForLater(from, to, env)
}

// storeForLater queues an envelope for an offline recipient, subject
// to the recipient's connection and quota policy
func (s *Server) storeForLater(from, to protocol.Id, env *protocol.Envelope) error {
	recipientPolicy := s.cfg.Policies.Resolve(to)
	if !recipientPolicy.ConnectionAllowed {
		log.Printf("🗑️  Dropping envelope for barred recipient %s", to.Short())
		return nil
	}

	msg := &store.StoredMessage{
		Recipient:  to,
		From:       from,
		StorageKey: env.StorageKey,
		SenderKey:  env.KeyBlob,
		Message:    env.Sealed,
	}

	if err := s.cfg.Store.AddMessage(msg, recipientPolicy.MaxStoredBytesPerRecipient); err != nil {
		log.Printf("⚠️  Could not store message from %s for %s: %v", from.Short(), to.Short(), err)
		return err
	}

	log.Printf("📬 Stored message from %s for offline %s", from.Short(), to.Short())
	return nil
}

// drainStored replays a reconnected recipient's queued messages in
// storage order, removing each one only after a successful write
func (s *Server) drainStored(to protocol.Id, conn *transport.Connection) {
	msgs, err := s.cfg.Store.GetMessages(to)
	if err != nil {
		log.Printf("⚠️  Could not load stored messages for %s: %v", to.Short(), err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	log.Printf("📬 Draining %d stored message(s) to %s", len(msgs), to.Short())

	for _, sm := range msgs {
		env := &protocol.Envelope{
			Version:    protocol.VersionV2,
			Recipient:  sm.Recipient,
			KeyBlob:    sm.SenderKey,
			StorageKey: sm.StorageKey,
			Sealed:     sm.Message,
		}

		frame, err := protocol.CodecV2{}.Encode(env)
		if err != nil {
			log.Printf("⚠️  Could not re-encode stored message for %s: %v", to.Short(), err)
			continue
		}

		if err := conn.WriteFrame(frame); err != nil {
			// The recipient dropped again; the rest stays queued
			return
		}

		if err := s.cfg.Store.RemoveMessage(sm); err != nil {
			log.Printf("⚠️  Could not remove delivered message for %s: %v", to.Short(), err)
		}
	}
}

// ConnectionStates returns a diagnostic snapshot of live connections
func (s *Server) ConnectionStates() []ConnectionState {
	return s.dir.States()
}

// ConnectionCount returns the number of live authenticated connections
func (s *Server) ConnectionCount() int {
	return s.dir.Len()
}

// StoreStats returns the message store's operational snapshot
func (s *Server) StoreStats() (store.Stats, error) {
	return s.cfg.Store.GetStats()
}

// Policies exposes the policy store for operator surfaces
func (s *Server) Policies() *policy.Store {
	return s.cfg.Policies
}

// Close stops accepting, closes every live connection, and closes the
// message store; idempotent.
func (s *Server) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}

	s.dir.Close()
	return s.cfg.Store.Close()
}
