package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencourier/relay/pkg/protocol"
)

// WebSocketSession frames a web-socket connection using binary
// messages. One web-socket message carries one frame; the transport's
// own length prefix is redundant there, so frames ride as bare binary
// payloads with the same size ceiling.
type WebSocketSession struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex
	closed  bool
}

// NewWebSocketSession wraps a gorilla websocket connection
func NewWebSocketSession(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSession {
	conn.SetReadLimit(protocol.MaxFrameSize)
	return &WebSocketSession{conn: conn, writeTimeout: writeTimeout}
}

// DialWebSocket opens a client web-socket session against a relay's
// ws endpoint (ws://host:port/relay)
func DialWebSocket(url string, writeTimeout time.Duration) (*WebSocketSession, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketSession(conn, writeTimeout), nil
}

// Upgrader accepts relay web-socket sessions from any origin; the
// handshake is the authentication boundary, not the HTTP layer
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Upgrade turns an inbound HTTP request into a web-socket session
func Upgrade(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) (*WebSocketSession, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketSession(conn, writeTimeout), nil
}

// Ready reports whether the session can accept writes
func (s *WebSocketSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// ReadFrame reads one binary message as a frame
func (s *WebSocketSession) ReadFrame() ([]byte, error) {
	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		// Non-binary messages are not part of the protocol; skip them
		if msgType != websocket.BinaryMessage {
			continue
		}

		if len(payload) > protocol.MaxFrameSize {
			s.Close()
			return nil, ErrFrameTooLarge
		}

		return payload, nil
	}
}

// WriteFrame writes one frame as a binary message
func (s *WebSocketSession) WriteFrame(payload []byte) error {
	if !s.Ready() {
		return ErrSessionClosed
	}

	if len(payload) > protocol.MaxFrameSize {
		return ErrFrameTooLarge
	}

	// gorilla/websocket allows one concurrent writer
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}

	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// Close closes the web socket; idempotent
func (s *WebSocketSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.conn.Close()
}

// RemoteAddr describes the peer
func (s *WebSocketSession) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
