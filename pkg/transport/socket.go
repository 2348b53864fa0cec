package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opencourier/relay/pkg/protocol"
)

// SocketSession frames a raw duplex socket
type SocketSession struct {
	conn         net.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewSocketSession wraps a net.Conn. A zero writeTimeout disables
// write deadlines.
func NewSocketSession(conn net.Conn, writeTimeout time.Duration) *SocketSession {
	return &SocketSession{conn: conn, writeTimeout: writeTimeout}
}

// Ready reports whether the session can accept writes
func (s *SocketSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// ReadFrame reads one sized frame from the socket
func (s *SocketSession) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > protocol.MaxFrameSize {
		s.Close()
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(s.conn, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

// WriteFrame writes one sized frame to the socket
func (s *SocketSession) WriteFrame(payload []byte) error {
	if !s.Ready() {
		return ErrSessionClosed
	}

	if len(payload) > protocol.MaxFrameSize {
		return ErrFrameTooLarge
	}

	// Single buffer so the length and payload hit the wire together
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}

	_, err := s.conn.Write(buf)
	return err
}

// Close closes the underlying socket; idempotent
func (s *SocketSession) Close() error {
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
func (s *SocketSession) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
