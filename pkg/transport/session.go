// Package transport abstracts the relay's byte-oriented duplex channels
// behind one length-prefixed framing contract, so the rest of the
// system does not care whether a peer arrived over a raw socket or a
// web socket.
package transport

import (
	"errors"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrFrameTooLarge = errors.New("declared frame length exceeds limit")
)

// Session is a duplex channel carrying sized frames. Every frame on the
// wire is a uint32 big-endian length followed by that many bytes. A
// declared length above protocol.MaxFrameSize is a protocol violation
// and closes the session.
type Session interface {
	// Ready reports whether the session can accept writes
	Ready() bool

	// ReadFrame blocks until a full frame arrives or the channel closes
	ReadFrame() ([]byte, error)

	// WriteFrame writes one sized frame
	WriteFrame(payload []byte) error

	// Close tears down the channel; idempotent
	Close() error

	// RemoteAddr describes the peer for logs
	RemoteAddr() string
}
