package protocol

import (
	"errors"
)

var ErrInvalidChallenge = errors.New("invalid challenge")

// Challenge is a handshake challenge: random bytes tagged with the
// signature algorithm the peer must answer with
type Challenge struct {
	Algorithm uint8
	Nonce     [ChallengeSize]byte
}

// Encode encodes a challenge to bytes
func (c *Challenge) Encode() []byte {
	buf := make([]byte, 1+ChallengeSize)
	buf[0] = c.Algorithm
	copy(buf[1:], c.Nonce[:])
	return buf
}

// Decode decodes a challenge from bytes
func (c *Challenge) Decode(buf []byte) error {
	if len(buf) != 1+ChallengeSize {
		return ErrInvalidChallenge
	}
	c.Algorithm = buf[0]
	copy(c.Nonce[:], buf[1:])
	return nil
}

// EncodeStatus encodes the final handshake status frame
func EncodeStatus(status uint8) []byte {
	return []byte{status}
}

// DecodeStatus decodes the final handshake status frame
func DecodeStatus(buf []byte) (uint8, error) {
	if len(buf) != 1 {
		return 0, ErrShortBuffer
	}
	return buf[0], nil
}

// EncodeControl encodes a control (ping/pong) frame
func EncodeControl(op uint8) []byte {
	return []byte{FrameControl, op}
}

// DecodeControl decodes a control frame opcode
func DecodeControl(buf []byte) (uint8, bool) {
	if len(buf) != 2 || buf[0] != FrameControl {
		return 0, false
	}
	return buf[1], true
}
