package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrShortBuffer     = errors.New("buffer too short")
)

// Header identifies and authenticates the sender of one message
type Header struct {
	MessageID MessageID
	FromPub   []byte    // Sender public key (PEM)
	Signature Signature // Signature over the message body
}

// Message is the signed, not-yet-encrypted unit exchanged between parties
type Message struct {
	Header Header
	Body   []byte
}

// Encode encodes a signature to bytes
func (s *Signature) Encode() []byte {
	buf := make([]byte, 1+2+len(s.Bytes))
	buf[0] = s.Algorithm
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(s.Bytes)))
	copy(buf[3:], s.Bytes)
	return buf
}

// Decode decodes a signature from bytes
func (s *Signature) Decode(buf []byte) error {
	if len(buf) < 3 {
		return ErrShortBuffer
	}
	s.Algorithm = buf[0]
	sigLen := binary.BigEndian.Uint16(buf[1:3])
	if len(buf) < 3+int(sigLen) {
		return ErrShortBuffer
	}
	s.Bytes = make([]byte, sigLen)
	copy(s.Bytes, buf[3:3+int(sigLen)])
	return nil
}

// Encode encodes a message to bytes
func (m *Message) Encode() []byte {
	sig := m.Header.Signature.Encode()
	size := 16 + 2 + len(m.Header.FromPub) + 2 + len(sig) + 4 + len(m.Body)
	buf := make([]byte, size)
	offset := 0

	copy(buf[offset:], m.Header.MessageID[:])
	offset += 16

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(m.Header.FromPub)))
	offset += 2

	copy(buf[offset:], m.Header.FromPub)
	offset += len(m.Header.FromPub)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(sig)))
	offset += 2

	copy(buf[offset:], sig)
	offset += len(sig)

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(m.Body)))
	offset += 4

	copy(buf[offset:], m.Body)

	return buf
}

// Decode decodes a message from bytes
func (m *Message) Decode(buf []byte) error {
	offset := 0
	if len(buf) < 18 {
		return ErrShortBuffer
	}

	copy(m.Header.MessageID[:], buf[offset:offset+16])
	offset += 16

	pubLen := binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	if len(buf) < offset+int(pubLen)+2 {
		return ErrShortBuffer
	}
	m.Header.FromPub = make([]byte, pubLen)
	copy(m.Header.FromPub, buf[offset:offset+int(pubLen)])
	offset += int(pubLen)

	sigLen := binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	if len(buf) < offset+int(sigLen)+4 {
		return ErrShortBuffer
	}
	if err := m.Header.Signature.Decode(buf[offset : offset+int(sigLen)]); err != nil {
		return err
	}
	offset += int(sigLen)

	bodyLen := binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	if len(buf) < offset+int(bodyLen) {
		return ErrShortBuffer
	}
	m.Body = make([]byte, bodyLen)
	copy(m.Body, buf[offset:offset+int(bodyLen)])

	return nil
}
