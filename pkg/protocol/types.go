package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// Protocol constants
const (
	// Envelope wire versions
	VersionV1 uint8 = 0x01
	VersionV2 uint8 = 0x02

	// Control frames (ping/pong) share the wire with envelopes
	FrameControl uint8 = 0x00

	// Maximum declared frame size (50 MB); anything larger is a
	// protocol violation and the session is closed
	MaxFrameSize = 50 << 20
)

// Control frame opcodes
const (
	ControlPing uint8 = 0x01
	ControlPong uint8 = 0x02
)

// Signature algorithms
const (
	AlgRSASHA256 uint8 = 0x01
)

// Handshake status codes
const (
	StatusAuthenticated   uint8 = 0x01
	StatusFailedChallenge uint8 = 0x02
)

// ChallengeSize is the number of random bytes in a handshake challenge
const ChallengeSize = 32

// NoStorageKey is the sentinel for an envelope carrying no storage key.
// Store-and-forward requires a real key; adds with this sentinel fail.
const NoStorageKey = ""

// Id is a BLAKE2b-256 digest of a public key, used as an address (32 bytes)
type Id [32]byte

// MessageID is a unique message identifier (16 bytes)
type MessageID [16]byte

// Signature is an algorithm tag plus signature bytes over a payload
type Signature struct {
	Algorithm uint8
	Bytes     []byte
}

// GenerateMessageID generates a random message ID
func GenerateMessageID() MessageID {
	var id MessageID
	// Timestamp in the first 8 bytes for uniqueness and rough ordering
	timestamp := time.Now().UnixNano()
	binary.BigEndian.PutUint64(id[0:8], uint64(timestamp))

	if _, err := rand.Read(id[8:]); err != nil {
		// Extremely unlikely; better than leaving zeros
		binary.BigEndian.PutUint64(id[8:], uint64(timestamp^0xDEADBEEF))
	}

	return id
}

// String returns the hex form of an identity
func (id Id) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated hex form for logs
func (id Id) Short() string {
	return hex.EncodeToString(id[:8])
}

// ParseId parses a hex-encoded identity
func ParseId(s string) (Id, error) {
	var id Id
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, ErrInvalidIdentity
	}
	copy(id[:], raw)
	return id, nil
}

// IsZeroId checks if an identity is zero
func IsZeroId(id Id) bool {
	zero := Id{}
	return id == zero
}

// String returns the hex form of a message ID
func (m MessageID) String() string {
	return hex.EncodeToString(m[:])
}
