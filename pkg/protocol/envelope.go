package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownVersion  = errors.New("unknown envelope version")
)

// Envelope is the wire-level container that crosses the relay. The relay
// can read the routing metadata but never the sealed message.
//
// v1 carries the recipient's public key and a message sealed directly
// under it; it has no storage key. v2 carries the recipient identity, a
// per-message symmetric key wrapped for the recipient, an optional
// storage key for store-and-forward dedup, and the symmetrically sealed
// message.
type Envelope struct {
	Version      uint8
	Recipient    Id     // v2 route target (v1: derived from RecipientPub)
	RecipientPub []byte // v1 only: recipient public key (PEM)
	KeyBlob      []byte // v2 only: asymmetrically wrapped session key
	StorageKey   string // v2 only: dedup key, NoStorageKey if absent
	Sealed       []byte // encrypted Message bytes
}

// EnvelopeCodec encodes and decodes one envelope wire generation.
// Routing logic is version-agnostic; only the codecs differ.
type EnvelopeCodec interface {
	Version() uint8
	Encode(env *Envelope) ([]byte, error)
	Decode(buf []byte) (*Envelope, error)
}

// DecodeEnvelope decodes an envelope, dispatching on the version tag
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	if len(buf) < 1 {
		return nil, ErrInvalidEnvelope
	}
	switch buf[0] {
	case VersionV1:
		return CodecV1{}.Decode(buf)
	case VersionV2:
		return CodecV2{}.Decode(buf)
	default:
		return nil, ErrUnknownVersion
	}
}

// ===== V1 (asymmetric-only) =====

// CodecV1 is the first-generation envelope layout:
// [version][u16 pubLen][recipient pub PEM][u32 sealedLen][sealed]
type CodecV1 struct{}

// Version returns the wire version tag
func (CodecV1) Version() uint8 { return VersionV1 }

// Encode encodes a v1 envelope to bytes
func (CodecV1) Encode(env *Envelope) ([]byte, error) {
	if len(env.RecipientPub) == 0 {
		return nil, ErrInvalidEnvelope
	}

	size := 1 + 2 + len(env.RecipientPub) + 4 + len(env.Sealed)
	buf := make([]byte, size)
	offset := 0

	buf[offset] = VersionV1
	offset++

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(env.RecipientPub)))
	offset += 2

	copy(buf[offset:], env.RecipientPub)
	offset += len(env.RecipientPub)

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(env.Sealed)))
	offset += 4

	copy(buf[offset:], env.Sealed)

	return buf, nil
}

// Decode decodes a v1 envelope from bytes
func (CodecV1) Decode(buf []byte) (*Envelope, error) {
	if len(buf) < 3 || buf[0] != VersionV1 {
		return nil, ErrInvalidEnvelope
	}
	offset := 1

	pubLen := binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	if len(buf) < offset+int(pubLen)+4 {
		return nil, ErrInvalidEnvelope
	}
	pub := make([]byte, pubLen)
	copy(pub, buf[offset:offset+int(pubLen)])
	offset += int(pubLen)

	sealedLen := binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	if len(buf) < offset+int(sealedLen) {
		return nil, ErrInvalidEnvelope
	}
	sealed := make([]byte, sealedLen)
	copy(sealed, buf[offset:offset+int(sealedLen)])

	return &Envelope{
		Version:      VersionV1,
		RecipientPub: pub,
		StorageKey:   NoStorageKey,
		Sealed:       sealed,
	}, nil
}

// ===== V2 (hybrid symmetric/asymmetric) =====

// CodecV2 is the second-generation envelope layout:
// [version][32-byte recipient id][u16 keyLen][key blob]
// [u16 storageKeyLen][storage key][u32 sealedLen][sealed]
type CodecV2 struct{}

// Version returns the wire version tag
func (CodecV2) Version() uint8 { return VersionV2 }

// Encode encodes a v2 envelope to bytes
func (CodecV2) Encode(env *Envelope) ([]byte, error) {
	if IsZeroId(env.Recipient) || len(env.KeyBlob) == 0 {
		return nil, ErrInvalidEnvelope
	}

	size := 1 + 32 + 2 + len(env.KeyBlob) + 2 + len(env.StorageKey) + 4 + len(env.Sealed)
	buf := make([]byte, size)
	offset := 0

	buf[offset] = VersionV2
	offset++

	copy(buf[offset:], env.Recipient[:])
	offset += 32

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(env.KeyBlob)))
	offset += 2

	copy(buf[offset:], env.KeyBlob)
	offset += len(env.KeyBlob)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(env.StorageKey)))
	offset += 2

	copy(buf[offset:], env.StorageKey)
	offset += len(env.StorageKey)

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(env.Sealed)))
	offset += 4

	copy(buf[offset:], env.Sealed)

	return buf, nil
}

// Decode decodes a v2 envelope from bytes
func (CodecV2) Decode(buf []byte) (*Envelope, error) {
	if len(buf) < 1+32+2 || buf[0] != VersionV2 {
		return nil, ErrInvalidEnvelope
	}
	env := &Envelope{Version: VersionV2}
	offset := 1

	copy(env.Recipient[:], buf[offset:offset+32])
	offset += 32

	keyLen := binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	if len(buf) < offset+int(keyLen)+2 {
		return nil, ErrInvalidEnvelope
	}
	env.KeyBlob = make([]byte, keyLen)
	copy(env.KeyBlob, buf[offset:offset+int(keyLen)])
	offset += int(keyLen)

	storageKeyLen := binary.BigEndian.Uint16(buf[offset:])
	offset += 2

	if len(buf) < offset+int(storageKeyLen)+4 {
		return nil, ErrInvalidEnvelope
	}
	env.StorageKey = string(buf[offset : offset+int(storageKeyLen)])
	offset += int(storageKeyLen)

	sealedLen := binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	if len(buf) < offset+int(sealedLen) {
		return nil, ErrInvalidEnvelope
	}
	env.Sealed = make([]byte, sealedLen)
	copy(env.Sealed, buf[offset:offset+int(sealedLen)])

	return env, nil
}
