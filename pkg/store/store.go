// Package store holds envelopes for recipients with no live
// connection until they reconnect, subject to a per-recipient byte
// quota.
package store

import (
	"errors"

	"github.com/opencourier/relay/pkg/protocol"
)

var (
	// ErrNoStorageKey rejects adds without an idempotency key;
	// store-and-forward requires one
	ErrNoStorageKey = errors.New("storage key is required")

	// ErrQuotaExceeded rejects adds that would push a recipient over
	// its stored-bytes budget
	ErrQuotaExceeded = errors.New("recipient storage quota exceeded")
)

// StoredMessage is one queued envelope, keyed by
// (recipient, sender, storage key). A later add with the same key
// replaces the earlier entry.
type StoredMessage struct {
	Recipient  protocol.Id
	From       protocol.Id
	StorageKey string
	SenderKey  []byte // per-recipient wrapped session key
	Message    []byte // sealed signed message bytes
	Size       int64
}

// Stats is an operational snapshot of the store
type Stats struct {
	Messages   int   `json:"messages"`
	TotalBytes int64 `json:"total_bytes"`
}

// MessageStore is the store-and-forward buffer contract. All methods
// are safe for concurrent use; unrelated recipients never contend on
// one global lock.
type MessageStore interface {
	// AddMessage queues a message for an offline recipient. The new
	// message must fit in maxStoredBytes minus the recipient's current
	// usage, counting the entry it would replace as free space.
	AddMessage(msg *StoredMessage, maxStoredBytes int64) error

	// GetMessages returns a recipient's queued messages in storage order
	GetMessages(to protocol.Id) ([]*StoredMessage, error)

	// RemoveMessage deletes a delivered entry; no-op if already gone
	RemoveMessage(msg *StoredMessage) error

	// StoredBytes returns a recipient's current usage
	StoredBytes(to protocol.Id) (int64, error)

	// GetStats returns a snapshot across all recipients
	GetStats() (Stats, error)

	Close() error
}

func messageSize(msg *StoredMessage) int64 {
	return int64(len(msg.SenderKey) + len(msg.Message))
}
