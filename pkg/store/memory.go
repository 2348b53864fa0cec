package store

import (
	"sync"

	"github.com/opencourier/relay/pkg/protocol"
)

// entryKey scopes overwrite semantics: same sender, same storage key
type entryKey struct {
	from       protocol.Id
	storageKey string
}

// mailbox holds one recipient's queue under its own lock, so unrelated
// recipients never serialize on each other
type mailbox struct {
	mu    sync.Mutex
	order []*StoredMessage
	index map[entryKey]*StoredMessage
	bytes int64
}

// MemoryStore is the in-memory MessageStore for single-instance
// deployments
type MemoryStore struct {
	boxes sync.Map // protocol.Id -> *mailbox
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) box(to protocol.Id) *mailbox {
	if b, ok := s.boxes.Load(to); ok {
		return b.(*mailbox)
	}
	b, _ := s.boxes.LoadOrStore(to, &mailbox{index: make(map[entryKey]*StoredMessage)})
	return b.(*mailbox)
}

// AddMessage queues a message, enforcing the recipient quota
func (s *MemoryStore) AddMessage(msg *StoredMessage, maxStoredBytes int64) error {
	if msg.StorageKey == protocol.NoStorageKey {
		return ErrNoStorageKey
	}

	size := messageSize(msg)
	key := entryKey{from: msg.From, storageKey: msg.StorageKey}

	b := s.box(msg.Recipient)
	b.mu.Lock()
	defer b.mu.Unlock()

	// The entry being replaced counts as free space for the quota check
	var replaced int64
	if existing, ok := b.index[key]; ok {
		replaced = existing.Size
	}

	if size > maxStoredBytes-b.bytes+replaced {
		return ErrQuotaExceeded
	}

	stored := &StoredMessage{
		Recipient:  msg.Recipient,
		From:       msg.From,
		StorageKey: msg.StorageKey,
		SenderKey:  msg.SenderKey,
		Message:    msg.Message,
		Size:       size,
	}

	if existing, ok := b.index[key]; ok {
		b.bytes -= existing.Size
		b.removeFromOrder(existing)
	}

	b.index[key] = stored
	b.order = append(b.order, stored)
	b.bytes += size

	return nil
}

// GetMessages returns a recipient's queue in storage order
func (s *MemoryStore) GetMessages(to protocol.Id) ([]*StoredMessage, error) {
	b := s.box(to)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*StoredMessage, len(b.order))
	copy(out, b.order)
	return out, nil
}

// RemoveMessage deletes an entry; no-op if already gone
func (s *MemoryStore) RemoveMessage(msg *StoredMessage) error {
	b := s.box(msg.Recipient)
	b.mu.Lock()
	defer b.mu.Unlock()

	key := entryKey{from: msg.From, storageKey: msg.StorageKey}
	existing, ok := b.index[key]
	if !ok {
		return nil
	}

	delete(b.index, key)
	b.removeFromOrder(existing)
	b.bytes -= existing.Size

	return nil
}

// StoredBytes returns a recipient's current usage
func (s *MemoryStore) StoredBytes(to protocol.Id) (int64, error) {
	b := s.box(to)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes, nil
}

// GetStats returns a snapshot across all recipients
func (s *MemoryStore) GetStats() (Stats, error) {
	var stats Stats
	s.boxes.Range(func(_, v any) bool {
		b := v.(*mailbox)
		b.mu.Lock()
		stats.Messages += len(b.order)
		stats.TotalBytes += b.bytes
		b.mu.Unlock()
		return true
	})
	return stats, nil
}

// Close releases the store
func (s *MemoryStore) Close() error {
	return nil
}

func (b *mailbox) removeFromOrder(target *StoredMessage) {
	for i, m := range b.order {
		if m == target {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}
