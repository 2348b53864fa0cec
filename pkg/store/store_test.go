package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencourier/relay/pkg/protocol"
)

const testQuota = 1 << 20

func testStores(t *testing.T) map[string]MessageStore {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]MessageStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testId(b byte) protocol.Id {
	var id protocol.Id
	id[0] = b
	return id
}

func stored(to, from protocol.Id, key string, body []byte) *StoredMessage {
	return &StoredMessage{
		Recipient:  to,
		From:       from,
		StorageKey: key,
		SenderKey:  []byte("wrapped-session-key"),
		Message:    body,
	}
}

func TestAddRequiresStorageKey(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			msg := stored(testId(1), testId(2), protocol.NoStorageKey, []byte("body"))
			err := s.AddMessage(msg, testQuota)
			assert.ErrorIs(t, err, ErrNoStorageKey)
		})
	}
}

func TestAddAndGetInOrder(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			to, from := testId(1), testId(2)

			require.NoError(t, s.AddMessage(stored(to, from, "k1", []byte("first")), testQuota))
			require.NoError(t, s.AddMessage(stored(to, from, "k2", []byte("second")), testQuota))
			require.NoError(t, s.AddMessage(stored(to, from, "k3", []byte("third")), testQuota))

			msgs, err := s.GetMessages(to)
			require.NoError(t, err)
			require.Len(t, msgs, 3)

			assert.Equal(t, []byte("first"), msgs[0].Message)
			assert.Equal(t, []byte("second"), msgs[1].Message)
			assert.Equal(t, []byte("third"), msgs[2].Message)

			for _, m := range msgs {
				assert.Equal(t, to, m.Recipient)
				assert.Equal(t, from, m.From)
				assert.Equal(t, []byte("wrapped-session-key"), m.SenderKey)
			}
		})
	}
}

func TestLastWriteWins(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			to, from := testId(1), testId(2)

			require.NoError(t, s.AddMessage(stored(to, from, "same-key", []byte("old")), testQuota))
			require.NoError(t, s.AddMessage(stored(to, from, "same-key", []byte("new")), testQuota))

			msgs, err := s.GetMessages(to)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, []byte("new"), msgs[0].Message)
		})
	}
}

func TestSameKeyDifferentSenders(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			to := testId(1)

			require.NoError(t, s.AddMessage(stored(to, testId(2), "same-key", []byte("from A")), testQuota))
			require.NoError(t, s.AddMessage(stored(to, testId(3), "same-key", []byte("from B")), testQuota))

			msgs, err := s.GetMessages(to)
			require.NoError(t, err)
			assert.Len(t, msgs, 2)
		})
	}
}

func TestRecipientIsolation(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.AddMessage(stored(testId(1), testId(9), "k", []byte("for one")), testQuota))

			msgs, err := s.GetMessages(testId(2))
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestQuotaEnforced(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			to, from := testId(1), testId(2)

			// SenderKey (19) + Message (13) = 32 bytes per entry
			body := []byte("13-byte-body!")
			quota := int64(64)

			require.NoError(t, s.AddMessage(stored(to, from, "k1", body), quota))
			require.NoError(t, s.AddMessage(stored(to, from, "k2", body), quota))

			// A third entry would exceed the quota
			err := s.AddMessage(stored(to, from, "k3", body), quota)
			assert.ErrorIs(t, err, ErrQuotaExceeded)

			// Replacing an existing entry fits: its size counts as free
			require.NoError(t, s.AddMessage(stored(to, from, "k2", body), quota))

			used, err := s.StoredBytes(to)
			require.NoError(t, err)
			assert.Equal(t, int64(64), used)
		})
	}
}

func TestQuotaReplacementAllowsLarger(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			to, from := testId(1), testId(2)
			quota := int64(50)

			require.NoError(t, s.AddMessage(stored(to, from, "k", []byte("tiny")), quota))

			// 19 + 30 = 49 bytes: over quota combined with the old entry,
			// but the replacement frees the old one first
			bigger := make([]byte, 30)
			require.NoError(t, s.AddMessage(stored(to, from, "k", bigger), quota))

			used, err := s.StoredBytes(to)
			require.NoError(t, err)
			assert.Equal(t, int64(49), used)
		})
	}
}

func TestRemoveMessage(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			to, from := testId(1), testId(2)
			msg := stored(to, from, "k", []byte("body"))

			require.NoError(t, s.AddMessage(msg, testQuota))
			require.NoError(t, s.RemoveMessage(msg))

			msgs, err := s.GetMessages(to)
			require.NoError(t, err)
			assert.Empty(t, msgs)

			used, err := s.StoredBytes(to)
			require.NoError(t, err)
			assert.Zero(t, used)

			// Removing again is a no-op
			require.NoError(t, s.RemoveMessage(msg))
		})
	}
}

func TestGetStats(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.AddMessage(stored(testId(1), testId(9), "k1", []byte("one")), testQuota))
			require.NoError(t, s.AddMessage(stored(testId(2), testId(9), "k2", []byte("three")), testQuota))

			stats, err := s.GetStats()
			require.NoError(t, err)
			assert.Equal(t, 2, stats.Messages)
			assert.Equal(t, int64(19+3+19+5), stats.TotalBytes)
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "durable.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	to, from := testId(1), testId(2)
	require.NoError(t, s.AddMessage(stored(to, from, "k", []byte("survives")), testQuota))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.GetMessages(to)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("survives"), msgs[0].Message)
	assert.Equal(t, from, msgs[0].From)
}
