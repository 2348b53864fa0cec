package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opencourier/relay/pkg/crypto"
	"github.com/opencourier/relay/pkg/protocol"
)

// SQLiteStore is the durable MessageStore. Large message bodies live
// in a content-addressed blob table; the small per-entry metadata rows
// reference them by digest, so a body replayed under many storage keys
// is persisted once.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the durable store at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %v", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %v", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		refs INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS stored_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient TEXT NOT NULL,
		sender TEXT NOT NULL,
		storage_key TEXT NOT NULL,
		sender_key BLOB,
		blob_hash TEXT NOT NULL REFERENCES blobs(hash),
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		UNIQUE (recipient, sender, storage_key)
	);

	-- Index for fast drain by recipient
	CREATE INDEX IF NOT EXISTS idx_stored_recipient ON stored_messages(recipient);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %v", err)
	}

	return nil
}

// AddMessage queues a message, enforcing the recipient quota in one
// transaction
func (s *SQLiteStore) AddMessage(msg *StoredMessage, maxStoredBytes int64) error {
	if msg.StorageKey == protocol.NoStorageKey {
		return ErrNoStorageKey
	}

	size := messageSize(msg)
	hash, err := crypto.HashString(msg.Message)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin add: %v", err)
	}
	defer tx.Rollback()

	recipient := msg.Recipient.String()
	sender := msg.From.String()

	var used int64
	if err := tx.QueryRow(
		`SELECT COALESCE(SUM(size), 0) FROM stored_messages WHERE recipient = ?`,
		recipient,
	).Scan(&used); err != nil {
		return fmt.Errorf("failed to read recipient usage: %v", err)
	}

	// The entry being replaced counts as free space for the quota check
	var replacedSize int64
	var replacedHash sql.NullString
	err = tx.QueryRow(
		`SELECT size, blob_hash FROM stored_messages
		 WHERE recipient = ? AND sender = ? AND storage_key = ?`,
		recipient, sender, msg.StorageKey,
	).Scan(&replacedSize, &replacedHash)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to look up existing entry: %v", err)
	}

	if size > maxStoredBytes-used+replacedSize {
		return ErrQuotaExceeded
	}

	if _, err := tx.Exec(
		`INSERT INTO blobs (hash, data, refs) VALUES (?, ?, 1)
		 ON CONFLICT(hash) DO UPDATE SET refs = refs + 1`,
		hash, msg.Message,
	); err != nil {
		return fmt.Errorf("failed to store blob: %v", err)
	}

	if replacedHash.Valid {
		if _, err := tx.Exec(
			`DELETE FROM stored_messages WHERE recipient = ? AND sender = ? AND storage_key = ?`,
			recipient, sender, msg.StorageKey,
		); err != nil {
			return fmt.Errorf("failed to replace entry: %v", err)
		}
		if err := releaseBlob(tx, replacedHash.String); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO stored_messages (recipient, sender, storage_key, sender_key, blob_hash, size)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		recipient, sender, msg.StorageKey, msg.SenderKey, hash, size,
	); err != nil {
		return fmt.Errorf("failed to store message: %v", err)
	}

	return tx.Commit()
}

// GetMessages returns a recipient's queue in storage order
func (s *SQLiteStore) GetMessages(to protocol.Id) ([]*StoredMessage, error) {
	rows, err := s.db.Query(
		`SELECT m.sender, m.storage_key, m.sender_key, b.data, m.size
		 FROM stored_messages m JOIN blobs b ON b.hash = m.blob_hash
		 WHERE m.recipient = ?
		 ORDER BY m.id ASC`,
		to.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %v", err)
	}
	defer rows.Close()

	var messages []*StoredMessage
	for rows.Next() {
		msg := &StoredMessage{Recipient: to}
		var sender string
		if err := rows.Scan(&sender, &msg.StorageKey, &msg.SenderKey, &msg.Message, &msg.Size); err != nil {
			return nil, fmt.Errorf("failed to scan message: %v", err)
		}
		from, err := protocol.ParseId(sender)
		if err != nil {
			return nil, err
		}
		msg.From = from
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// RemoveMessage deletes a delivered entry; no-op if already gone
func (s *SQLiteStore) RemoveMessage(msg *StoredMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin remove: %v", err)
	}
	defer tx.Rollback()

	var hash string
	err = tx.QueryRow(
		`SELECT blob_hash FROM stored_messages
		 WHERE recipient = ? AND sender = ? AND storage_key = ?`,
		msg.Recipient.String(), msg.From.String(), msg.StorageKey,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up entry: %v", err)
	}

	if _, err := tx.Exec(
		`DELETE FROM stored_messages WHERE recipient = ? AND sender = ? AND storage_key = ?`,
		msg.Recipient.String(), msg.From.String(), msg.StorageKey,
	); err != nil {
		return fmt.Errorf("failed to delete entry: %v", err)
	}

	if err := releaseBlob(tx, hash); err != nil {
		return err
	}

	return tx.Commit()
}

// StoredBytes returns a recipient's current usage
func (s *SQLiteStore) StoredBytes(to protocol.Id) (int64, error) {
	var used int64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(size), 0) FROM stored_messages WHERE recipient = ?`,
		to.String(),
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to read recipient usage: %v", err)
	}
	return used, nil
}

// GetStats returns a snapshot across all recipients
func (s *SQLiteStore) GetStats() (Stats, error) {
	var stats Stats
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM stored_messages`,
	).Scan(&stats.Messages, &stats.TotalBytes)
	if err != nil {
		return stats, fmt.Errorf("failed to read stats: %v", err)
	}
	return stats, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// releaseBlob drops one reference and garbage-collects the blob when
// nothing points at it anymore
func releaseBlob(tx *sql.Tx, hash string) error {
	if _, err := tx.Exec(`UPDATE blobs SET refs = refs - 1 WHERE hash = ?`, hash); err != nil {
		return fmt.Errorf("failed to release blob: %v", err)
	}
	if _, err := tx.Exec(`DELETE FROM blobs WHERE hash = ? AND refs <= 0`, hash); err != nil {
		return fmt.Errorf("failed to collect blob: %v", err)
	}
	return nil
}
