// Package storage persists chat history in SQLite so a session resuming on
// the same thread can show messages without waiting for the first refetch.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// StoredMessage is one chat message row. The id pair (chat_id, message_id)
// is the primary key; writes are upserts so refetches are idempotent.
type StoredMessage struct {
	ChatID      string
	MessageID   string
	SenderKey   string
	SenderName  string
	Mine        bool
	Content     string
	ContentType string
	CreatedOn   time.Time
	Deleted     bool
}

// Store wraps the SQLite database holding chat history.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the database in the given directory.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "callbridge.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			chat_id      TEXT NOT NULL,
			message_id   TEXT NOT NULL,
			sender_key   TEXT DEFAULT '',
			sender_name  TEXT DEFAULT '',
			mine         INTEGER DEFAULT 0,
			content      TEXT NOT NULL,
			content_type TEXT DEFAULT 'text',
			created_on   DATETIME NOT NULL,
			deleted      INTEGER DEFAULT 0,
			PRIMARY KEY (chat_id, message_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat_messages table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertMessage writes a message row, replacing any previous version with
// the same id. Edits and refetched duplicates both land here.
func (s *Store) UpsertMessage(m StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO chat_messages
			(chat_id, message_id, sender_key, sender_name, mine, content, content_type, created_on, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET
			sender_key = excluded.sender_key,
			sender_name = excluded.sender_name,
			mine = excluded.mine,
			content = excluded.content,
			content_type = excluded.content_type,
			deleted = excluded.deleted
	`, m.ChatID, m.MessageID, m.SenderKey, m.SenderName, boolToInt(m.Mine),
		m.Content, m.ContentType, m.CreatedOn.UTC(), boolToInt(m.Deleted))
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.MessageID, err)
	}
	return nil
}

// MarkDeleted flags a message as soft-deleted without dropping the row.
func (s *Store) MarkDeleted(chatID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE chat_messages SET deleted = 1 WHERE chat_id = ? AND message_id = ?`,
		chatID, messageID)
	if err != nil {
		return fmt.Errorf("mark deleted %s: %w", messageID, err)
	}
	return nil
}

// RecentMessages returns the newest non-deleted messages of a chat in
// chronological order, capped at limit.
func (s *Store) RecentMessages(chatID string, limit int) ([]StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT chat_id, message_id, sender_key, sender_name, mine, content, content_type, created_on
		FROM chat_messages
		WHERE chat_id = ? AND deleted = 0
		ORDER BY created_on DESC, message_id DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var mine int
		if err := rows.Scan(&m.ChatID, &m.MessageID, &m.SenderKey, &m.SenderName,
			&mine, &m.Content, &m.ContentType, &m.CreatedOn); err != nil {
			return nil, err
		}
		m.Mine = mine != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query, chronological for callers.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PurgeChat drops all history for a chat thread.
func (s *Store) PurgeChat(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM chat_messages WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("purge chat %s: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debugf("purged %d messages for chat %s", n, chatID)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
