// Package storage is the local SQLite cache of confirmed chat messages.
// Threads are served from here instantly on conversation switch while the
// authoritative fetch is in flight; reconciled server data is upserted back.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Message is one cached chat message row.
type Message struct {
	Conversation string  `json:"conversation"`
	Sender       string  `json:"sender"`
	Receiver     string  `json:"receiver"`
	GroupID      string  `json:"group_id,omitempty"`
	Content      *string `json:"content"`
	AudioFileID  string  `json:"audio_file_id,omitempty"`
	FileID       string  `json:"file_id,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	Timestamp    int64   `json:"timestamp"` // unix millis
	SentByMe     bool    `json:"sent_by_me"`
}

// DB wraps the SQLite message cache.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the cache at path, creating parent directories.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	// WAL keeps the reader (viewer) from blocking the reconcile writer.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure cache: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			conversation  TEXT NOT NULL,
			sender        TEXT NOT NULL,
			receiver      TEXT DEFAULT '',
			group_id      TEXT DEFAULT '',
			content       TEXT,
			audio_file_id TEXT DEFAULT '',
			file_id       TEXT DEFAULT '',
			filename      TEXT DEFAULT '',
			timestamp     INTEGER NOT NULL,
			sent_by_me    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation, sender, timestamp)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_thread
			ON messages (conversation, timestamp);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the cache.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Upsert inserts or replaces one message keyed by (conversation, sender,
// timestamp) — the same composite identity the reconciliation store uses.
func (d *DB) Upsert(m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO messages
			(conversation, sender, receiver, group_id, content,
			 audio_file_id, file_id, filename, timestamp, sent_by_me)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Conversation, m.Sender, m.Receiver, m.GroupID, m.Content,
		m.AudioFileID, m.FileID, m.Filename, m.Timestamp, boolInt(m.SentByMe))
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// ReplaceThread atomically replaces a conversation's cached messages with
// the authoritative set from the server.
func (d *DB) ReplaceThread(conversation string, msgs []Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("replace thread: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation = ?`, conversation); err != nil {
		return fmt.Errorf("replace thread: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO messages
			(conversation, sender, receiver, group_id, content,
			 audio_file_id, file_id, filename, timestamp, sent_by_me)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("replace thread: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.Exec(conversation, m.Sender, m.Receiver, m.GroupID, m.Content,
			m.AudioFileID, m.FileID, m.Filename, m.Timestamp, boolInt(m.SentByMe)); err != nil {
			return fmt.Errorf("replace thread: %w", err)
		}
	}
	return tx.Commit()
}

// Thread returns up to limit cached messages for a conversation, ordered by
// timestamp ascending (the most recent window of the thread).
func (d *DB) Thread(conversation string, limit int) ([]Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT conversation, sender, receiver, group_id, content,
		       audio_file_id, file_id, filename, timestamp, sent_by_me
		FROM (
			SELECT * FROM messages
			WHERE conversation = ?
			ORDER BY timestamp DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC
	`, conversation, limit)
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var sentByMe int
		if err := rows.Scan(&m.Conversation, &m.Sender, &m.Receiver, &m.GroupID, &m.Content,
			&m.AudioFileID, &m.FileID, &m.Filename, &m.Timestamp, &sentByMe); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SentByMe = sentByMe != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClearThread removes a conversation's cached messages.
func (d *DB) ClearThread(conversation string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`DELETE FROM messages WHERE conversation = ?`, conversation)
	if err != nil {
		return fmt.Errorf("clear thread: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
