// Package storage persists the inbox archive in a per-peer SQLite database.
// The protocol does not require it to survive restarts; it exists so the
// REPL's dms listing and the archival facility share one backing store.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database for one peer identity.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens or creates the database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "lsnp.db"))
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: configure database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS inbox (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT NOT NULL DEFAULT '',
			entry      TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create inbox table: %w", err)
	}
	return &Store{db: db}, nil
}

// AppendInbox archives one inbox entry. Duplicate DM content appends again;
// there is deliberately no message-ID dedup here.
func (s *Store) AppendInbox(kind, entry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO inbox (kind, entry) VALUES (?, ?)`, kind, entry)
	return err
}

// Inbox returns the most recent entries, oldest first. limit <= 0 means all.
func (s *Store) Inbox(limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := `SELECT entry FROM inbox ORDER BY id`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		q = `SELECT entry FROM (
			SELECT id, entry FROM inbox ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		rows, err = s.db.Query(q, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var entry string
		if err := rows.Scan(&entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Prune removes archived entries older than maxAge.
func (s *Store) Prune(maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`DELETE FROM inbox WHERE created_at < ?`,
		time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
