// Package history keeps a durable local mirror of the user's call
// history. The shared store remains the source of truth; the mirror
// survives store resets and works offline for display.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/converse-chat/converse/internal/call"
)

// DB wraps the SQLite call-history mirror.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the history database in dir.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "history.db")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			id            TEXT PRIMARY KEY,
			with_uid      TEXT NOT NULL,
			with_name     TEXT DEFAULT '',
			with_username TEXT DEFAULT '',
			call_type     TEXT NOT NULL,
			direction     TEXT NOT NULL,
			status        TEXT NOT NULL,
			ts            INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_history table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Record upserts a history item. Replays of the same call id overwrite
// in place, matching the store's last-write-wins per call.
func (d *DB) Record(item call.HistoryItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO call_history
			(id, with_uid, with_name, with_username, call_type, direction, status, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.With.UID, item.With.Name, item.With.Username,
		string(item.Type), string(item.Direction), string(item.Status), item.Timestamp)
	if err != nil {
		return fmt.Errorf("record call %s: %w", item.ID, err)
	}
	return nil
}

// UpdateStatus patches the status of an existing item. Unknown ids are
// ignored; the initial Record may have failed and the store copy still
// holds the full item.
func (d *DB) UpdateStatus(id string, status call.HistoryStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`UPDATE call_history SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}
	return nil
}

// List returns the most recent items, newest first. limit <= 0 returns
// everything.
func (d *DB) List(limit int) ([]call.HistoryItem, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	query := `
		SELECT id, with_uid, with_name, with_username, call_type, direction, status, ts
		FROM call_history ORDER BY ts DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list call history: %w", err)
	}
	defer rows.Close()

	var items []call.HistoryItem
	for rows.Next() {
		var it call.HistoryItem
		var typ, dir, status string
		if err := rows.Scan(&it.ID, &it.With.UID, &it.With.Name, &it.With.Username,
			&typ, &dir, &status, &it.Timestamp); err != nil {
			return nil, err
		}
		it.Type = call.Type(typ)
		it.Direction = call.Direction(dir)
		it.Status = call.HistoryStatus(status)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Clear wipes the mirror.
func (d *DB) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(`DELETE FROM call_history`); err != nil {
		return fmt.Errorf("clear call history: %w", err)
	}
	return nil
}
