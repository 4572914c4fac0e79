package invite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store persists invitations and partnerships in SQLite. All mutating
// methods that must be atomic run inside a transaction.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "pairing.db")

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
		CREATE TABLE IF NOT EXISTS invitations (
			id              TEXT PRIMARY KEY,
			sender_id       TEXT NOT NULL,
			sender_email    TEXT NOT NULL,
			sender_name     TEXT DEFAULT '',
			recipient_email TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create invitations table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS partnerships (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			partner_id    TEXT NOT NULL,
			partner_email TEXT DEFAULT '',
			partner_name  TEXT DEFAULT '',
			room_id       TEXT NOT NULL,
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (user_id, partner_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create partnerships table: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }
