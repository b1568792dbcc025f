package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sudalk/nanobot/logging"
)

// SQLiteStore is a persistent Store backed by SQLite. The schema is created
// automatically and parent directories are created if needed. Save replaces
// the full turn list inside a transaction, which also gives per-key
// serialization of concurrent saves.
type SQLiteStore struct {
	db     *sql.DB
	logger logging.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, logger logging.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logging.OrNoOp(logger)}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("session.store.opened", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL REFERENCES sessions(key) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetOrCreate loads the session for key, creating an empty row if absent.
func (s *SQLiteStore) GetOrCreate(key string) (*Session, error) {
	var created, updated time.Time
	err := s.db.QueryRow(
		"SELECT created_at, updated_at FROM sessions WHERE key = ?", key,
	).Scan(&created, &updated)
	if err == sql.ErrNoRows {
		sess := NewSession(key)
		_, err = s.db.Exec(
			"INSERT INTO sessions (key, created_at, updated_at) VALUES (?, ?, ?)",
			key, sess.Created, sess.Updated,
		)
		if err != nil {
			return nil, fmt.Errorf("creating session %s: %w", key, err)
		}
		return sess, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", key, err)
	}

	sess := &Session{Key: key, Created: created, Updated: updated}

	rows, err := s.db.Query(
		"SELECT role, content, created_at FROM turns WHERE session_key = ? ORDER BY id", key,
	)
	if err != nil {
		return nil, fmt.Errorf("loading turns for %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var turn Turn
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		sess.Turns = append(sess.Turns, turn)
	}
	return sess, rows.Err()
}

// Save persists the session snapshot, replacing the stored turn list.
func (s *SQLiteStore) Save(sess *Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting save: %w", err)
	}
	defer tx.Rollback()

	turns := sess.History()

	_, err = tx.Exec(
		`INSERT INTO sessions (key, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET updated_at = excluded.updated_at`,
		sess.Key, sess.Created, sess.Updated,
	)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.Key, err)
	}

	if _, err := tx.Exec("DELETE FROM turns WHERE session_key = ?", sess.Key); err != nil {
		return fmt.Errorf("clearing turns for %s: %w", sess.Key, err)
	}
	for _, turn := range turns {
		_, err := tx.Exec(
			"INSERT INTO turns (session_key, role, content, created_at) VALUES (?, ?, ?, ?)",
			sess.Key, turn.Role, turn.Content, turn.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("saving turn for %s: %w", sess.Key, err)
		}
	}

	return tx.Commit()
}

// Delete removes the session and its turns.
func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM turns WHERE session_key = ?", key); err != nil {
		return fmt.Errorf("deleting turns for %s: %w", key, err)
	}
	if _, err := s.db.Exec("DELETE FROM sessions WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting session %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
