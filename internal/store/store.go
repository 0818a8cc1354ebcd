// Package store persists document snapshots, the gateway session token,
// and per-instance metadata in a local SQLite database. Snapshots are
// whole encoded states keyed by document ID; the engine never reads or
// writes anything finer-grained, so the schema stays a plain key/blob
// table under WAL.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/taskweave/taskweave/internal/fault"
	"github.com/taskweave/taskweave/internal/logging"
)

// Store wraps the SQLite connection and path.
type Store struct {
	sql  *sql.DB
	path string
	log  *logging.Logger
}

// Open opens or creates the database, applies pragmas, and runs
// migrations.
func Open(path string, log *logging.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{sql: db, path: path, log: log.WithComponent("store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.sql == nil {
		return nil
	}
	return s.sql.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// SaveDocument stores the full snapshot for a document, replacing any
// previous one.
func (s *Store) SaveDocument(id string, data []byte) error {
	_, err := s.sql.Exec(`
		INSERT INTO documents (id, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			snapshot   = excluded.snapshot,
			updated_at = CURRENT_TIMESTAMP`,
		id, data)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", id, err)
	}
	return nil
}

// LoadDocument returns the stored snapshot for a document, or a
// not_found fault when none was ever saved.
func (s *Store) LoadDocument(id string) ([]byte, error) {
	var data []byte
	err := s.sql.QueryRow(`SELECT snapshot FROM documents WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.NotFoundf("no snapshot for document %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", id, err)
	}
	return data, nil
}

// ListDocuments returns every stored document ID in lexical order.
func (s *Store) ListDocuments() ([]string, error) {
	rows, err := s.sql.Query(`SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return ids, nil
}

// SaveSessionToken replaces the stored gateway token hash. Only one
// token is valid at a time; rotation is a plain overwrite.
func (s *Store) SaveSessionToken(hash string) error {
	_, err := s.sql.Exec(`
		INSERT INTO sessions (id, token_hash, rotated_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			token_hash = excluded.token_hash,
			rotated_at = CURRENT_TIMESTAMP`,
		hash)
	if err != nil {
		return fmt.Errorf("saving session token: %w", err)
	}
	return nil
}

// LoadSessionToken returns the stored token hash, or a not_found fault
// when no token has been issued yet.
func (s *Store) LoadSessionToken() (string, error) {
	var hash string
	err := s.sql.QueryRow(`SELECT token_hash FROM sessions WHERE id = 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fault.NotFoundf("no session token issued")
	}
	if err != nil {
		return "", fmt.Errorf("loading session token: %w", err)
	}
	return hash, nil
}

// InstanceValue returns a per-instance metadata value such as the stable
// replica ID, or a not_found fault when the key was never set.
func (s *Store) InstanceValue(key string) (string, error) {
	var value string
	err := s.sql.QueryRow(`SELECT value FROM instance_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fault.NotFoundf("no instance value %q", key)
	}
	if err != nil {
		return "", fmt.Errorf("loading instance value %q: %w", key, err)
	}
	return value, nil
}

// SetInstanceValue stores a per-instance metadata value.
func (s *Store) SetInstanceValue(key, value string) error {
	_, err := s.sql.Exec(`
		INSERT INTO instance_meta (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("setting instance value %q: %w", key, err)
	}
	return nil
}
