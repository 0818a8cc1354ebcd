package store

import (
	"fmt"
)

// migration is a single schema change.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "initial schema: documents, instance_meta",
		SQL:         migration001SQL,
	},
	{
		Version:     2,
		Description: "add sessions table for gateway token rotation",
		SQL:         migration002SQL,
	},
}

const migration001SQL = `
CREATE TABLE documents (
    id         TEXT PRIMARY KEY,
    snapshot   BLOB NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE instance_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX idx_documents_updated ON documents(updated_at DESC);
`

const migration002SQL = `
CREATE TABLE sessions (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    token_hash TEXT NOT NULL,
    rotated_at DATETIME NOT NULL
);
`

// migrate runs all pending migrations inside transactions.
func (s *Store) migrate() error {
	if _, err := s.sql.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	current, err := s.schemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := s.sql.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.Version, err)
		}

		s.log.DebugEvent().Int("version", m.Version).Str("description", m.Description).Msg("applied migration")
		current = m.Version
	}
	return nil
}

// schemaVersion returns the current schema version, 0 when no migrations
// have been applied.
func (s *Store) schemaVersion() (int, error) {
	var version int
	if err := s.sql.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("querying schema_version: %w", err)
	}
	return version, nil
}
