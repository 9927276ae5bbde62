package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "records: staged memory records with redundancy tags",
		SQL: `
CREATE TABLE records (
    id               TEXT PRIMARY KEY,
    owner            TEXT NOT NULL,
    stage            TEXT NOT NULL CHECK (stage IN ('working', 'consolidated', 'archive')),
    sensitive        INTEGER NOT NULL DEFAULT 0,
    weight           INTEGER NOT NULL DEFAULT 0,

    -- Payload plus codec-generated redundancy data. The payload may be
    -- envelope-wrapped; the tag always matches the stored payload bytes.
    payload          BLOB NOT NULL,
    tag              BLOB NOT NULL,

    -- Access tracking
    created_at       INTEGER NOT NULL,
    last_accessed_at INTEGER NOT NULL,
    access_count     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_records_owner ON records(owner);
CREATE INDEX idx_records_stage ON records(stage);
CREATE INDEX idx_records_stage_accessed ON records(stage, last_accessed_at);
`,
	},
	{
		Version:     2,
		Description: "records: archive payload compression",
		SQL: `
ALTER TABLE records ADD COLUMN compressed INTEGER NOT NULL DEFAULT 0;
ALTER TABLE records ADD COLUMN original_len INTEGER NOT NULL DEFAULT 0;
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
