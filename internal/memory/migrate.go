package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// migration is one schema step, applied once and recorded in schema_version.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: users, contexts, accounts, preferences, meta",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			identity    TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			external_id TEXT NOT NULL,
			username    TEXT DEFAULT '',
			first_name  TEXT DEFAULT '',
			last_name   TEXT DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS contexts (
			identity    TEXT PRIMARY KEY,
			messages    TEXT NOT NULL,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS accounts (
			identity    TEXT PRIMARY KEY,
			daily       INTEGER NOT NULL,
			premium     INTEGER NOT NULL,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS preferences (
			identity    TEXT PRIMARY KEY,
			proxy       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meta (
			key         TEXT PRIMARY KEY,
			value       TEXT NOT NULL
		);
		`,
	},
	{
		Version:     2,
		Description: "outbound message bookkeeping for edit-in-place",
		SQL: `
		CREATE TABLE IF NOT EXISTS outbound_messages (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			identity       TEXT NOT NULL,
			text           TEXT DEFAULT '',
			tag            TEXT DEFAULT '',
			delivered_id   TEXT NOT NULL,
			pending_edit   INTEGER DEFAULT 0,
			pending_delete INTEGER DEFAULT 0,
			pushed         INTEGER DEFAULT 0,
			created_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_outbound_identity_tag ON outbound_messages(identity, tag);
		`,
	},
}

// RunMigrations applies every migration newer than the recorded version,
// each in its own transaction.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		if err := applyMigration(db, m); err != nil {
			return err
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration v%d: %w", m.Version, err)
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

// GetSchemaVersion returns the recorded schema version, 0 for a fresh db.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
