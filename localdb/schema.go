// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"database/sql"
	"fmt"
)

// schemaVersion is the current schema version. Migrations are strictly
// additive: a version bump may create tables or indexes but never drops or
// rewrites existing rows, so upgrading in place cannot lose data.
const schemaVersion = 3

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for v := current + 1; v <= schemaVersion; v++ {
		if err := s.applyMigration(tx, v); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", v, err)
		}
	}
	// PRAGMA does not support placeholders.
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("failed to bump schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	s.logger.Debug("local schema migrated", "from", current, "to", schemaVersion)
	return nil
}

func (s *Store) applyMigration(tx *sql.Tx, version int) error {
	switch version {
	case 1:
		return s.migrateV1(tx)
	case 2:
		return s.migrateV2(tx)
	case 3:
		return s.migrateV3(tx)
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}
}

// migrateV1 creates the entity tables and the three control tables.
func (s *Store) migrateV1(tx *sql.Tx) error {
	for _, spec := range s.cfg.Tables {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			pk          TEXT PRIMARY KEY,
			data        TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending'
				CHECK (sync_status IN ('synced','pending','error'))
		)`, quoteIdent(spec.Name))
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", spec.Name, err)
		}
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_sync_status ON %s (sync_status)`,
			spec.Name, quoteIdent(spec.Name))
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("failed to index table %s: %w", spec.Name, err)
		}
	}

	ctl := []string{
		`CREATE TABLE IF NOT EXISTS undo_records (
			local_id    INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name  TEXT NOT NULL,
			record_data TEXT NOT NULL,
			deleted_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deletions_queue (
			local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			collection_name TEXT NOT NULL,
			doc_id          TEXT NOT NULL,
			sync_status     TEXT NOT NULL DEFAULT 'pending'
				CHECK (sync_status IN ('synced','pending','error'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deletions_queue_doc
			ON deletions_queue (collection_name, doc_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deletions_queue_status
			ON deletions_queue (sync_status)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			local_id          INTEGER PRIMARY KEY AUTOINCREMENT,
			uid               TEXT NOT NULL UNIQUE,
			timestamp         TEXT NOT NULL,
			user_uid          TEXT NOT NULL,
			user_display_name TEXT NOT NULL,
			action            TEXT NOT NULL,
			details           TEXT NOT NULL,
			sync_status       TEXT NOT NULL DEFAULT 'pending'
				CHECK (sync_status IN ('synced','pending','error'))
		)`,
	}
	for _, ddl := range ctl {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create control table: %w", err)
		}
	}
	return nil
}

// migrateV2 adds the secondary expression indexes declared by each table
// spec. Index-only: existing rows are untouched.
func (s *Store) migrateV2(tx *sql.Tx) error {
	for _, spec := range s.cfg.Tables {
		for _, field := range spec.Indexes {
			idx := fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (json_extract(data, '$.%s'))`,
				spec.Name, field, quoteIdent(spec.Name), field)
			if _, err := tx.Exec(idx); err != nil {
				return fmt.Errorf("failed to index %s.%s: %w", spec.Name, field, err)
			}
		}
	}
	return nil
}

// migrateV3 adds the audit log query indexes.
func (s *Store) migrateV3(tx *sql.Tx) error {
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs (user_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs (action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_status ON audit_logs (sync_status)`,
	} {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("failed to index audit_logs: %w", err)
		}
	}
	return nil
}
