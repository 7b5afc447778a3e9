// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

// Package localdb provides the durable, versioned, on-device store backing
// the offline-first sync core. Every syncable table keeps its rows as JSON
// documents keyed by the table's primary key field, with a sync status column
// driving push selection, plus three control tables: undo_records,
// deletions_queue and audit_logs.
package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Get when no row exists for the key.
var ErrNotFound = errors.New("localdb: record not found")

// ErrClosed is returned once the store has been closed.
var ErrClosed = errors.New("localdb: store is closed")

// Config holds configuration for the local store.
type Config struct {
	Tables []TableSpec
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with the default EMR table set.
func DefaultConfig() *Config {
	return &Config{Tables: DefaultTables()}
}

// Store is an explicitly constructed local database instance. It supports
// concurrent readers and writers from multiple goroutines; multi-table
// mutations go through Transaction so partial states are never observable.
type Store struct {
	db     *sql.DB
	cfg    *Config
	logger *slog.Logger

	writeMu sync.Mutex // serialize writes to avoid SQLite lock contention

	watchMu  sync.Mutex
	watchers map[int64]*watcher
	watchSeq int64

	closeMu sync.Mutex
	closed  bool
}

// Open opens (creating if needed) the local database at path and applies any
// outstanding schema migrations. Use ":memory:" for an isolated in-memory
// instance (tests).
func Open(path string, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("config.Tables must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Tables))
	for _, spec := range cfg.Tables {
		if spec.Name == "" {
			return nil, fmt.Errorf("table spec with empty name")
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate table spec %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and lets the
	// write mutex fully serialize mutations.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		watchers: make(map[int64]*watcher),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database. Outstanding watchers are closed.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.closeWatchers()
	return s.db.Close()
}

// Tables returns the registered table specs.
func (s *Store) Tables() []TableSpec {
	out := make([]TableSpec, len(s.cfg.Tables))
	copy(out, s.cfg.Tables)
	return out
}

// SyncTables returns the specs participating in push/pull reconciliation.
func (s *Store) SyncTables() []TableSpec {
	var out []TableSpec
	for _, spec := range s.cfg.Tables {
		if !spec.LocalOnly {
			out = append(out, spec)
		}
	}
	return out
}

// Spec resolves a registered table by name.
func (s *Store) Spec(table string) (TableSpec, error) {
	for _, spec := range s.cfg.Tables {
		if spec.Name == table {
			return spec, nil
		}
	}
	return TableSpec{}, fmt.Errorf("localdb: unknown table %q", table)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get returns the record stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, table, key string) (Record, error) {
	spec, err := s.Spec(table)
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, s.db, spec, key)
}

// Put upserts the record by its primary key and marks it pending. This is
// the write path for application-originated mutations.
func (s *Store) Put(ctx context.Context, table string, rec Record) error {
	return s.putWithStatus(ctx, table, rec, StatusPending)
}

// PutSynced upserts the record tagged synced. Reserved for confirmed
// remote-origin writes (seeding and live subscription applies).
func (s *Store) PutSynced(ctx context.Context, table string, rec Record) error {
	return s.putWithStatus(ctx, table, rec, StatusSynced)
}

func (s *Store) putWithStatus(ctx context.Context, table string, rec Record, status SyncStatus) error {
	spec, err := s.Spec(table)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	err = putRecord(ctx, s.db, spec, rec, status)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(table)
	return nil
}

// Delete removes the record under key. Deleting a missing key is a no-op.
// Application code deletes through the undo coordinator instead, which also
// snapshots the record and queues the remote deletion.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	spec, err := s.Spec(table)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	_, err = deleteRecord(ctx, s.db, spec, key)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(table)
	return nil
}

// Query returns the records of table matching q.
func (s *Store) Query(ctx context.Context, table string, q Query) ([]Record, error) {
	spec, err := s.Spec(table)
	if err != nil {
		return nil, err
	}
	return queryRecords(ctx, s.db, spec, q)
}

// Count returns the number of records of table matching q.
func (s *Store) Count(ctx context.Context, table string, q Query) (int, error) {
	spec, err := s.Spec(table)
	if err != nil {
		return 0, err
	}
	return countRecords(ctx, s.db, spec, q)
}

// PendingRecords returns all rows of table with a pending sync status, the
// push engine's row selection.
func (s *Store) PendingRecords(ctx context.Context, table string) ([]Record, error) {
	return s.Query(ctx, table, Query{Where: []Cond{Eq(FieldSyncStatus, string(StatusPending))}})
}

// MarkSynced flips the listed keys of table to synced, both in the status
// column and inside the stored document. Runs as one statement per key in a
// single transaction.
func (s *Store) MarkSynced(ctx context.Context, table string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	spec, err := s.Spec(table)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	err = func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()
		stmt := fmt.Sprintf(
			`UPDATE %s SET sync_status = ?, data = json_set(data, '$.%s', ?) WHERE pk = ?`,
			quoteIdent(spec.Name), FieldSyncStatus)
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, stmt, string(StatusSynced), string(StatusSynced), key); err != nil {
				return fmt.Errorf("failed to mark %s.%s synced: %w", spec.Name, key, err)
			}
		}
		return tx.Commit()
	}()
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(table)
	return nil
}

// ClearAll wipes every table, entity and control alike, in one transaction.
// Used on logout. Concurrent readers observe either the fully-present or the
// fully-absent state.
func (s *Store) ClearAll(ctx context.Context) error {
	s.writeMu.Lock()
	err := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()
		for _, spec := range s.cfg.Tables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+quoteIdent(spec.Name)); err != nil {
				return fmt.Errorf("failed to clear table %s: %w", spec.Name, err)
			}
		}
		for _, ctl := range []string{"undo_records", "deletions_queue", "audit_logs"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+ctl); err != nil {
				return fmt.Errorf("failed to clear table %s: %w", ctl, err)
			}
		}
		return tx.Commit()
	}()
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notifyAll()
	return nil
}

// PendingCount is the externally observable "pending changes" metric: the
// number of pending rows across all syncable tables plus pending deletion
// markers. Always recomputed, never cached.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	total := 0
	for _, spec := range s.SyncTables() {
		n, err := countRecords(ctx, s.db, spec, Query{Where: []Cond{Eq(FieldSyncStatus, string(StatusPending))}})
		if err != nil {
			return 0, err
		}
		total += n
	}
	var markers int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deletions_queue WHERE sync_status = ?`, string(StatusPending)).Scan(&markers)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending deletions: %w", err)
	}
	var audits int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE sync_status = ?`, string(StatusPending)).Scan(&audits)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending audit entries: %w", err)
	}
	return total + markers + audits, nil
}

// --- low-level row helpers shared by Store and Tx ---

func getRecord(ctx context.Context, q querier, spec TableSpec, key string) (Record, error) {
	var raw []byte
	err := q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE pk = ?`, quoteIdent(spec.Name)), key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s.%s: %w", spec.Name, key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s.%s: %w", spec.Name, key, err)
	}
	return rec, nil
}

func putRecord(ctx context.Context, q querier, spec TableSpec, rec Record, status SyncStatus) error {
	clone, err := rec.Clone()
	if err != nil {
		return err
	}
	clone.SetStatus(status)
	return putRecordRaw(ctx, q, spec, clone)
}

// putRecordRaw upserts the record as-is, honoring whatever sync status is
// already embedded in it (the undo restore path relies on this).
func putRecordRaw(ctx context.Context, q querier, spec TableSpec, rec Record) error {
	key, err := spec.PrimaryKeyOf(rec)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s.%s: %w", spec.Name, key, err)
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (pk, data, sync_status) VALUES (?, ?, ?)
		ON CONFLICT (pk) DO UPDATE SET data = excluded.data, sync_status = excluded.sync_status
	`, quoteIdent(spec.Name)), key, string(raw), string(rec.Status()))
	if err != nil {
		return fmt.Errorf("failed to upsert %s.%s: %w", spec.Name, key, err)
	}
	return nil
}

func deleteRecord(ctx context.Context, q querier, spec TableSpec, key string) (int64, error) {
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE pk = ?`, quoteIdent(spec.Name)), key)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s.%s: %w", spec.Name, key, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// quoteIdent quotes a SQL identifier. Table names come from the registered
// specs, never from user input; quoting guards against reserved words.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
