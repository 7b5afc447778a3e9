// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Watcher identifiers for the control tables. They participate in the same
// change-notification scheme as the entity tables.
const (
	tableUndoRecords    = "undo_records"
	tableDeletionsQueue = "deletions_queue"
	tableAuditLogs      = "audit_logs"
)

// --- deletions queue ---

func insertDeletionMarker(ctx context.Context, q querier, collection, docID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO deletions_queue (collection_name, doc_id, sync_status)
		VALUES (?, ?, ?)
	`, collection, docID, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to queue deletion of %s.%s: %w", collection, docID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read deletion marker id: %w", err)
	}
	return id, nil
}

func deleteDeletionMarkerByDoc(ctx context.Context, q querier, collection, docID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM deletions_queue WHERE collection_name = ? AND doc_id = ? AND sync_status = ?
	`, collection, docID, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel deletion of %s.%s: %w", collection, docID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingDeletions returns all queued deletion markers awaiting drain, in
// queue order.
func (s *Store) PendingDeletions(ctx context.Context) ([]DeletionMarker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, collection_name, doc_id, sync_status
		FROM deletions_queue WHERE sync_status = ? ORDER BY local_id
	`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending deletions: %w", err)
	}
	defer rows.Close()

	var out []DeletionMarker
	for rows.Next() {
		var m DeletionMarker
		var status string
		if err := rows.Scan(&m.LocalID, &m.Collection, &m.DocID, &status); err != nil {
			return nil, fmt.Errorf("failed to scan deletion marker: %w", err)
		}
		m.Status = SyncStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deletion markers: %w", err)
	}
	return out, nil
}

// HasPendingDeletion reports whether a pending marker exists for the given
// document.
func (s *Store) HasPendingDeletion(ctx context.Context, collection, docID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM deletions_queue
			WHERE collection_name = ? AND doc_id = ? AND sync_status = ?
		)
	`, collection, docID, string(StatusPending)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending deletion: %w", err)
	}
	return exists, nil
}

// RemoveDeletions drops the listed markers from the queue after a confirmed
// remote drain. No tombstone is kept; the marker's job is done.
func (s *Store) RemoveDeletions(ctx context.Context, localIDs []int64) error {
	if len(localIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(localIDs)), ",")
	args := make([]any, len(localIDs))
	for i, id := range localIDs {
		args[i] = id
	}
	s.writeMu.Lock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deletions_queue WHERE local_id IN (`+placeholders+`)`, args...)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to remove drained deletions: %w", err)
	}
	s.notify(tableDeletionsQueue)
	return nil
}

// --- undo records ---

func insertUndoRecord(ctx context.Context, q querier, rec UndoRecord) (int64, error) {
	raw, err := json.Marshal(rec.RecordData)
	if err != nil {
		return 0, fmt.Errorf("failed to encode undo snapshot: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO undo_records (table_name, record_data, deleted_at)
		VALUES (?, ?, ?)
	`, rec.TableName, string(raw), rec.DeletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to insert undo record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read undo record id: %w", err)
	}
	return id, nil
}

func deleteUndoRecord(ctx context.Context, q querier, localID int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM undo_records WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("failed to delete undo record %d: %w", localID, err)
	}
	return nil
}

// GetUndoRecord loads a snapshot by id, or ErrNotFound.
func (s *Store) GetUndoRecord(ctx context.Context, localID int64) (UndoRecord, error) {
	var rec UndoRecord
	var raw []byte
	var deletedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT local_id, table_name, record_data, deleted_at
		FROM undo_records WHERE local_id = ?
	`, localID).Scan(&rec.LocalID, &rec.TableName, &raw, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UndoRecord{}, ErrNotFound
	}
	if err != nil {
		return UndoRecord{}, fmt.Errorf("failed to read undo record %d: %w", localID, err)
	}
	if err := json.Unmarshal(raw, &rec.RecordData); err != nil {
		return UndoRecord{}, fmt.Errorf("failed to decode undo snapshot %d: %w", localID, err)
	}
	if rec.DeletedAt, err = time.Parse(time.RFC3339Nano, deletedAt); err != nil {
		return UndoRecord{}, fmt.Errorf("failed to parse undo timestamp %d: %w", localID, err)
	}
	return rec, nil
}

// DeleteUndoRecord removes a snapshot outside a transaction (expiry cleanup).
func (s *Store) DeleteUndoRecord(ctx context.Context, localID int64) error {
	s.writeMu.Lock()
	err := deleteUndoRecord(ctx, s.db, localID)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	s.notify(tableUndoRecords)
	return nil
}

// PurgeUndoRecordsBefore deletes every snapshot older than cutoff and
// returns how many were removed. Sweeps snapshots orphaned by a crash before
// their expiry cleanup could run.
func (s *Store) PurgeUndoRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM undo_records WHERE deleted_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	s.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to purge undo records: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.notify(tableUndoRecords)
	}
	return n, nil
}

// UndoRecordCount returns the number of stored snapshots.
func (s *Store) UndoRecordCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM undo_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count undo records: %w", err)
	}
	return n, nil
}

// --- audit log ---

// AppendAudit writes one audit entry. Entries are append-only; nothing in
// the core ever rewrites or deletes them.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.writeMu.Lock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (uid, timestamp, user_uid, user_display_name, action, details, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.UID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.UserUID, e.UserDisplayName,
		e.Action, e.Details, string(e.Status))
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	s.notify(tableAuditLogs)
	return nil
}

// PendingAudit returns audit entries not yet confirmed remote, oldest first.
func (s *Store) PendingAudit(ctx context.Context) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, uid, timestamp, user_uid, user_display_name, action, details, sync_status
		FROM audit_logs WHERE sync_status = ? ORDER BY local_id
	`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// AuditEntries returns entries matching the optional filters, newest first.
func (s *Store) AuditEntries(ctx context.Context, userUID, action string, limit int) ([]AuditEntry, error) {
	stmt := `
		SELECT local_id, uid, timestamp, user_uid, user_display_name, action, details, sync_status
		FROM audit_logs`
	var conds []string
	var args []any
	if userUID != "" {
		conds = append(conds, "user_uid = ?")
		args = append(args, userUID)
	}
	if action != "" {
		conds = append(conds, "action = ?")
		args = append(args, action)
	}
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	stmt += " ORDER BY timestamp DESC"
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// MarkAuditSynced flips the listed audit entries to synced after a
// confirmed push. The only mutation audit rows ever see.
func (s *Store) MarkAuditSynced(ctx context.Context, localIDs []int64) error {
	if len(localIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(localIDs)), ",")
	args := make([]any, 0, len(localIDs)+1)
	args = append(args, string(StatusSynced))
	for _, id := range localIDs {
		args = append(args, id)
	}
	s.writeMu.Lock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE audit_logs SET sync_status = ? WHERE local_id IN (`+placeholders+`)`, args...)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to mark audit entries synced: %w", err)
	}
	s.notify(tableAuditLogs)
	return nil
}

func scanAuditEntries(rows *sql.Rows) ([]AuditEntry, error) {
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts, status string
		if err := rows.Scan(&e.LocalID, &e.UID, &ts, &e.UserUID, &e.UserDisplayName,
			&e.Action, &e.Details, &status); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audit timestamp: %w", err)
		}
		e.Timestamp = parsed
		e.Status = SyncStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return out, nil
}
