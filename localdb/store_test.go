// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	// Every registered table plus the three control tables must exist.
	expected := []string{"patients", "prescriptions", "departments",
		"undo_records", "deletions_queue", "audit_logs"}
	for _, table := range expected {
		var count int
		err := s.db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	var version int
	require.NoError(t, s.db.QueryRow(`PRAGMA user_version`).Scan(&version))
	require.Equal(t, schemaVersion, version)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(":memory:", &Config{})
	require.Error(t, err)

	_, err = Open(":memory:", &Config{Tables: []TableSpec{
		{Name: "patients"}, {Name: "patients"},
	}})
	require.ErrorContains(t, err, "duplicate")
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := Record{"uid": "p1", "firstName": "Ada", "lastName": "Okafor"}
	require.NoError(t, s.Put(ctx, "patients", rec))

	got, err := s.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.Equal(t, "Ada", got["firstName"])
	// Application writes always come back pending.
	require.Equal(t, StatusPending, got.Status())

	require.NoError(t, s.Delete(ctx, "patients", "p1"))
	_, err = s.Get(ctx, "patients", "p1")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is a no-op.
	require.NoError(t, s.Delete(ctx, "patients", "p1"))
}

func TestPutSyncedTagsRemoteOriginWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutSynced(ctx, "patients", Record{"uid": "p1", "firstName": "Ada"}))
	got, err := s.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, got.Status())

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDepartmentsKeyByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "departments", Record{"id": "cardio", "name": "Cardiology"}))
	got, err := s.Get(ctx, "departments", "cardio")
	require.NoError(t, err)
	require.Equal(t, "Cardiology", got["name"])

	// A departments record without "id" cannot be stored.
	err = s.Put(ctx, "departments", Record{"uid": "nope"})
	require.Error(t, err)
}

func TestQueryPredicatesAndOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, r := range []Record{
		{"uid": "rx1", "patientUid": "p1", "status": "Pending", "createdAt": "2026-01-01"},
		{"uid": "rx2", "patientUid": "p1", "status": "Dispensed", "createdAt": "2026-02-01"},
		{"uid": "rx3", "patientUid": "p2", "status": "Pending", "createdAt": "2026-03-01"},
	} {
		require.NoError(t, s.Put(ctx, "prescriptions", r))
	}

	byPatient, err := s.Query(ctx, "prescriptions", Query{Where: []Cond{Eq("patientUid", "p1")}})
	require.NoError(t, err)
	require.Len(t, byPatient, 2)

	// Range predicate over an indexed date field, newest first.
	recent, err := s.Query(ctx, "prescriptions", Query{
		Where:   []Cond{{Field: "createdAt", Op: OpGe, Value: "2026-02-01"}},
		OrderBy: "createdAt",
		Desc:    true,
	})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "rx3", recent[0]["uid"])
	require.Equal(t, "rx2", recent[1]["uid"])

	limited, err := s.Query(ctx, "prescriptions", Query{OrderBy: "createdAt", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "rx1", limited[0]["uid"])

	n, err := s.Count(ctx, "prescriptions", Query{Where: []Cond{Eq("status", "Pending")}})
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestQueryUnknownTable(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Query(context.Background(), "nope", Query{})
	require.Error(t, err)
}

func TestMarkSyncedUpdatesColumnAndDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "patients", Record{"uid": "p1", "firstName": "Ada"}))
	require.NoError(t, s.Put(ctx, "patients", Record{"uid": "p2", "firstName": "Eze"}))

	pending, err := s.PendingRecords(ctx, "patients")
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkSynced(ctx, "patients", []string{"p1", "p2"}))

	pending, err = s.PendingRecords(ctx, "patients")
	require.NoError(t, err)
	require.Empty(t, pending)

	// The stored document itself carries the flipped status, so snapshots
	// and reads agree with the column.
	got, err := s.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, got.Status())
}

func TestPendingCountAggregatesRowsAndMarkers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "patients", Record{"uid": "p1"}))
	require.NoError(t, s.Put(ctx, "vitals", Record{"uid": "v1", "patientUid": "p1"}))
	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.AddDeletionMarker("prescriptions", "rx9")
		return err
	}))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Local-only tables never contribute to the aggregate.
	require.NoError(t, s.Put(ctx, "laboratory_results", Record{"uid": "lab1"}))
	n, err = s.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestClearAllWipesEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "patients", Record{"uid": "p1"}))
	require.NoError(t, s.AppendAudit(ctx, AuditEntry{
		UID: "log_1", UserUID: "u1", Action: "CREATE_PATIENT", Status: StatusPending,
	}))
	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.AddDeletionMarker("patients", "p0")
		return err
	}))

	require.NoError(t, s.ClearAll(ctx))

	_, err := s.Get(ctx, "patients", "p1")
	require.ErrorIs(t, err, ErrNotFound)
	markers, err := s.PendingDeletions(ctx)
	require.NoError(t, err)
	require.Empty(t, markers)
	entries, err := s.PendingAudit(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReopenKeepsRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "patients", Record{"uid": "p1", "firstName": "Ada"}))
	require.NoError(t, s.Close())

	// Re-opening re-runs migrations; they are additive and must keep rows.
	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.Equal(t, "Ada", got["firstName"])
}
