// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransactionAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutSynced(ctx, "patients", Record{"uid": "p1", "firstName": "Ada"}))

	// The delete-with-undo shape: snapshot + row delete + queued marker.
	// An error after all three writes must leave no trace of any of them.
	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx *Tx) error {
		snap, err := tx.Get("patients", "p1")
		require.NoError(t, err)
		if _, err := tx.AddUndoRecord(UndoRecord{
			TableName: "patients", RecordData: snap, DeletedAt: time.Now(),
		}); err != nil {
			return err
		}
		if _, err := tx.Delete("patients", "p1"); err != nil {
			return err
		}
		if _, err := tx.AddDeletionMarker("patients", "p1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.Equal(t, "Ada", got["firstName"])
	markers, err := s.PendingDeletions(ctx)
	require.NoError(t, err)
	require.Empty(t, markers)
	n, err := s.UndoRecordCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTransactionCommitsTogether(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutSynced(ctx, "patients", Record{"uid": "p1", "firstName": "Ada"}))

	var undoID int64
	err := s.Transaction(ctx, func(tx *Tx) error {
		snap, err := tx.Get("patients", "p1")
		if err != nil {
			return err
		}
		if undoID, err = tx.AddUndoRecord(UndoRecord{
			TableName: "patients", RecordData: snap, DeletedAt: time.Now(),
		}); err != nil {
			return err
		}
		if _, err := tx.Delete("patients", "p1"); err != nil {
			return err
		}
		_, err = tx.AddDeletionMarker("patients", "p1")
		return err
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, "patients", "p1")
	require.ErrorIs(t, err, ErrNotFound)
	markers, err := s.PendingDeletions(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 1)
	require.Equal(t, "patients", markers[0].Collection)
	require.Equal(t, "p1", markers[0].DocID)

	undo, err := s.GetUndoRecord(ctx, undoID)
	require.NoError(t, err)
	require.Equal(t, "patients", undo.TableName)
	require.Equal(t, "Ada", undo.RecordData["firstName"])
}

func TestTransactionSeesOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.Transaction(ctx, func(tx *Tx) error {
		if err := tx.Put("patients", Record{"uid": "p1", "firstName": "Ada"}); err != nil {
			return err
		}
		got, err := tx.Get("patients", "p1")
		if err != nil {
			return err
		}
		require.Equal(t, "Ada", got["firstName"])

		recs, err := tx.Query("patients", Query{Where: []Cond{Eq(FieldSyncStatus, string(StatusPending))}})
		if err != nil {
			return err
		}
		require.Len(t, recs, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestRestorePreservesEmbeddedStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	snap := Record{"uid": "p1", "firstName": "Ada"}
	snap.SetStatus(StatusSynced)
	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		return tx.Restore("patients", snap)
	}))

	got, err := s.Get(ctx, "patients", "p1")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, got.Status())

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRemoveDeletionMarkerReportsDrained(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.AddDeletionMarker("patients", "p1")
		return err
	}))

	// First cancellation finds the queued marker.
	err := s.Transaction(ctx, func(tx *Tx) error {
		ok, err := tx.RemoveDeletionMarker("patients", "p1")
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	// Second cancellation reports the marker already gone (drained).
	err = s.Transaction(ctx, func(tx *Tx) error {
		ok, err := tx.RemoveDeletionMarker("patients", "p1")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestPurgeUndoRecordsBefore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := UndoRecord{TableName: "patients", RecordData: Record{"uid": "p1"},
		DeletedAt: time.Now().Add(-time.Hour)}
	fresh := UndoRecord{TableName: "patients", RecordData: Record{"uid": "p2"},
		DeletedAt: time.Now()}
	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.AddUndoRecord(old); err != nil {
			return err
		}
		_, err := tx.AddUndoRecord(fresh)
		return err
	}))

	purged, err := s.PurgeUndoRecordsBefore(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)

	n, err := s.UndoRecordCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAuditAppendAndMarkSynced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := AuditEntry{
		UID: "log_abc", Timestamp: time.Now(), UserUID: "u1",
		UserDisplayName: "Dr. Bello", Action: "DELETE_PATIENT",
		Details: "Deleted patient p1", Status: StatusPending,
	}
	require.NoError(t, s.AppendAudit(ctx, e))

	pending, err := s.PendingAudit(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "DELETE_PATIENT", pending[0].Action)

	require.NoError(t, s.MarkAuditSynced(ctx, []int64{pending[0].LocalID}))
	pending, err = s.PendingAudit(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	// The entry is still there, just synced.
	all, err := s.AuditEntries(ctx, "u1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, StatusSynced, all[0].Status)
}
