// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"fmt"
)

// Tx is an atomic multi-table transaction. All mutations made through it
// become visible together on commit, or not at all if the callback errors.
type Tx struct {
	store   *Store
	tx      querier
	ctx     context.Context
	touched map[string]struct{}
}

// Transaction runs fn inside a single all-or-nothing transaction. Any error
// returned by fn rolls the whole transaction back and is returned to the
// caller. Watchers of touched tables are notified only after a successful
// commit.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	t := &Tx{store: s, tx: sqlTx, ctx: ctx, touched: make(map[string]struct{})}

	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	for table := range t.touched {
		s.notify(table)
	}
	return nil
}

func (t *Tx) touch(table string) {
	t.touched[table] = struct{}{}
}

// Get returns the record stored under key, or ErrNotFound.
func (t *Tx) Get(table, key string) (Record, error) {
	spec, err := t.store.Spec(table)
	if err != nil {
		return nil, err
	}
	return getRecord(t.ctx, t.tx, spec, key)
}

// Put upserts the record and marks it pending.
func (t *Tx) Put(table string, rec Record) error {
	spec, err := t.store.Spec(table)
	if err != nil {
		return err
	}
	if err := putRecord(t.ctx, t.tx, spec, rec, StatusPending); err != nil {
		return err
	}
	t.touch(table)
	return nil
}

// PutSynced upserts the record tagged synced (remote-origin writes).
func (t *Tx) PutSynced(table string, rec Record) error {
	spec, err := t.store.Spec(table)
	if err != nil {
		return err
	}
	if err := putRecord(t.ctx, t.tx, spec, rec, StatusSynced); err != nil {
		return err
	}
	t.touch(table)
	return nil
}

// Restore upserts the record exactly as given, preserving whatever sync
// status it already carries. Used by the undo path to put a snapshot back
// without re-queueing an already-synced row.
func (t *Tx) Restore(table string, rec Record) error {
	spec, err := t.store.Spec(table)
	if err != nil {
		return err
	}
	if err := putRecordRaw(t.ctx, t.tx, spec, rec); err != nil {
		return err
	}
	t.touch(table)
	return nil
}

// Delete removes the record under key and reports whether a row existed.
func (t *Tx) Delete(table, key string) (bool, error) {
	spec, err := t.store.Spec(table)
	if err != nil {
		return false, err
	}
	n, err := deleteRecord(t.ctx, t.tx, spec, key)
	if err != nil {
		return false, err
	}
	t.touch(table)
	return n > 0, nil
}

// Query returns the records of table matching q, observing the transaction's
// uncommitted writes.
func (t *Tx) Query(table string, q Query) ([]Record, error) {
	spec, err := t.store.Spec(table)
	if err != nil {
		return nil, err
	}
	return queryRecords(t.ctx, t.tx, spec, q)
}

// AddUndoRecord snapshots a deleted entity and returns the snapshot's id.
func (t *Tx) AddUndoRecord(rec UndoRecord) (int64, error) {
	id, err := insertUndoRecord(t.ctx, t.tx, rec)
	if err != nil {
		return 0, err
	}
	t.touch(tableUndoRecords)
	return id, nil
}

// DeleteUndoRecord removes a snapshot by id.
func (t *Tx) DeleteUndoRecord(localID int64) error {
	if err := deleteUndoRecord(t.ctx, t.tx, localID); err != nil {
		return err
	}
	t.touch(tableUndoRecords)
	return nil
}

// AddDeletionMarker queues a pending remote-delete intent.
func (t *Tx) AddDeletionMarker(collection, docID string) (int64, error) {
	id, err := insertDeletionMarker(t.ctx, t.tx, collection, docID)
	if err != nil {
		return 0, err
	}
	t.touch(tableDeletionsQueue)
	return id, nil
}

// RemoveDeletionMarker cancels the queued deletion for (collection, docID).
// Reports whether a marker was still queued; false means the deletion has
// already drained to the remote store.
func (t *Tx) RemoveDeletionMarker(collection, docID string) (bool, error) {
	n, err := deleteDeletionMarkerByDoc(t.ctx, t.tx, collection, docID)
	if err != nil {
		return false, err
	}
	t.touch(tableDeletionsQueue)
	return n > 0, nil
}
