// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

// Package undo wraps local deletes in a reversible protocol: the record is
// snapshotted, removed from its table and queued for remote deletion in one
// transaction, and the caller receives a time-boxed toast whose Undo puts
// everything back and cancels the queued deletion.
package undo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lemmaiot-tech/j-doc-emr/audit"
	"github.com/lemmaiot-tech/j-doc-emr/localdb"
)

// DefaultWindow is how long a deletion stays reversible.
const DefaultWindow = 7 * time.Second

// ErrExpired is returned by Undo once the reversal window has closed or the
// toast was dismissed (including by a newer delete).
var ErrExpired = errors.New("undo: reversal window has closed")

// Config holds configuration for the coordinator.
type Config struct {
	Window time.Duration // reversal window, DefaultWindow when zero
	Audit  *audit.Logger // optional; delete/undo actions are recorded when set
	Logger *slog.Logger
}

// Coordinator manages delete-with-undo for one store. At most one toast is
// live at a time; starting a new delete dismisses the previous toast without
// executing its undo.
type Coordinator struct {
	store  *localdb.Store
	window time.Duration
	audit  *audit.Logger
	logger *slog.Logger

	mu      sync.Mutex
	current *Toast
	timer   *time.Timer
	seq     int64
}

// Toast is the reversal affordance for one deletion.
type Toast struct {
	ID      int64
	Message string

	coord        *Coordinator
	table        string
	collection   string
	key          string
	snapshot     localdb.Record
	undoRecordID int64
	user         audit.User
}

// New creates a coordinator over the given store.
func New(store *localdb.Store, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = &Config{}
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  store,
		window: window,
		audit:  cfg.Audit,
		logger: logger,
	}
}

// DeleteWithUndo deletes the record from its table and returns the toast
// bound to this deletion. In one transaction it snapshots the record,
// removes the row, and queues a deletion marker for the table's remote
// collection; all three land together or not at all.
func (c *Coordinator) DeleteWithUndo(ctx context.Context, table string, rec localdb.Record, user audit.User) (*Toast, error) {
	spec, err := c.store.Spec(table)
	if err != nil {
		return nil, err
	}
	key, err := spec.PrimaryKeyOf(rec)
	if err != nil {
		return nil, err
	}
	snapshot, err := rec.Clone()
	if err != nil {
		return nil, err
	}

	// A new delete supersedes any still-pending toast, without undoing it.
	c.Dismiss()

	var undoRecordID int64
	err = c.store.Transaction(ctx, func(tx *localdb.Tx) error {
		id, err := tx.AddUndoRecord(localdb.UndoRecord{
			TableName:  table,
			RecordData: snapshot,
			DeletedAt:  time.Now(),
		})
		if err != nil {
			return err
		}
		undoRecordID = id
		if _, err := tx.Delete(table, key); err != nil {
			return err
		}
		if _, err := tx.AddDeletionMarker(spec.Collection, key); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete with undo failed: %w", err)
	}

	c.logAction(ctx, user, "DELETE_"+actionNoun(table), fmt.Sprintf("Deleted %s %s", singular(table), key))

	c.mu.Lock()
	c.seq++
	t := &Toast{
		ID:           c.seq,
		Message:      fmt.Sprintf("The %s has been deleted.", singular(table)),
		coord:        c,
		table:        table,
		collection:   spec.Collection,
		key:          key,
		snapshot:     snapshot,
		undoRecordID: undoRecordID,
		user:         user,
	}
	c.current = t
	c.timer = time.AfterFunc(c.window, func() { c.expire(t.ID) })
	c.mu.Unlock()

	return t, nil
}

// Undo reverses the deletion: the snapshot is re-inserted, the undo record
// removed and the queued deletion marker cancelled, in one transaction.
// Callable only while the toast is live; afterwards it returns ErrExpired.
// If the remote delete has already drained, the restore still succeeds but
// the row comes back pending, indistinguishable from a fresh create.
func (t *Toast) Undo(ctx context.Context) error {
	c := t.coord
	if !c.take(t) {
		return ErrExpired
	}

	err := c.store.Transaction(ctx, func(tx *localdb.Tx) error {
		cancelled, err := tx.RemoveDeletionMarker(t.collection, t.key)
		if err != nil {
			return err
		}
		restored := t.snapshot
		if !cancelled {
			// The marker already drained: the remote copy is gone, so the
			// restored row must push again.
			restored, err = t.snapshot.Clone()
			if err != nil {
				return err
			}
			restored.SetStatus(localdb.StatusPending)
		}
		if err := tx.Restore(t.table, restored); err != nil {
			return err
		}
		return tx.DeleteUndoRecord(t.undoRecordID)
	})
	if err != nil {
		// The delete already happened and is not retried as a rollback; the
		// entity stays deleted and the error is surfaced.
		return fmt.Errorf("undo failed: %w", err)
	}

	c.logAction(ctx, t.user, "UNDO_DELETE_"+actionNoun(t.table), fmt.Sprintf("Restored %s %s", singular(t.table), t.key))
	return nil
}

// Current returns the live toast, if any.
func (c *Coordinator) Current() *Toast {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Dismiss clears the live toast without undoing it. The snapshot is removed
// (it is unreachable once the affordance is gone); the deletion marker stays
// queued for the next drain.
func (c *Coordinator) Dismiss() {
	c.mu.Lock()
	t := c.current
	c.clearLocked()
	c.mu.Unlock()
	if t != nil {
		c.dropSnapshot(t)
	}
}

// expire is the timer path: same cleanup as Dismiss, but only if the toast
// is still the live one.
func (c *Coordinator) expire(id int64) {
	c.mu.Lock()
	if c.current == nil || c.current.ID != id {
		c.mu.Unlock()
		return
	}
	t := c.current
	c.clearLocked()
	c.mu.Unlock()
	c.dropSnapshot(t)
}

// take claims the toast for an undo, clearing it so the expiry timer and any
// concurrent caller see it as gone.
func (c *Coordinator) take(t *Toast) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.ID != t.ID {
		return false
	}
	c.clearLocked()
	return true
}

func (c *Coordinator) clearLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.current = nil
}

func (c *Coordinator) dropSnapshot(t *Toast) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.DeleteUndoRecord(ctx, t.undoRecordID); err != nil {
		c.logger.Warn("failed to remove expired undo snapshot",
			"table", t.table, "pk", t.key, "error", err)
	}
}

// PurgeExpired removes snapshots older than the reversal window that a crash
// left behind, and returns how many were swept.
func (c *Coordinator) PurgeExpired(ctx context.Context) (int64, error) {
	return c.store.PurgeUndoRecordsBefore(ctx, time.Now().Add(-c.window))
}

func (c *Coordinator) logAction(ctx context.Context, user audit.User, action, details string) {
	if c.audit == nil || user.UID == "" {
		return
	}
	if err := c.audit.Log(ctx, user, action, details); err != nil {
		c.logger.Warn("failed to record audit entry", "action", action, "error", err)
	}
}

// singular trims the table name to a readable noun ("patients" -> "patient").
func singular(table string) string {
	name := strings.ReplaceAll(table, "_", " ")
	return strings.TrimSuffix(name, "s")
}

func actionNoun(table string) string {
	return strings.ToUpper(strings.TrimSuffix(table, "s"))
}
