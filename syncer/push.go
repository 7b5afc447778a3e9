// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/lemmaiot-tech/j-doc-emr/localdb"
)

// SyncAll runs one full reconciliation cycle against the remote store.
// Deletions drain before upserts, so a delete-then-recreate of the same key
// resolves deterministically in the recreated record's favor.
func (s *Service) SyncAll(ctx context.Context) error {
	if err := s.PushDeletions(ctx); err != nil {
		return err
	}
	return s.PushChanges(ctx)
}

// PushChanges scans every syncable table for pending rows and sends each
// table's selection as one all-or-nothing batch. A failed batch leaves that
// table's rows pending for the next cycle and does not block the remaining
// tables; the cycle reports the joined errors.
func (s *Service) PushChanges(ctx context.Context) error {
	var errs []error
	for _, spec := range s.store.SyncTables() {
		if err := s.pushTable(ctx, spec); err != nil {
			s.logger.Warn("table push failed", "table", spec.Name, "error", err)
			errs = append(errs, fmt.Errorf("push %s: %w", spec.Name, err))
		}
	}
	if err := s.pushAudit(ctx); err != nil {
		s.logger.Warn("audit push failed", "error", err)
		errs = append(errs, fmt.Errorf("push audit_logs: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) pushTable(ctx context.Context, spec localdb.TableSpec) error {
	pending, err := s.store.PendingRecords(ctx, spec.Name)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	docs := make([]Doc, 0, len(pending))
	keys := make([]string, 0, len(pending))
	for _, rec := range pending {
		key, err := spec.PrimaryKeyOf(rec)
		if err != nil {
			// A row without its primary key can never sync; leave it pending
			// and let the caller see the error.
			return err
		}
		docs = append(docs, Doc{ID: key, Fields: uploadFields(rec)})
		keys = append(keys, key)
	}

	bctx, cancel := s.batchCtx(ctx)
	err = s.remote.BatchUpsert(bctx, spec.Collection, docs)
	cancel()
	if err != nil {
		return err
	}

	// The remote batch is confirmed; the status flip is a second local write,
	// deliberately outside the batch's atomicity.
	if err := s.store.MarkSynced(ctx, spec.Name, keys); err != nil {
		return fmt.Errorf("remote batch applied but local status update failed: %w", err)
	}
	s.logger.Debug("pushed table batch", "table", spec.Name, "rows", len(docs))
	return nil
}

// pushAudit sends pending audit entries as their own batch. Audit rows are
// append-only; the flip to synced is the only mutation they ever see.
func (s *Service) pushAudit(ctx context.Context) error {
	pending, err := s.store.PendingAudit(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	docs := make([]Doc, 0, len(pending))
	ids := make([]int64, 0, len(pending))
	for _, e := range pending {
		docs = append(docs, Doc{ID: e.UID, Fields: auditFields(e)})
		ids = append(ids, e.LocalID)
	}

	bctx, cancel := s.batchCtx(ctx)
	err = s.remote.BatchUpsert(bctx, "audit_logs", docs)
	cancel()
	if err != nil {
		return err
	}
	return s.store.MarkAuditSynced(ctx, ids)
}

// PushDeletions drains the deletion queue: one all-or-nothing batch per
// collection, then the drained markers are removed outright. No synced
// tombstone is kept.
func (s *Service) PushDeletions(ctx context.Context) error {
	markers, err := s.store.PendingDeletions(ctx)
	if err != nil {
		return err
	}
	if len(markers) == 0 {
		return nil
	}

	// Group per collection, preserving queue order within each group.
	byCollection := make(map[string][]localdb.DeletionMarker)
	var order []string
	for _, m := range markers {
		if _, seen := byCollection[m.Collection]; !seen {
			order = append(order, m.Collection)
		}
		byCollection[m.Collection] = append(byCollection[m.Collection], m)
	}

	var errs []error
	for _, collection := range order {
		group := byCollection[collection]
		ids := make([]string, 0, len(group))
		localIDs := make([]int64, 0, len(group))
		for _, m := range group {
			ids = append(ids, m.DocID)
			localIDs = append(localIDs, m.LocalID)
		}

		bctx, cancel := s.batchCtx(ctx)
		err := s.remote.BatchDelete(bctx, collection, ids)
		cancel()
		if err != nil {
			s.logger.Warn("deletion drain failed", "collection", collection, "error", err)
			errs = append(errs, fmt.Errorf("drain %s: %w", collection, err))
			continue
		}
		if err := s.store.RemoveDeletions(ctx, localIDs); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("drained deletions", "collection", collection, "count", len(ids))
	}
	return errors.Join(errs...)
}

// uploadFields prepares a local record for upsert: the sync status tag is
// local bookkeeping and never leaves the device.
func uploadFields(rec localdb.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == localdb.FieldSyncStatus {
			continue
		}
		out[k] = v
	}
	return out
}

func auditFields(e localdb.AuditEntry) map[string]any {
	return map[string]any{
		"uid":             e.UID,
		"timestamp":       e.Timestamp,
		"userUid":         e.UserUID,
		"userDisplayName": e.UserDisplayName,
		"action":          e.Action,
		"details":         e.Details,
	}
}
