// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"

	"github.com/lemmaiot-tech/j-doc-emr/localdb"
)

// SeedAll hydrates an empty or stale local store from the remote store: one
// full-collection fetch per syncable table, provider timestamps converted to
// local dates, every row tagged synced. Each table applies atomically in its
// own transaction. Typically called once per login.
func (s *Service) SeedAll(ctx context.Context) error {
	for _, spec := range s.store.SyncTables() {
		if err := s.seedTable(ctx, spec); err != nil {
			return fmt.Errorf("seed %s: %w", spec.Name, err)
		}
	}
	s.logger.Info("local store seeded from remote")
	return nil
}

func (s *Service) seedTable(ctx context.Context, spec localdb.TableSpec) error {
	bctx, cancel := s.batchCtx(ctx)
	docs, err := s.remote.FetchAll(bctx, spec.Collection)
	cancel()
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	return s.store.Transaction(ctx, func(tx *localdb.Tx) error {
		for _, doc := range docs {
			rec := localdb.Record(normalizeFields(doc.Fields))
			rec[spec.PK()] = doc.ID
			if err := tx.PutSynced(spec.Name, rec); err != nil {
				return err
			}
		}
		return nil
	})
}
