// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"

	"github.com/lemmaiot-tech/j-doc-emr/localdb"
)

// startSubscriptions opens one live subscription per syncable collection.
// Events for a collection arrive sequentially and are applied in delivered
// order, which is what makes last-writer-wins-by-event-order hold. Echoes of
// this device's own in-flight writes are dropped so a pending row's status
// is never prematurely flipped back by its own reflection.
func (s *Service) startSubscriptions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.unsubs) > 0 {
		return nil // already subscribed
	}
	for _, spec := range s.store.SyncTables() {
		spec := spec
		unsub, err := s.remote.Subscribe(ctx, spec.Collection, func(ev Event) {
			s.applyEvent(ctx, spec, ev)
		})
		if err != nil {
			// Partial subscribe is worse than none; roll back what opened.
			for _, u := range s.unsubs {
				u()
			}
			s.unsubs = nil
			return err
		}
		s.unsubs = append(s.unsubs, unsub)
	}
	s.logger.Debug("live subscriptions established", "collections", len(s.unsubs))
	return nil
}

// stopSubscriptions tears down every live subscription. Called on
// connectivity loss and at session end; subscriptions are re-established on
// the next restore.
func (s *Service) stopSubscriptions() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (s *Service) applyEvent(ctx context.Context, spec localdb.TableSpec, ev Event) {
	if ev.LocalEcho {
		return
	}
	switch ev.Type {
	case EventAdded, EventModified:
		rec := localdb.Record(normalizeFields(ev.Fields))
		rec[spec.PK()] = ev.ID
		if err := s.store.PutSynced(ctx, spec.Name, rec); err != nil {
			s.logger.Error("failed to apply remote change", "table", spec.Name, "pk", ev.ID, "error", err)
		}
	case EventRemoved:
		err := s.store.Delete(ctx, spec.Name, ev.ID)
		if err != nil && !errors.Is(err, localdb.ErrNotFound) {
			s.logger.Error("failed to apply remote delete", "table", spec.Name, "pk", ev.ID, "error", err)
		}
	default:
		s.logger.Warn("unknown change event type", "type", string(ev.Type), "table", spec.Name, "pk", ev.ID)
	}
}
