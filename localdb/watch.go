// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
)

type watcher struct {
	ch     chan struct{}
	tables map[string]struct{} // nil means every table
}

// Watch returns a channel that receives a (coalesced) signal whenever any of
// the named tables changes; with no names it observes every table, control
// tables included. Signals fire only after the mutation is committed. The
// returned cancel func releases the watcher.
func (s *Store) Watch(tables ...string) (<-chan struct{}, func()) {
	w := &watcher{ch: make(chan struct{}, 1)}
	if len(tables) > 0 {
		w.tables = make(map[string]struct{}, len(tables))
		for _, t := range tables {
			w.tables[t] = struct{}{}
		}
	}

	s.watchMu.Lock()
	s.watchSeq++
	id := s.watchSeq
	s.watchers[id] = w
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
	return w.ch, cancel
}

func (s *Store) notify(table string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, w := range s.watchers {
		if w.tables != nil {
			if _, ok := w.tables[table]; !ok {
				continue
			}
		}
		select {
		case w.ch <- struct{}{}:
		default: // already signalled, coalesce
		}
	}
}

func (s *Store) notifyAll() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, w := range s.watchers {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) closeWatchers() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for id, w := range s.watchers {
		close(w.ch)
		delete(s.watchers, id)
	}
}

// WatchQuery streams result-set snapshots of q over table: one snapshot
// immediately, then a fresh one after every committed change to the table.
// Snapshots are conflated; a slow consumer only ever sees the latest. The
// stream ends when ctx is cancelled.
func (s *Store) WatchQuery(ctx context.Context, table string, q Query) (<-chan []Record, error) {
	if _, err := s.Spec(table); err != nil {
		return nil, err
	}
	signals, cancel := s.Watch(table)
	out := make(chan []Record, 1)

	emit := func() {
		recs, err := s.Query(ctx, table, q)
		if err != nil {
			s.logger.Warn("live query failed", "table", table, "error", err)
			return
		}
		select {
		case out <- recs:
		default:
			select {
			case <-out: // drop the stale snapshot
			default:
			}
			out <- recs
		}
	}

	go func() {
		defer cancel()
		defer close(out)
		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				emit()
			}
		}
	}()
	return out, nil
}

// WatchPendingCount streams the live pending-changes aggregate, recomputed
// whenever any contributing table changes.
func (s *Store) WatchPendingCount(ctx context.Context) <-chan int {
	signals, cancel := s.Watch()
	out := make(chan int, 1)

	emit := func() {
		n, err := s.PendingCount(ctx)
		if err != nil {
			s.logger.Warn("pending count failed", "error", err)
			return
		}
		select {
		case out <- n:
		default:
			select {
			case <-out:
			default:
			}
			out <- n
		}
	}

	go func() {
		defer cancel()
		defer close(out)
		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				emit()
			}
		}
	}()
	return out
}
