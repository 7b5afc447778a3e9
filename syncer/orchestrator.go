// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"time"
)

// StartSession begins a signed-in session: live subscriptions open, an
// immediate sync is queued, and the periodic timer re-triggers sync every
// Interval while the device is online. Returns after the background loop is
// running; the loop stops when EndSession is called.
func (s *Service) StartSession(ctx context.Context) error {
	s.mu.Lock()
	if s.sessionActive {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.sessionActive = true
	s.sessionCancel = cancel
	s.mu.Unlock()

	if s.online.Load() {
		if err := s.startSubscriptions(runCtx); err != nil {
			s.logger.Warn("could not establish live subscriptions", "error", err)
		}
	}
	go s.run(runCtx)
	s.requestSync()
	return nil
}

// EndSession stops the timer and tears down subscriptions. An in-flight
// cycle is not cancelled; it finishes (or fails) on its own. Clearing the
// local store on logout is the caller's decision, not the orchestrator's.
func (s *Service) EndSession() {
	s.mu.Lock()
	if !s.sessionActive {
		s.mu.Unlock()
		return
	}
	s.sessionActive = false
	cancel := s.sessionCancel
	s.sessionCancel = nil
	s.mu.Unlock()

	cancel()
	s.stopSubscriptions()
	s.status.Store(StatusIdle)
}

// SetOnline records a connectivity change. Restoring connectivity
// re-establishes subscriptions and triggers an immediate sync; losing it
// halts the periodic timer (without cancelling an in-flight cycle, which is
// left to fail naturally on its network call) and tears subscriptions down.
func (s *Service) SetOnline(online bool) {
	was := s.online.Swap(online)
	if was == online {
		return
	}
	select {
	case s.onlineCh <- online:
	default:
	}
	if online {
		s.mu.Lock()
		active := s.sessionActive
		var runCtx context.Context
		if active {
			runCtx = context.Background()
		}
		s.mu.Unlock()
		if active {
			if err := s.startSubscriptions(runCtx); err != nil {
				s.logger.Warn("could not re-establish live subscriptions", "error", err)
			}
			s.requestSync()
		}
	} else {
		s.stopSubscriptions()
	}
}

// TriggerSync runs one sync cycle now. It is a no-op when a cycle is already
// in flight or the device is offline; rows stay pending and the next timer
// tick or connectivity-restore retries. Network failures become a status
// flag, never an error to the caller.
func (s *Service) TriggerSync(ctx context.Context) {
	if !s.online.Load() {
		return
	}
	if !s.syncing.CompareAndSwap(false, true) {
		return
	}
	defer s.syncing.Store(false)

	s.status.Store(StatusSyncing)
	if err := s.SyncAll(ctx); err != nil {
		s.logger.Warn("sync cycle failed", "error", err)
		s.status.Store(StatusError)
		return
	}
	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()
	s.status.Store(StatusSynced)
}

// requestSync queues an immediate cycle on the background loop.
func (s *Service) requestSync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// run is the orchestrator loop for one session: a ticker while online,
// immediate triggers from connectivity/session events, halted cleanly on
// session end.
func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	tickerRunning := true

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-s.onlineCh:
			if online && !tickerRunning {
				ticker.Reset(s.cfg.Interval)
				tickerRunning = true
			} else if !online && tickerRunning {
				ticker.Stop()
				tickerRunning = false
			}
		case <-ticker.C:
			s.TriggerSync(ctx)
		case <-s.trigger:
			s.TriggerSync(ctx)
		}
	}
}
