// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

// Package syncer reconciles the local store with the remote authoritative
// store: queued deletions drain first, then pending rows push as per-table
// batches, while a live subscription channel applies remote-origin changes
// back into the local tables. A sync cycle is serialized against itself and
// never blocks local writes.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lemmaiot-tech/j-doc-emr/localdb"
)

// Status is the externally visible state of the sync orchestrator. Network
// failures surface here, never as errors thrown at UI code.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// Config holds configuration for the sync service.
type Config struct {
	Interval      time.Duration // periodic re-trigger while online and in session
	RemoteTimeout time.Duration // bound on a single remote batch call
	Logger        *slog.Logger
}

// DefaultConfig returns the stock configuration: a 30s sync interval and a
// 30s per-batch remote timeout.
func DefaultConfig() *Config {
	return &Config{
		Interval:      30 * time.Second,
		RemoteTimeout: 30 * time.Second,
	}
}

// Service owns push/pull reconciliation for one store/remote pair.
type Service struct {
	store  *localdb.Store
	remote Remote
	cfg    *Config
	logger *slog.Logger

	syncing atomic.Bool
	online  atomic.Bool
	status  atomic.Value // Status

	mu            sync.Mutex
	lastSync      time.Time
	sessionActive bool
	sessionCancel context.CancelFunc
	unsubs        []func()

	trigger  chan struct{}
	onlineCh chan bool
}

// New creates a sync service. The device starts online; call SetOnline to
// track real connectivity.
func New(store *localdb.Store, remote Remote, cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		remote:   remote,
		cfg:      cfg,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		onlineCh: make(chan bool, 1),
	}
	s.online.Store(true)
	s.status.Store(StatusIdle)
	return s
}

// Status returns the current sync status flag.
func (s *Service) Status() Status {
	return s.status.Load().(Status)
}

// LastSync returns the completion time of the last successful cycle.
func (s *Service) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Online reports the current connectivity flag.
func (s *Service) Online() bool {
	return s.online.Load()
}

// PendingCount is the live pending-changes aggregate (rows + markers).
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.store.PendingCount(ctx)
}

// batchCtx bounds one remote call without cancelling the surrounding cycle.
func (s *Service) batchCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RemoteTimeout)
}
