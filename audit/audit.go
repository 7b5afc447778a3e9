// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

// Package audit records user actions in the append-only local audit log,
// with an eager best-effort write to the remote store.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lemmaiot-tech/j-doc-emr/localdb"
	"github.com/lemmaiot-tech/j-doc-emr/syncer"
)

// Collection is the remote collection audit entries push to.
const Collection = "audit_logs"

// User identifies the actor behind an audit entry.
type User struct {
	UID         string
	DisplayName string
}

// Config holds configuration for the audit logger.
type Config struct {
	RemoteTimeout time.Duration // bound on the eager remote write, 5s when zero
	Logger        *slog.Logger
}

// Logger writes audit entries. Every entry follows the same two-phase write:
// attempt the remote upsert within a bounded timeout, then persist locally —
// synced if the remote write confirmed, pending otherwise so the regular
// push cycle retries it. No call site gets to special-case this.
type Logger struct {
	store   *localdb.Store
	remote  syncer.Remote // nil means offline-only logging
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an audit logger. remote may be nil, in which case every entry
// starts out pending and reaches the remote store via the push engine.
func New(store *localdb.Store, remote syncer.Remote, cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, remote: remote, timeout: timeout, logger: logger}
}

// Log records one action. The local write always happens; failure to reach
// the remote store only downgrades the entry to pending.
func (l *Logger) Log(ctx context.Context, user User, action, details string) error {
	if user.UID == "" {
		l.logger.Warn("audit entry without a user", "action", action, "details", details)
		return fmt.Errorf("audit: user is required")
	}

	entry := localdb.AuditEntry{
		UID:             "log_" + uuid.NewString(),
		Timestamp:       time.Now(),
		UserUID:         user.UID,
		UserDisplayName: user.DisplayName,
		Action:          action,
		Details:         details,
		Status:          localdb.StatusPending,
	}

	if l.remote != nil {
		rctx, cancel := context.WithTimeout(ctx, l.timeout)
		err := l.remote.BatchUpsert(rctx, Collection, []syncer.Doc{{
			ID: entry.UID,
			Fields: map[string]any{
				"uid":             entry.UID,
				"timestamp":       entry.Timestamp,
				"userUid":         entry.UserUID,
				"userDisplayName": entry.UserDisplayName,
				"action":          entry.Action,
				"details":         entry.Details,
			},
		}})
		cancel()
		if err != nil {
			l.logger.Warn("audit entry not yet remote, saved as pending",
				"action", action, "error", err)
		} else {
			entry.Status = localdb.StatusSynced
		}
	}

	return l.store.AppendAudit(ctx, entry)
}
