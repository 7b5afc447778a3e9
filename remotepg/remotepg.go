// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

// Package remotepg implements the syncer.Remote contract on PostgreSQL. All
// collections share one documents table keyed by (collection, doc_id) with
// JSONB fields; batch upserts merge field-wise and batch deletes run in a
// single transaction, so both are all-or-nothing. Change events ride
// LISTEN/NOTIFY: writers NOTIFY inside their transaction (delivered on
// commit, in commit order) and subscribers flag events from their own origin
// tag as local echoes.
package remotepg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lemmaiot-tech/j-doc-emr/syncer"
)

const notifyChannel = "jdoc_doc_changes"

// NOTIFY payloads are capped by the server (8000 bytes); larger documents
// are announced without fields and refetched by the subscriber.
const maxNotifyPayload = 7000

// Config holds configuration for the adapter.
type Config struct {
	Logger *slog.Logger
}

// Remote is a PostgreSQL-backed remote store.
type Remote struct {
	pool   *pgxpool.Pool
	origin string
	logger *slog.Logger
}

var _ syncer.Remote = (*Remote)(nil)

type notification struct {
	Origin     string          `json:"origin"`
	Type       string          `json:"type"`
	Collection string          `json:"collection"`
	DocID      string          `json:"doc_id"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

// New creates the adapter and ensures the documents table exists. Each
// instance gets its own origin tag; events it causes come back to its own
// subscriptions flagged as local echoes.
func New(ctx context.Context, pool *pgxpool.Pool, cfg *Config) (*Remote, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Remote{pool: pool, origin: uuid.NewString(), logger: logger}
	if err := r.initSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Remote) initSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS jdoc_documents (
			collection  TEXT NOT NULL,
			doc_id      TEXT NOT NULL,
			fields      JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, doc_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

// FetchAll reads every document of a collection.
func (r *Remote) FetchAll(ctx context.Context, collection string) ([]syncer.Doc, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT doc_id, fields FROM jdoc_documents WHERE collection = $1 ORDER BY doc_id
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch collection %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []syncer.Doc
	for rows.Next() {
		var doc syncer.Doc
		var raw []byte
		if err := rows.Scan(&doc.ID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := json.Unmarshal(raw, &doc.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode document %s.%s: %w", collection, doc.ID, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collection %s: %w", collection, err)
	}
	return docs, nil
}

// BatchUpsert merge-writes the docs in one transaction. Existing fields not
// present in the incoming doc survive (field-wise merge), matching the
// merge-upsert semantics the sync engine expects.
func (r *Remote) BatchUpsert(ctx context.Context, collection string, docs []syncer.Doc) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin upsert batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, doc := range docs {
		raw, err := json.Marshal(doc.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode document %s.%s: %w", collection, doc.ID, err)
		}
		var inserted bool
		err = tx.QueryRow(ctx, `
			INSERT INTO jdoc_documents (collection, doc_id, fields, updated_at)
			VALUES ($1, $2, $3::jsonb, now())
			ON CONFLICT (collection, doc_id) DO UPDATE
				SET fields = jdoc_documents.fields || excluded.fields,
				    updated_at = now()
			RETURNING (xmax = 0) AS inserted
		`, collection, doc.ID, raw).Scan(&inserted)
		if err != nil {
			return fmt.Errorf("failed to upsert %s.%s: %w", collection, doc.ID, err)
		}

		evType := string(syncer.EventModified)
		if inserted {
			evType = string(syncer.EventAdded)
		}
		if err := r.notifyInTx(ctx, tx, notification{
			Origin:     r.origin,
			Type:       evType,
			Collection: collection,
			DocID:      doc.ID,
			Fields:     raw,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upsert batch: %w", err)
	}
	return nil
}

// BatchDelete removes the listed keys in one transaction. Deleting a missing
// key is a no-op, so retried drains stay idempotent.
func (r *Remote) BatchDelete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin delete batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, id := range ids {
		tag, err := tx.Exec(ctx, `
			DELETE FROM jdoc_documents WHERE collection = $1 AND doc_id = $2
		`, collection, id)
		if err != nil {
			return fmt.Errorf("failed to delete %s.%s: %w", collection, id, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if err := r.notifyInTx(ctx, tx, notification{
			Origin:     r.origin,
			Type:       string(syncer.EventRemoved),
			Collection: collection,
			DocID:      id,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delete batch: %w", err)
	}
	return nil
}

func (r *Remote) notifyInTx(ctx context.Context, tx pgx.Tx, n notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		n.Fields = nil
		if payload, err = json.Marshal(n); err != nil {
			return fmt.Errorf("failed to encode notification: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify change: %w", err)
	}
	return nil
}

// Subscribe listens for committed changes to one collection. Events are
// delivered sequentially on a dedicated connection, in commit order. The
// returned func stops the subscription and releases the connection.
func (r *Remote) Subscribe(ctx context.Context, collection string, onChange func(syncer.Event)) (func(), error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer conn.Release()
		for {
			pgNote, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					r.logger.Error("subscription lost", "collection", collection, "error", err)
				}
				return
			}
			var n notification
			if err := json.Unmarshal([]byte(pgNote.Payload), &n); err != nil {
				r.logger.Warn("malformed change notification", "error", err)
				continue
			}
			if n.Collection != collection {
				continue
			}
			ev, err := r.eventFromNotification(subCtx, n)
			if err != nil {
				r.logger.Error("failed to materialize change event",
					"collection", collection, "doc", n.DocID, "error", err)
				continue
			}
			onChange(ev)
		}
	}()
	return cancel, nil
}

func (r *Remote) eventFromNotification(ctx context.Context, n notification) (syncer.Event, error) {
	ev := syncer.Event{
		Type:      syncer.EventType(n.Type),
		ID:        n.DocID,
		LocalEcho: n.Origin == r.origin,
	}
	if ev.Type == syncer.EventRemoved {
		return ev, nil
	}
	if n.Fields == nil {
		// Oversized document: the notification carried no fields, read them back.
		var raw []byte
		err := r.pool.QueryRow(ctx, `
			SELECT fields FROM jdoc_documents WHERE collection = $1 AND doc_id = $2
		`, n.Collection, n.DocID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			// Deleted again before we could refetch; the removal event follows.
			ev.Fields = map[string]any{}
			return ev, nil
		}
		if err != nil {
			return syncer.Event{}, err
		}
		n.Fields = raw
	}
	if err := json.Unmarshal(n.Fields, &ev.Fields); err != nil {
		return syncer.Event{}, fmt.Errorf("failed to decode event fields: %w", err)
	}
	return ev, nil
}
