// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"time"
)

// Doc is one remote document: its document key plus its fields. Fields follow
// encoding/json value conventions; provider-native timestamps arrive as
// Timestamp values and are normalized before they reach the local store.
type Doc struct {
	ID     string
	Fields map[string]any
}

// EventType classifies a live change event.
type EventType string

const (
	EventAdded    EventType = "added"
	EventModified EventType = "modified"
	EventRemoved  EventType = "removed"
)

// Event is one incremental change delivered by a live subscription.
// LocalEcho marks events caused by this device's own not-yet-acknowledged
// writes; those must never be reapplied locally.
type Event struct {
	Type      EventType
	ID        string
	Fields    map[string]any
	LocalEcho bool
}

// Remote is the contract with the authoritative remote store. Implementations
// are opaque services; the core only relies on these four operations.
// BatchUpsert and BatchDelete are all-or-nothing: a failure means none of the
// batch was applied.
type Remote interface {
	// FetchAll reads the complete collection.
	FetchAll(ctx context.Context, collection string) ([]Doc, error)

	// BatchUpsert merge-writes every doc by its key in a single atomic batch.
	BatchUpsert(ctx context.Context, collection string, docs []Doc) error

	// BatchDelete removes every listed key in a single atomic batch.
	BatchDelete(ctx context.Context, collection string, ids []string) error

	// Subscribe delivers change events for the collection, in order, until
	// the returned unsubscribe func is called. Events for one collection are
	// delivered sequentially, never concurrently.
	Subscribe(ctx context.Context, collection string, onChange func(Event)) (func(), error)
}

// Timestamp is a provider-native timestamp as it appears in remote document
// fields.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// Time converts the timestamp to the local date representation.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// normalizeFields converts provider-native timestamp values in a remote field
// map to time.Time. The input map is not modified.
func normalizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch ts := v.(type) {
		case Timestamp:
			out[k] = ts.Time()
		case *Timestamp:
			if ts != nil {
				out[k] = ts.Time()
			} else {
				out[k] = nil
			}
		default:
			out[k] = v
		}
	}
	return out
}
