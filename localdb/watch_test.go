// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recvSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change signal")
	}
}

func TestWatchSignalsAfterCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ch, cancel := s.Watch("patients")
	defer cancel()

	require.NoError(t, s.Put(ctx, "patients", Record{"uid": "p1"}))
	recvSignal(t, ch)

	// A rolled-back transaction must not signal.
	errBoom := s.Transaction(ctx, func(tx *Tx) error {
		if err := tx.Put("patients", Record{"uid": "p2"}); err != nil {
			return err
		}
		return context.Canceled
	})
	require.Error(t, errBoom)
	select {
	case <-ch:
		t.Fatal("rolled-back transaction produced a change signal")
	case <-time.After(100 * time.Millisecond):
	}

	// Writes to other tables do not signal a patients watcher.
	require.NoError(t, s.Put(ctx, "vitals", Record{"uid": "v1"}))
	select {
	case <-ch:
		t.Fatal("unrelated table produced a change signal")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchQueryStreamsSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "patients", Record{"uid": "p1", "lastName": "Okafor"}))

	snapshots, err := s.WatchQuery(ctx, "patients", Query{OrderBy: "lastName"})
	require.NoError(t, err)

	first := recvSnapshot(t, snapshots)
	require.Len(t, first, 1)

	require.NoError(t, s.Put(ctx, "patients", Record{"uid": "p2", "lastName": "Adeyemi"}))

	// Snapshots are conflated; keep reading until the two-row one arrives.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-snapshots:
			require.True(t, ok, "snapshot stream closed")
			if len(snap) == 2 {
				require.Equal(t, "Adeyemi", snap[0]["lastName"])
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for updated snapshot")
		}
	}
}

func recvSnapshot(t *testing.T, ch <-chan []Record) []Record {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "snapshot stream closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestWatchPendingCountIsLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	counts := s.WatchPendingCount(ctx)
	waitForCount(t, counts, 0)

	require.NoError(t, s.Put(ctx, "patients", Record{"uid": "p1"}))
	waitForCount(t, counts, 1)

	// A queued deletion marker contributes to the same aggregate.
	require.NoError(t, s.Transaction(ctx, func(tx *Tx) error {
		_, err := tx.AddDeletionMarker("vitals", "v9")
		return err
	}))
	waitForCount(t, counts, 2)
}

// waitForCount drains conflated count updates until want arrives.
func waitForCount(t *testing.T, ch <-chan int, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			require.True(t, ok, "count stream closed")
			if n == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for pending count %d", want)
		}
	}
}
