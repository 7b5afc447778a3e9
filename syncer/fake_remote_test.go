// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemmaiot-tech/j-doc-emr/localdb"
)

var (
	errUpsertDown = errors.New("remote upsert unavailable")
	errDeleteDown = errors.New("remote delete unavailable")
)

// fakeRemote is an in-memory Remote with per-collection fault injection and
// an operation journal for ordering assertions.
type fakeRemote struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	failUpsert  map[string]error
	failDelete  map[string]error
	upsertCalls int
	deleteCalls int
	ops         []string // "upsert:patients:p1", "delete:patients:p1"
	subs        map[string][]func(Event)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		collections: make(map[string]map[string]map[string]any),
		failUpsert:  make(map[string]error),
		failDelete:  make(map[string]error),
		subs:        make(map[string][]func(Event)),
	}
}

func (f *fakeRemote) FetchAll(_ context.Context, collection string) ([]Doc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs []Doc
	for id, fields := range f.collections[collection] {
		docs = append(docs, Doc{ID: id, Fields: fields})
	}
	return docs, nil
}

func (f *fakeRemote) BatchUpsert(_ context.Context, collection string, docs []Doc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if err := f.failUpsert[collection]; err != nil {
		return err
	}
	if f.collections[collection] == nil {
		f.collections[collection] = make(map[string]map[string]any)
	}
	for _, doc := range docs {
		merged := f.collections[collection][doc.ID]
		if merged == nil {
			merged = make(map[string]any)
		}
		for k, v := range doc.Fields {
			merged[k] = v
		}
		f.collections[collection][doc.ID] = merged
		f.ops = append(f.ops, fmt.Sprintf("upsert:%s:%s", collection, doc.ID))
	}
	return nil
}

func (f *fakeRemote) BatchDelete(_ context.Context, collection string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if err := f.failDelete[collection]; err != nil {
		return err
	}
	for _, id := range ids {
		delete(f.collections[collection], id)
		f.ops = append(f.ops, fmt.Sprintf("delete:%s:%s", collection, id))
	}
	return nil
}

func (f *fakeRemote) Subscribe(_ context.Context, collection string, onChange func(Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[collection] = append(f.subs[collection], onChange)
	idx := len(f.subs[collection]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if idx < len(f.subs[collection]) {
			f.subs[collection][idx] = nil
		}
	}, nil
}

// emit delivers an event to the collection's subscribers, synchronously and
// in order, the way a real provider delivers per-collection callbacks.
func (f *fakeRemote) emit(collection string, ev Event) {
	f.mu.Lock()
	handlers := append([]func(Event){}, f.subs[collection]...)
	f.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(ev)
		}
	}
}

func (f *fakeRemote) doc(collection, id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collections[collection][id]
}

func (f *fakeRemote) seed(collection, id string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.collections[collection] == nil {
		f.collections[collection] = make(map[string]map[string]any)
	}
	f.collections[collection][id] = fields
}

func newTestService(t *testing.T) (*Service, *localdb.Store, *fakeRemote) {
	t.Helper()
	store, err := localdb.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	remote := newFakeRemote()
	svc := New(store, remote, nil)
	return svc, store, remote
}
