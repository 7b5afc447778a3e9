// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus tags every syncable row with its reconciliation state.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusError   SyncStatus = "error"
)

// FieldSyncStatus is the reserved record field carrying the sync status.
const FieldSyncStatus = "syncStatus"

// Record is one syncable row. Field values follow encoding/json conventions
// (string, float64, bool, nil, nested map/slice) so that snapshots round-trip
// byte-for-byte through the store.
type Record map[string]any

// Status returns the record's sync status, defaulting to pending when the
// field is absent or malformed.
func (r Record) Status() SyncStatus {
	if s, ok := r[FieldSyncStatus].(string); ok {
		switch SyncStatus(s) {
		case StatusSynced, StatusPending, StatusError:
			return SyncStatus(s)
		}
	}
	return StatusPending
}

// SetStatus stamps the record with the given sync status.
func (r Record) SetStatus(s SyncStatus) {
	r[FieldSyncStatus] = string(s)
}

// Clone returns a deep copy of the record via a JSON round-trip.
func (r Record) Clone() (Record, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to clone record: %w", err)
	}
	var out Record
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to clone record: %w", err)
	}
	return out, nil
}

// TableSpec describes one registered table.
type TableSpec struct {
	Name       string   // local table name, e.g. "patients"
	Collection string   // remote collection name, e.g. "medical_history"
	PKField    string   // primary key field (empty string defaults to "uid")
	Indexes    []string // secondary index fields, e.g. "patientUid", "createdAt"
	LocalOnly  bool     // registered locally but excluded from the sync set
}

// PK returns the table's primary key field name.
func (t TableSpec) PK() string {
	if t.PKField == "" {
		return "uid"
	}
	return t.PKField
}

// PrimaryKeyOf resolves a record's primary key for this table.
func (t TableSpec) PrimaryKeyOf(rec Record) (string, error) {
	v, ok := rec[t.PK()]
	if !ok || v == nil {
		return "", fmt.Errorf("record in table %s has no %q field", t.Name, t.PK())
	}
	key, ok := v.(string)
	if !ok || key == "" {
		return "", fmt.Errorf("record in table %s has a non-string %q field", t.Name, t.PK())
	}
	return key, nil
}

// DefaultTables returns the registered table set for the EMR data model.
// departments keys by "id", everything else by "uid". laboratory_results,
// o_and_g_history and paediatric_history never leave the device.
func DefaultTables() []TableSpec {
	return []TableSpec{
		{Name: "users", Collection: "users", Indexes: []string{"email", "role"}},
		{Name: "patients", Collection: "patients", Indexes: []string{"lastName", "firstName"}},
		{Name: "departments", Collection: "departments", PKField: "id"},
		{Name: "prescriptions", Collection: "prescriptions", Indexes: []string{"patientUid", "status", "createdAt"}},
		{Name: "surgeries", Collection: "surgeries", Indexes: []string{"patientUid", "status", "createdAt"}},
		{Name: "vitals", Collection: "vitals", Indexes: []string{"patientUid", "createdAt"}},
		{Name: "medical_history", Collection: "medical_history", Indexes: []string{"patientUid", "date"}},
		{Name: "department_notes", Collection: "department_notes", Indexes: []string{"patientUid", "departmentId", "createdAt"}},
		{Name: "dental_procedures", Collection: "dental_procedures", Indexes: []string{"patientUid", "status", "createdAt"}},
		{Name: "medications", Collection: "medications", Indexes: []string{"patientUid", "startDate"}},
		{Name: "laboratory_results", Collection: "laboratory_results", Indexes: []string{"patientUid", "createdAt"}, LocalOnly: true},
		{Name: "o_and_g_history", Collection: "o_and_g_history", Indexes: []string{"patientUid", "createdAt"}, LocalOnly: true},
		{Name: "paediatric_history", Collection: "paediatric_history", Indexes: []string{"patientUid", "createdAt"}, LocalOnly: true},
	}
}

// DeletionMarker is a durable intent to delete a remote document. It exists
// from the moment a record is deleted locally until the remote delete is
// confirmed (drained) or the deletion is undone.
type DeletionMarker struct {
	LocalID    int64
	Collection string
	DocID      string
	Status     SyncStatus
}

// UndoRecord snapshots a deleted entity so the deletion can be reversed
// within the undo window.
type UndoRecord struct {
	LocalID    int64
	TableName  string
	RecordData Record
	DeletedAt  time.Time
}

// AuditEntry is one append-only audit log row. Rows are written once and
// never mutated apart from the sync status flip after a successful push.
type AuditEntry struct {
	LocalID         int64
	UID             string
	Timestamp       time.Time
	UserUID         string
	UserDisplayName string
	Action          string
	Details         string
	Status          SyncStatus
}
