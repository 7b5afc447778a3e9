// Copyright 2026 LemmaIoT
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEq Op = "="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Cond is one field predicate. Conditions on indexed fields use the table's
// expression indexes; conditions on syncStatus hit the status column.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Eq builds an equality condition.
func Eq(field string, value any) Cond {
	return Cond{Field: field, Op: OpEq, Value: value}
}

// Query describes a table scan: zero or more predicates combined with AND,
// optional ordering (forward or reverse) and an optional row limit.
type Query struct {
	Where   []Cond
	OrderBy string // field name; empty means primary-key order
	Desc    bool
	Limit   int
}

func buildWhere(spec TableSpec, conds []Cond) (string, []any, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}
	var parts []string
	var args []any
	for _, c := range conds {
		switch c.Op {
		case OpEq, OpLt, OpLe, OpGt, OpGe:
		default:
			return "", nil, fmt.Errorf("localdb: unsupported operator %q", c.Op)
		}
		parts = append(parts, fieldExpr(spec, c.Field)+" "+string(c.Op)+" ?")
		args = append(args, c.Value)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// fieldExpr maps a record field to its SQL expression. syncStatus and the
// primary key have dedicated columns; everything else goes through
// json_extract, matching the expression indexes created by migrateV2.
func fieldExpr(spec TableSpec, field string) string {
	switch field {
	case FieldSyncStatus:
		return "sync_status"
	case spec.PK():
		return "pk"
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}

func queryRecords(ctx context.Context, q querier, spec TableSpec, query Query) ([]Record, error) {
	where, args, err := buildWhere(spec, query.Where)
	if err != nil {
		return nil, err
	}
	stmt := `SELECT data FROM ` + quoteIdent(spec.Name) + where
	order := "pk"
	if query.OrderBy != "" {
		order = fieldExpr(spec, query.OrderBy)
	}
	stmt += " ORDER BY " + order
	if query.Desc {
		stmt += " DESC"
	}
	if query.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", query.Limit)
	}

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", spec.Name, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", spec.Name, err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s row: %w", spec.Name, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", spec.Name, err)
	}
	return out, nil
}

func countRecords(ctx context.Context, q querier, spec TableSpec, query Query) (int, error) {
	where, args, err := buildWhere(spec, query.Where)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quoteIdent(spec.Name)+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", spec.Name, err)
	}
	return n, nil
}
