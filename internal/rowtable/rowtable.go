// Package rowtable is the default table handler: rows are opaque JSON
// payloads stored generically per (partition, table, row id) with a
// monotonic per-row version for optimistic concurrency. Scopes are lifted
// from configured payload fields. Applications with richer storage plug in
// their own registry.Handler instead.
package rowtable

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/syncular/syncd/internal/commitlog"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/scope"
)

// Schema is the generic server-side row storage shared by all rowtable
// handlers.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_rows (
    partition_id  TEXT NOT NULL DEFAULT 'default',
    tbl           TEXT NOT NULL,
    row_id        TEXT NOT NULL,
    payload       TEXT NOT NULL,
    row_version   INTEGER NOT NULL,
    updated_at    TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (partition_id, tbl, row_id)
);
`

// Config describes one generic table.
type Config struct {
	Table string
	// ScopeFields are payload fields lifted into the row's scope map, e.g.
	// ["user_id"]. A field may hold a string or an array of strings.
	ScopeFields []string
	DependsOn   []string
	// ResolveScopes returns the actor's allowed scopes. Nil grants the
	// wildcard for every declared key.
	ResolveScopes func(ctx *registry.Ctx) (scope.Map, error)
}

// Handler implements registry.Handler over the generic row store.
type Handler struct {
	cfg Config
}

// New builds a handler from cfg.
func New(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

func (h *Handler) Table() string { return h.cfg.Table }

func (h *Handler) ScopePatterns() []string {
	patterns := make([]string, 0, len(h.cfg.ScopeFields))
	for _, f := range h.cfg.ScopeFields {
		patterns = append(patterns, f+":{value}")
	}
	return patterns
}

func (h *Handler) DependsOn() []string { return h.cfg.DependsOn }

func (h *Handler) ResolveScopes(ctx *registry.Ctx) (scope.Map, error) {
	if h.cfg.ResolveScopes != nil {
		return h.cfg.ResolveScopes(ctx)
	}
	m := make(scope.Map, len(h.cfg.ScopeFields))
	for _, f := range h.cfg.ScopeFields {
		m[f] = scope.Any()
	}
	return m, nil
}

// ExtractScopes lifts the configured payload fields into a scope map.
// Fields may be a single string or an array of strings; other types and
// missing fields are skipped.
func (h *Handler) ExtractScopes(row json.RawMessage) (scope.Map, error) {
	if len(row) == 0 {
		return scope.Map{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return nil, fmt.Errorf("parse row payload: %w", err)
	}
	m := make(scope.Map)
	for _, f := range h.cfg.ScopeFields {
		raw, ok := fields[f]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			m[f] = scope.Single(s)
			continue
		}
		var arr []string
		if err := json.Unmarshal(raw, &arr); err == nil {
			m[f] = scope.Set(arr...)
		}
	}
	return m, nil
}

// Snapshot pages rows by row id, keeping only rows whose scopes satisfy
// requested. The cursor is the last delivered row id; scanning continues
// past a full page until the next matching row is found so the final page
// never comes back empty.
func (h *Handler) Snapshot(ctx *registry.Ctx, requested scope.Map, cursor string, limit int) (*registry.SnapshotPage, error) {
	rows, err := ctx.Tx.Query(
		`SELECT row_id, payload FROM sync_rows
		 WHERE partition_id = ? AND tbl = ? AND row_id > ?
		 ORDER BY row_id ASC`,
		ctx.Partition, h.cfg.Table, cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshot rows: %w", err)
	}
	defer rows.Close()

	page := &registry.SnapshotPage{}
	var lastDelivered string
	for rows.Next() {
		var rowID, payload string
		if err := rows.Scan(&rowID, &payload); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		rowScopes, err := h.ExtractScopes(json.RawMessage(payload))
		if err != nil {
			return nil, err
		}
		if !scope.Matches(rowScopes, requested) {
			continue
		}
		if len(page.Rows) >= limit {
			// One matching row beyond the page — resume from the last
			// delivered row next time.
			page.NextCursor = lastDelivered
			return page, nil
		}
		page.Rows = append(page.Rows, json.RawMessage(payload))
		lastDelivered = rowID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return page, nil
}

// ApplyOperation executes one upsert or delete with optimistic version
// checks. The stored row is the payload with server_version injected, so
// replicas always see the authoritative version.
func (h *Handler) ApplyOperation(ctx *registry.Ctx, op registry.Operation, opIndex int) (*registry.ApplyOutcome, error) {
	var currentPayload sql.NullString
	var currentVersion sql.NullInt64
	err := ctx.Tx.QueryRow(
		`SELECT payload, row_version FROM sync_rows
		 WHERE partition_id = ? AND tbl = ? AND row_id = ?`,
		ctx.Partition, h.cfg.Table, op.RowID,
	).Scan(&currentPayload, &currentVersion)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read current row: %w", err)
	}

	if op.BaseVersion != nil {
		if !exists {
			return &registry.ApplyOutcome{
				Status: registry.StatusError,
				Error: &registry.ErrorDetail{
					Code:    registry.CodeRowMissing,
					Message: fmt.Sprintf("row %s not found", op.RowID),
				},
			}, nil
		}
		if currentVersion.Int64 != *op.BaseVersion {
			return &registry.ApplyOutcome{
				Status: registry.StatusConflict,
				Conflict: &registry.ConflictDetail{
					ServerVersion: currentVersion.Int64,
					ServerRow:     json.RawMessage(currentPayload.String),
					Message:       "row version mismatch",
				},
			}, nil
		}
	}

	switch op.Op {
	case commitlog.OpUpsert:
		return h.applyUpsert(ctx, op, exists, currentVersion.Int64)
	case commitlog.OpDelete:
		return h.applyDelete(ctx, op, exists, currentVersion.Int64)
	default:
		return &registry.ApplyOutcome{
			Status: registry.StatusError,
			Error: &registry.ErrorDetail{
				Code:    registry.CodeInvalidOperation,
				Message: fmt.Sprintf("unknown op %q", op.Op),
			},
		}, nil
	}
}

func (h *Handler) applyUpsert(ctx *registry.Ctx, op registry.Operation, exists bool, currentVersion int64) (*registry.ApplyOutcome, error) {
	if len(op.Payload) == 0 || string(op.Payload) == "null" {
		return &registry.ApplyOutcome{
			Status: registry.StatusError,
			Error: &registry.ErrorDetail{
				Code:    registry.CodeNotNullConstraint,
				Message: "upsert requires a payload",
			},
		}, nil
	}

	newVersion := int64(1)
	if exists {
		newVersion = currentVersion + 1
	}

	stored, err := injectVersion(op.Payload, newVersion)
	if err != nil {
		return &registry.ApplyOutcome{
			Status: registry.StatusError,
			Error: &registry.ErrorDetail{
				Code:    registry.CodeInvalidOperation,
				Message: "payload must be a JSON object",
			},
		}, nil
	}

	if _, err := ctx.Tx.Exec(
		`INSERT INTO sync_rows (partition_id, tbl, row_id, payload, row_version)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(partition_id, tbl, row_id) DO UPDATE SET
		   payload = excluded.payload,
		   row_version = excluded.row_version,
		   updated_at = CURRENT_TIMESTAMP`,
		ctx.Partition, h.cfg.Table, op.RowID, string(stored), newVersion,
	); err != nil {
		return nil, fmt.Errorf("upsert row: %w", err)
	}

	scopes, err := h.ExtractScopes(op.Payload)
	if err != nil {
		return nil, err
	}
	return &registry.ApplyOutcome{
		Status: registry.StatusApplied,
		Result: stored,
		Changes: []registry.EmittedChange{{
			Table:      h.cfg.Table,
			RowID:      op.RowID,
			Op:         commitlog.OpUpsert,
			Row:        stored,
			RowVersion: &newVersion,
			Scopes:     scopes,
		}},
	}, nil
}

func (h *Handler) applyDelete(ctx *registry.Ctx, op registry.Operation, exists bool, currentVersion int64) (*registry.ApplyOutcome, error) {
	scopes := scope.Map{}
	if exists {
		var payload string
		if err := ctx.Tx.QueryRow(
			`SELECT payload FROM sync_rows WHERE partition_id = ? AND tbl = ? AND row_id = ?`,
			ctx.Partition, h.cfg.Table, op.RowID,
		).Scan(&payload); err != nil {
			return nil, fmt.Errorf("read row for delete: %w", err)
		}
		var err error
		if scopes, err = h.ExtractScopes(json.RawMessage(payload)); err != nil {
			return nil, err
		}
		if _, err := ctx.Tx.Exec(
			`DELETE FROM sync_rows WHERE partition_id = ? AND tbl = ? AND row_id = ?`,
			ctx.Partition, h.cfg.Table, op.RowID,
		); err != nil {
			return nil, fmt.Errorf("delete row: %w", err)
		}
	} else if len(op.Payload) > 0 {
		// Deleting an absent row is idempotent, but the payload (when the
		// client supplies one) still scopes the tombstone for fan-out.
		var err error
		if scopes, err = h.ExtractScopes(op.Payload); err != nil {
			return nil, err
		}
	}

	version := currentVersion + 1
	return &registry.ApplyOutcome{
		Status: registry.StatusApplied,
		Changes: []registry.EmittedChange{{
			Table:      h.cfg.Table,
			RowID:      op.RowID,
			Op:         commitlog.OpDelete,
			RowVersion: &version,
			Scopes:     scopes,
		}},
	}, nil
}

// injectVersion returns the payload object with server_version set.
func injectVersion(payload json.RawMessage, version int64) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, err
	}
	v, _ := json.Marshal(version)
	obj["server_version"] = v
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return out, nil
}
