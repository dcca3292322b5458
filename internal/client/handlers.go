package client

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/syncular/syncd/internal/commitlog"
	"github.com/syncular/syncd/internal/engine"
	"github.com/syncular/syncd/internal/scope"
)

// TableHandler applies server state into the local replica. All methods run
// inside the sync loop's transaction and must be idempotent: the loop can
// replay a pull after a crash.
type TableHandler interface {
	Table() string
	// OnSnapshotStart clears local rows in the scope being refreshed,
	// before the first snapshot page lands.
	OnSnapshotStart(tx *sql.Tx, partition string, scopes scope.Map) error
	// ApplySnapshot bulk-upserts one page of snapshot rows.
	ApplySnapshot(tx *sql.Tx, partition string, rows []json.RawMessage) error
	// ApplyChange applies one incremental change.
	ApplyChange(tx *sql.Tx, partition string, change engine.ChangeEnvelope) error
	// ClearAll purges local rows in the given scopes, used on revoke.
	ClearAll(tx *sql.Tx, partition string, scopes scope.Map) error
}

// ReplicaHandler is the default TableHandler over the generic
// sync_replica_rows store. Rows are JSON payloads keyed by row id; scope
// bounding uses the same payload-field extraction as the server handler.
type ReplicaHandler struct {
	TableName   string
	ScopeFields []string
	// IDField is the payload field holding the row id, default "id".
	IDField string
}

func (h *ReplicaHandler) Table() string { return h.TableName }

func (h *ReplicaHandler) idOf(row json.RawMessage) (string, error) {
	field := h.IDField
	if field == "" {
		field = "id"
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(row, &obj); err != nil {
		return "", fmt.Errorf("parse snapshot row: %w", err)
	}
	var id string
	if raw, ok := obj[field]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("parse row id field %q: %w", field, err)
		}
	}
	if id == "" {
		return "", fmt.Errorf("snapshot row missing id field %q", field)
	}
	return id, nil
}

func (h *ReplicaHandler) versionOf(row json.RawMessage) *int64 {
	var obj struct {
		ServerVersion *int64 `json:"server_version"`
	}
	if err := json.Unmarshal(row, &obj); err != nil {
		return nil
	}
	return obj.ServerVersion
}

// OnSnapshotStart deletes the table's rows inside the refreshed scopes so a
// re-bootstrap cannot leave ghosts behind.
func (h *ReplicaHandler) OnSnapshotStart(tx *sql.Tx, partition string, scopes scope.Map) error {
	return h.deleteInScope(tx, partition, scopes)
}

// ApplySnapshot upserts one page of rows by primary key.
func (h *ReplicaHandler) ApplySnapshot(tx *sql.Tx, partition string, rows []json.RawMessage) error {
	for _, row := range rows {
		id, err := h.idOf(row)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO sync_replica_rows (partition_id, tbl, row_id, payload, row_version)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(partition_id, tbl, row_id) DO UPDATE SET
			   payload = excluded.payload, row_version = excluded.row_version`,
			partition, h.TableName, id, string(row), h.versionOf(row),
		); err != nil {
			return fmt.Errorf("apply snapshot row %s: %w", id, err)
		}
	}
	return nil
}

// ApplyChange upserts or deletes one row.
func (h *ReplicaHandler) ApplyChange(tx *sql.Tx, partition string, change engine.ChangeEnvelope) error {
	switch change.Op {
	case commitlog.OpUpsert:
		if _, err := tx.Exec(
			`INSERT INTO sync_replica_rows (partition_id, tbl, row_id, payload, row_version)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(partition_id, tbl, row_id) DO UPDATE SET
			   payload = excluded.payload, row_version = excluded.row_version`,
			partition, h.TableName, change.RowID, string(change.Row), change.RowVersion,
		); err != nil {
			return fmt.Errorf("apply upsert %s: %w", change.RowID, err)
		}
	case commitlog.OpDelete:
		if _, err := tx.Exec(
			`DELETE FROM sync_replica_rows WHERE partition_id = ? AND tbl = ? AND row_id = ?`,
			partition, h.TableName, change.RowID,
		); err != nil {
			return fmt.Errorf("apply delete %s: %w", change.RowID, err)
		}
	default:
		return fmt.Errorf("unknown change op %q", change.Op)
	}
	return nil
}

// ClearAll purges the table's rows within the given scopes.
func (h *ReplicaHandler) ClearAll(tx *sql.Tx, partition string, scopes scope.Map) error {
	return h.deleteInScope(tx, partition, scopes)
}

// deleteInScope removes rows whose extracted scopes satisfy the map. An
// empty scope map bounds nothing and clears the whole table.
func (h *ReplicaHandler) deleteInScope(tx *sql.Tx, partition string, scopes scope.Map) error {
	if len(scopes) == 0 {
		if _, err := tx.Exec(
			`DELETE FROM sync_replica_rows WHERE partition_id = ? AND tbl = ?`,
			partition, h.TableName,
		); err != nil {
			return fmt.Errorf("clear table %s: %w", h.TableName, err)
		}
		return nil
	}

	rows, err := tx.Query(
		`SELECT row_id, payload FROM sync_replica_rows WHERE partition_id = ? AND tbl = ?`,
		partition, h.TableName,
	)
	if err != nil {
		return fmt.Errorf("scan rows for clear: %w", err)
	}

	var doomed []string
	for rows.Next() {
		var rowID, payload string
		if err := rows.Scan(&rowID, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("scan row: %w", err)
		}
		rowScopes := h.extractScopes(json.RawMessage(payload))
		if scope.Matches(rowScopes, scopes) {
			doomed = append(doomed, rowID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, rowID := range doomed {
		if _, err := tx.Exec(
			`DELETE FROM sync_replica_rows WHERE partition_id = ? AND tbl = ? AND row_id = ?`,
			partition, h.TableName, rowID,
		); err != nil {
			return fmt.Errorf("delete row %s: %w", rowID, err)
		}
	}
	return nil
}

func (h *ReplicaHandler) extractScopes(row json.RawMessage) scope.Map {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return scope.Map{}
	}
	m := make(scope.Map)
	for _, f := range h.ScopeFields {
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
	return m
}

// Rows returns the replica's rows for a table, for callers and tests.
func (db *DB) Rows(partition, table string) (map[string]json.RawMessage, error) {
	rows, err := db.conn.Query(
		`SELECT row_id, payload FROM sync_replica_rows WHERE partition_id = ? AND tbl = ?`,
		partition, table,
	)
	if err != nil {
		return nil, fmt.Errorf("query replica rows: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var rowID, payload string
		if err := rows.Scan(&rowID, &payload); err != nil {
			return nil, fmt.Errorf("scan replica row: %w", err)
		}
		out[rowID] = json.RawMessage(payload)
	}
	return out, rows.Err()
}
