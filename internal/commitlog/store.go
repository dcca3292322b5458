// Package commitlog implements the append-only commit log: commits, their
// per-row changes, the per-table commit index, per-client cursors, and the
// maintenance passes (compaction and pruning) that bound its growth.
package commitlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/syncular/syncd/internal/scope"
	"github.com/syncular/syncd/internal/syncdb"
)

// Change operations.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// TimeFormat is the wire form for commit timestamps: ISO-8601 UTC with
// millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Commit is one entry in the log.
type Commit struct {
	PartitionID    string
	CommitSeq      int64
	ActorID        string
	ClientID       string
	ClientCommitID string
	CreatedAt      time.Time
	Meta           json.RawMessage
	Result         json.RawMessage
	ChangeCount    int
	Tables         []string
}

// Change is one per-row side-effect of a commit.
type Change struct {
	PartitionID string
	ChangeID    int64
	CommitSeq   int64
	Table       string
	RowID       string
	Op          string
	Row         json.RawMessage
	RowVersion  *int64
	Scopes      scope.Map
}

// AppendResult is the outcome of AppendCommit.
type AppendResult struct {
	CommitSeq int64
	Cached    bool
	// Result is the previously stored response when Cached is true.
	Result json.RawMessage
}

// LookupCached returns the stored result for an idempotency key, or nil when
// the key has not been seen.
func LookupCached(tx *sql.Tx, partition, clientID, clientCommitID string) (*AppendResult, error) {
	var seq int64
	var result string
	err := tx.QueryRow(
		`SELECT commit_seq, result FROM sync_commits
		 WHERE partition_id = ? AND client_id = ? AND client_commit_id = ?`,
		partition, clientID, clientCommitID,
	).Scan(&seq, &result)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return &AppendResult{CommitSeq: seq, Cached: true, Result: json.RawMessage(result)}, nil
}

// AppendCommit writes a commit, its change rows, and one table-index row per
// distinct affected table, all within the caller's transaction. If the
// (partition, client, client commit) idempotency key already exists the
// previously stored result is returned instead and nothing is written.
// result is the serialized push response stored for replays.
func AppendCommit(tx *sql.Tx, partition, actorID, clientID, clientCommitID string, meta json.RawMessage, changes []Change, result json.RawMessage) (*AppendResult, error) {
	if clientCommitID == "" {
		return nil, fmt.Errorf("empty client commit id")
	}

	cached, err := LookupCached(tx, partition, clientID, clientCommitID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	var seq int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(commit_seq), 0) + 1 FROM sync_commits WHERE partition_id = ?`,
		partition,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("allocate commit seq: %w", err)
	}

	tables := affectedTables(changes)
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return nil, fmt.Errorf("marshal tables: %w", err)
	}

	var metaStr any
	if len(meta) > 0 {
		metaStr = string(meta)
	}

	_, err = tx.Exec(
		`INSERT INTO sync_commits
		 (partition_id, commit_seq, actor_id, client_id, client_commit_id, created_at, meta, result, change_count, tables)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		partition, seq, actorID, clientID, clientCommitID,
		time.Now().UTC().Format(TimeFormat), metaStr, string(result), len(changes), string(tablesJSON),
	)
	if err != nil {
		// A concurrent writer can land the same idempotency key first; the
		// unique constraint violation is a replay, not a failure.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return LookupCached(tx, partition, clientID, clientCommitID)
		}
		return nil, fmt.Errorf("insert commit: %w", err)
	}

	var nextChangeID int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(change_id), 0) + 1 FROM sync_changes WHERE partition_id = ?`,
		partition,
	).Scan(&nextChangeID); err != nil {
		return nil, fmt.Errorf("allocate change id: %w", err)
	}

	for i := range changes {
		ch := &changes[i]
		scopesJSON, err := json.Marshal(ch.Scopes)
		if err != nil {
			return nil, fmt.Errorf("marshal scopes: %w", err)
		}
		var rowStr any
		if len(ch.Row) > 0 {
			rowStr = string(ch.Row)
		}
		if _, err := tx.Exec(
			`INSERT INTO sync_changes
			 (partition_id, change_id, commit_seq, tbl, row_id, op, row_json, row_version, scopes, scope_key)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			partition, nextChangeID, seq, ch.Table, ch.RowID, ch.Op,
			rowStr, ch.RowVersion, string(scopesJSON), scope.Key(ch.Scopes),
		); err != nil {
			return nil, fmt.Errorf("insert change %d: %w", i, err)
		}
		ch.PartitionID = partition
		ch.ChangeID = nextChangeID
		ch.CommitSeq = seq
		nextChangeID++
	}

	for _, table := range tables {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO sync_table_commits (partition_id, tbl, commit_seq) VALUES (?, ?, ?)`,
			partition, table, seq,
		); err != nil {
			return nil, fmt.Errorf("insert table index %s: %w", table, err)
		}
	}

	return &AppendResult{CommitSeq: seq}, nil
}

// affectedTables returns the sorted-unique table names across changes.
func affectedTables(changes []Change) []string {
	seen := make(map[string]bool, len(changes))
	var tables []string
	for _, ch := range changes {
		if !seen[ch.Table] {
			seen[ch.Table] = true
			tables = append(tables, ch.Table)
		}
	}
	sort.Strings(tables)
	return tables
}

// UpdateResult replaces the stored result of a commit. The push engine uses
// it to bake the allocated commit seq into the cached response after append.
func UpdateResult(tx *sql.Tx, partition string, seq int64, result json.RawMessage) error {
	if _, err := tx.Exec(
		`UPDATE sync_commits SET result = ? WHERE partition_id = ? AND commit_seq = ?`,
		string(result), partition, seq,
	); err != nil {
		return fmt.Errorf("update commit result: %w", err)
	}
	return nil
}

// MaxCommitSeq returns the highest commit seq in the partition, 0 when the
// log is empty.
func MaxCommitSeq(tx *sql.Tx, partition string) (int64, error) {
	var seq int64
	err := tx.QueryRow(
		`SELECT COALESCE(MAX(commit_seq), 0) FROM sync_commits WHERE partition_id = ?`,
		partition,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query max commit seq: %w", err)
	}
	return seq, nil
}

// ScanTableCommitsAfter returns up to limit commit seqs strictly greater
// than after for (partition, table), ascending. Index rows whose parent
// commit has been pruned are skipped.
func ScanTableCommitsAfter(tx *sql.Tx, partition, table string, after int64, limit int) ([]int64, error) {
	rows, err := tx.Query(
		`SELECT tc.commit_seq FROM sync_table_commits tc
		 JOIN sync_commits c ON c.partition_id = tc.partition_id AND c.commit_seq = tc.commit_seq
		 WHERE tc.partition_id = ? AND tc.tbl = ? AND tc.commit_seq > ?
		 ORDER BY tc.commit_seq ASC LIMIT ?`,
		partition, table, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("scan table commits: %w", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan commit seq: %w", err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

// ReadCommits returns commit metadata for the given seqs, ascending.
func ReadCommits(tx *sql.Tx, partition string, seqs []int64) ([]Commit, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	query, args := inClause(
		`SELECT commit_seq, actor_id, client_id, client_commit_id, created_at, change_count, tables
		 FROM sync_commits WHERE partition_id = ? AND commit_seq IN (%s) ORDER BY commit_seq ASC`,
		partition, seqs,
	)
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()

	var commits []Commit
	for rows.Next() {
		c := Commit{PartitionID: partition}
		var createdAt, tablesJSON string
		if err := rows.Scan(&c.CommitSeq, &c.ActorID, &c.ClientID, &c.ClientCommitID, &createdAt, &c.ChangeCount, &tablesJSON); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		if c.CreatedAt, err = time.Parse(TimeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at seq=%d: %w", c.CommitSeq, err)
		}
		if err := json.Unmarshal([]byte(tablesJSON), &c.Tables); err != nil {
			return nil, fmt.Errorf("parse tables seq=%d: %w", c.CommitSeq, err)
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

// ReadChangesForCommits returns the change rows for the given commits on one
// table, ordered (commit_seq, change_id) ascending, keeping only changes
// whose scopes satisfy requested.
func ReadChangesForCommits(tx *sql.Tx, partition, table string, seqs []int64, requested scope.Map) ([]Change, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	query, args := inClause(
		`SELECT change_id, commit_seq, tbl, row_id, op, row_json, row_version, scopes
		 FROM sync_changes
		 WHERE partition_id = ? AND tbl = ? AND commit_seq IN (%s)
		 ORDER BY commit_seq ASC, change_id ASC`,
		partition, seqs, table,
	)
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		ch := Change{PartitionID: partition}
		var rowJSON sql.NullString
		var rowVersion sql.NullInt64
		var scopesJSON string
		if err := rows.Scan(&ch.ChangeID, &ch.CommitSeq, &ch.Table, &ch.RowID, &ch.Op, &rowJSON, &rowVersion, &scopesJSON); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if rowJSON.Valid {
			ch.Row = json.RawMessage(rowJSON.String)
		}
		if rowVersion.Valid {
			v := rowVersion.Int64
			ch.RowVersion = &v
		}
		if err := json.Unmarshal([]byte(scopesJSON), &ch.Scopes); err != nil {
			return nil, fmt.Errorf("parse scopes change=%d: %w", ch.ChangeID, err)
		}
		if !scope.Matches(ch.Scopes, requested) {
			continue
		}
		changes = append(changes, ch)
	}
	return changes, rows.Err()
}

// DeleteCommit removes a commit and its change and table-index rows. Used by
// the relay to undo a local commit whose forward enqueue failed.
func DeleteCommit(tx *sql.Tx, partition string, seq int64) error {
	if _, err := tx.Exec(`DELETE FROM sync_changes WHERE partition_id = ? AND commit_seq = ?`, partition, seq); err != nil {
		return fmt.Errorf("delete changes: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sync_table_commits WHERE partition_id = ? AND commit_seq = ?`, partition, seq); err != nil {
		return fmt.Errorf("delete table index: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sync_commits WHERE partition_id = ? AND commit_seq = ?`, partition, seq); err != nil {
		return fmt.Errorf("delete commit: %w", err)
	}
	return nil
}

// Cursor is the last acknowledged position of one client in a partition.
type Cursor struct {
	PartitionID   string
	ClientID      string
	ActorID       string
	LastCommitSeq int64
	Scopes        scope.Map
	UpdatedAt     time.Time
}

// RecordClientCursor upserts the client's cursor; last writer wins per
// (partition, client).
func RecordClientCursor(tx *sql.Tx, partition, clientID, actorID string, lastSeq int64, scopes scope.Map) error {
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("marshal cursor scopes: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO sync_client_cursors (partition_id, client_id, actor_id, last_commit_seq, scopes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition_id, client_id) DO UPDATE SET
		   actor_id = excluded.actor_id,
		   last_commit_seq = excluded.last_commit_seq,
		   scopes = excluded.scopes,
		   updated_at = excluded.updated_at`,
		partition, clientID, actorID, lastSeq, string(scopesJSON), time.Now().UTC().Format(TimeFormat),
	)
	if err != nil {
		return fmt.Errorf("record client cursor: %w", err)
	}
	return nil
}

// GetClientCursor returns the stored cursor, or nil when the client has
// never pulled.
func GetClientCursor(tx *sql.Tx, partition, clientID string) (*Cursor, error) {
	c := Cursor{PartitionID: partition, ClientID: clientID}
	var scopesJSON, updatedAt string
	err := tx.QueryRow(
		`SELECT actor_id, last_commit_seq, scopes, updated_at FROM sync_client_cursors
		 WHERE partition_id = ? AND client_id = ?`,
		partition, clientID,
	).Scan(&c.ActorID, &c.LastCommitSeq, &scopesJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query client cursor: %w", err)
	}
	if err := json.Unmarshal([]byte(scopesJSON), &c.Scopes); err != nil {
		return nil, fmt.Errorf("parse cursor scopes: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(TimeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse cursor updated_at: %w", err)
	}
	return &c, nil
}

// inClause builds a query with an IN (...) placeholder list. extra args are
// appended between the partition and the seq list.
func inClause(format, partition string, seqs []int64, extra ...any) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := make([]any, 0, len(seqs)+1+len(extra))
	args = append(args, partition)
	args = append(args, extra...)
	for _, s := range seqs {
		args = append(args, s)
	}
	return fmt.Sprintf(format, placeholders), args
}

// migratePartitionColumns backfills partition_id on pre-partition schemas.
func migratePartitionColumns(tx *sql.Tx) error {
	for _, table := range []string{"sync_commits", "sync_changes", "sync_table_commits", "sync_client_cursors"} {
		if err := syncdb.EnsurePartitionColumn(tx, table); err != nil {
			return err
		}
	}
	_, err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_commits_idem
		ON sync_commits(partition_id, client_id, client_commit_id)`)
	if err != nil {
		return fmt.Errorf("create idempotency index: %w", err)
	}
	return nil
}
