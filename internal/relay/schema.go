package relay

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syncular/syncd/internal/syncdb"
)

// Schema adds the relay-only tables next to the standard server tables: the
// forward outbox, the sequence map bridging the local and upstream commit
// namespaces, the conflict journal, and a key-value config row store.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_forward_outbox (
    id                TEXT PRIMARY KEY,
    partition_id      TEXT NOT NULL DEFAULT 'default',
    local_commit_seq  INTEGER NOT NULL,
    client_id         TEXT NOT NULL,
    client_commit_id  TEXT NOT NULL,
    operations        TEXT NOT NULL,
    schema_version    INTEGER NOT NULL DEFAULT 1,
    status            TEXT NOT NULL DEFAULT 'pending'
                      CHECK(status IN ('pending', 'forwarding', 'forwarded', 'failed')),
    upstream_commit_seq INTEGER,
    error             TEXT,
    last_response     TEXT,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    attempt_count     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_forward_outbox_status ON relay_forward_outbox(status, created_at);

CREATE TABLE IF NOT EXISTS relay_sequence_map (
    partition_id        TEXT NOT NULL DEFAULT 'default',
    local_commit_seq    INTEGER NOT NULL,
    upstream_commit_seq INTEGER,
    status              TEXT NOT NULL DEFAULT 'pending'
                        CHECK(status IN ('pending', 'forwarded', 'confirmed')),
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    PRIMARY KEY (partition_id, local_commit_seq)
);
CREATE INDEX IF NOT EXISTS idx_sequence_map_upstream ON relay_sequence_map(partition_id, upstream_commit_seq);

CREATE TABLE IF NOT EXISTS relay_forward_conflicts (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    partition_id      TEXT NOT NULL DEFAULT 'default',
    client_commit_id  TEXT NOT NULL,
    response          TEXT,
    created_at        TEXT NOT NULL,
    resolved_at       TEXT
);

CREATE TABLE IF NOT EXISTS relay_config (
    key    TEXT PRIMARY KEY,
    value  TEXT NOT NULL
);
`

// Migrations carry forward pre-partition relay tables.
var Migrations = []syncdb.Migration{
	{
		Version:     2,
		Description: "Add partition_id to pre-partition relay tables",
		Func: func(tx *sql.Tx) error {
			for _, table := range []string{"relay_forward_outbox", "relay_sequence_map", "relay_forward_conflicts"} {
				if err := syncdb.EnsurePartitionColumn(tx, table); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

const timeFormat = "2006-01-02T15:04:05.000Z"

func nowString() string {
	return time.Now().UTC().Format(timeFormat)
}

// Sequence map statuses.
const (
	SeqPending   = "pending"
	SeqForwarded = "forwarded"
	SeqConfirmed = "confirmed"
)

// Forward outbox statuses.
const (
	ForwardPending    = "pending"
	ForwardForwarding = "forwarding"
	ForwardForwarded  = "forwarded"
	ForwardFailed     = "failed"
)

// insertSequenceMap records a local↔upstream mapping in the given status.
func insertSequenceMap(tx *sql.Tx, partition string, localSeq int64, upstreamSeq *int64, status string) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := tx.Exec(
		`INSERT INTO relay_sequence_map
		 (partition_id, local_commit_seq, upstream_commit_seq, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(partition_id, local_commit_seq) DO UPDATE SET
		   upstream_commit_seq = COALESCE(excluded.upstream_commit_seq, upstream_commit_seq),
		   status = excluded.status,
		   updated_at = excluded.updated_at`,
		partition, localSeq, upstreamSeq, status, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert sequence map entry: %w", err)
	}
	return nil
}

// SequenceEntry is one mapping between the two commit namespaces.
type SequenceEntry struct {
	PartitionID       string
	LocalCommitSeq    int64
	UpstreamCommitSeq *int64
	Status            string
}

// GetSequenceEntry returns the mapping for a local commit, or nil.
func GetSequenceEntry(db *sql.DB, partition string, localSeq int64) (*SequenceEntry, error) {
	e := SequenceEntry{PartitionID: partition, LocalCommitSeq: localSeq}
	var upstream sql.NullInt64
	err := db.QueryRow(
		`SELECT upstream_commit_seq, status FROM relay_sequence_map
		 WHERE partition_id = ? AND local_commit_seq = ?`,
		partition, localSeq,
	).Scan(&upstream, &e.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sequence map: %w", err)
	}
	if upstream.Valid {
		v := upstream.Int64
		e.UpstreamCommitSeq = &v
	}
	return &e, nil
}

// PruneSequenceMap deletes forwarded/confirmed entries older than maxAge.
// Pending entries are retained until forwarded.
func PruneSequenceMap(db *sql.DB, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(timeFormat)
	res, err := db.Exec(
		`DELETE FROM relay_sequence_map
		 WHERE status IN ('forwarded', 'confirmed') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune sequence map: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// getConfig reads a relay_config value into out (JSON). Returns false when
// the key is absent.
func getConfig(db *sql.DB, key string, out any) (bool, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM relay_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read config %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("parse config %s: %w", key, err)
	}
	return true, nil
}

// setConfig writes a relay_config value as JSON.
func setConfig(db *sql.DB, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal config %s: %w", key, err)
	}
	if _, err := db.Exec(
		`INSERT OR REPLACE INTO relay_config (key, value) VALUES (?, ?)`,
		key, string(data),
	); err != nil {
		return fmt.Errorf("write config %s: %w", key, err)
	}
	return nil
}
