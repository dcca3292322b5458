package client

import (
	"database/sql"
	"fmt"

	"github.com/syncular/syncd/internal/syncdb"
)

// Schema is the client-side replica layout: the durable outbox, per-
// subscription sync state, the conflict journal, and the generic replica
// row store the default table handlers write into.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_outbox_commits (
    id                TEXT PRIMARY KEY,
    partition_id      TEXT NOT NULL DEFAULT 'default',
    client_commit_id  TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending'
                      CHECK(status IN ('pending', 'sending', 'acked', 'failed')),
    operations        TEXT NOT NULL,
    schema_version    INTEGER NOT NULL DEFAULT 1,
    last_response     TEXT,
    error             TEXT,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    attempt_count     INTEGER NOT NULL DEFAULT 0,
    acked_commit_seq  INTEGER,
    UNIQUE (partition_id, client_commit_id)
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON sync_outbox_commits(status, created_at);

CREATE TABLE IF NOT EXISTS sync_subscription_state (
    subscription_id  TEXT PRIMARY KEY,
    partition_id     TEXT NOT NULL DEFAULT 'default',
    tbl              TEXT NOT NULL,
    scopes           TEXT NOT NULL DEFAULT '{}',
    params           TEXT,
    cursor           INTEGER NOT NULL DEFAULT -1,
    bootstrap_state  TEXT,
    status           TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'revoked')),
    updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    partition_id      TEXT NOT NULL DEFAULT 'default',
    client_commit_id  TEXT NOT NULL,
    response          TEXT,
    created_at        TEXT NOT NULL,
    resolved_at       TEXT
);

CREATE TABLE IF NOT EXISTS sync_replica_rows (
    partition_id  TEXT NOT NULL DEFAULT 'default',
    tbl           TEXT NOT NULL,
    row_id        TEXT NOT NULL,
    payload       TEXT NOT NULL,
    row_version   INTEGER,
    PRIMARY KEY (partition_id, tbl, row_id)
);
`

// Migrations carry forward pre-partition client databases.
var Migrations = []syncdb.Migration{
	{
		Version:     2,
		Description: "Add partition_id to pre-partition client tables",
		Func: func(tx *sql.Tx) error {
			for _, table := range []string{"sync_outbox_commits", "sync_subscription_state", "sync_conflicts", "sync_replica_rows"} {
				if err := syncdb.EnsurePartitionColumn(tx, table); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// DB wraps the client database connection.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the client database and applies the
// schema.
func Open(path string) (*DB, error) {
	conn, err := syncdb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := syncdb.Migrate(conn, "client", Schema, Migrations); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate client schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Conn exposes the underlying connection for transactions.
func (db *DB) Conn() *sql.DB { return db.conn }

// Close checkpoints and closes the database.
func (db *DB) Close() error { return syncdb.Close(db.conn) }
