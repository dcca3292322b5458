package commitlog

import "github.com/syncular/syncd/internal/syncdb"

// Schema is the server-side commit log layout. commit_seq and change_id are
// dense per partition and allocated inside the append transaction; SQLite's
// single-writer model makes MAX()+1 allocation race-free.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_commits (
    partition_id      TEXT NOT NULL DEFAULT 'default',
    commit_seq        INTEGER NOT NULL,
    actor_id          TEXT NOT NULL,
    client_id         TEXT NOT NULL,
    client_commit_id  TEXT NOT NULL,
    created_at        TEXT NOT NULL,
    meta              TEXT,
    result            TEXT NOT NULL,
    change_count      INTEGER NOT NULL DEFAULT 0,
    tables            TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (partition_id, commit_seq),
    UNIQUE (partition_id, client_id, client_commit_id)
);

CREATE TABLE IF NOT EXISTS sync_changes (
    partition_id  TEXT NOT NULL DEFAULT 'default',
    change_id     INTEGER NOT NULL,
    commit_seq    INTEGER NOT NULL,
    tbl           TEXT NOT NULL,
    row_id        TEXT NOT NULL,
    op            TEXT NOT NULL CHECK(op IN ('upsert', 'delete')),
    row_json      TEXT,
    row_version   INTEGER,
    scopes        TEXT NOT NULL DEFAULT '{}',
    scope_key     TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (partition_id, change_id)
);
CREATE INDEX IF NOT EXISTS idx_sync_changes_commit ON sync_changes(partition_id, commit_seq);
CREATE INDEX IF NOT EXISTS idx_sync_changes_compact ON sync_changes(partition_id, tbl, row_id, scope_key);

CREATE TABLE IF NOT EXISTS sync_table_commits (
    partition_id  TEXT NOT NULL DEFAULT 'default',
    tbl           TEXT NOT NULL,
    commit_seq    INTEGER NOT NULL,
    PRIMARY KEY (partition_id, tbl, commit_seq)
);

CREATE TABLE IF NOT EXISTS sync_client_cursors (
    partition_id     TEXT NOT NULL DEFAULT 'default',
    client_id        TEXT NOT NULL,
    actor_id         TEXT NOT NULL,
    last_commit_seq  INTEGER NOT NULL DEFAULT 0,
    scopes           TEXT NOT NULL DEFAULT '{}',
    updated_at       TEXT NOT NULL,
    PRIMARY KEY (partition_id, client_id)
);
`

// Migrations carry forward databases created before partitioning. Each step
// is written to tolerate re-running.
var Migrations = []syncdb.Migration{
	{
		Version:     2,
		Description: "Add partition_id to pre-partition commit log tables",
		Func:        migratePartitionColumns,
	},
}
