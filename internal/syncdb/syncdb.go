// Package syncdb provides the shared SQLite plumbing for the sync stores:
// connection setup with safe defaults for multi-process access, and a small
// versioned migration runner used by the server, client, and relay schemas.
package syncdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DefaultPartition is the partition id used when a request does not name one.
const DefaultPartition = "default"

// Open opens a SQLite database at path with WAL mode, a busy timeout, and a
// single pooled connection. SQLite only supports one writer; pinning the pool
// prevents stray connections from corrupting the WAL/SHM files under
// concurrent multi-process access.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	return conn, nil
}

// Close checkpoints the WAL back into the main file and closes the
// connection. The checkpoint is best-effort; the DB may already be broken.
func Close(db *sql.DB) error {
	db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.Close()
}

// Migration is one schema step, applied in version order. Either SQL or Func
// is set; Func is for steps that need to inspect the database first (e.g.
// conditional ALTER TABLE, which SQLite cannot express idempotently in SQL).
type Migration struct {
	Version     int
	Description string
	SQL         string
	Func        func(tx *sql.Tx) error
}

// Migrate applies the base schema, then any pending migrations, tracking the
// current version in a schema_info row keyed by component. The base schema
// must be idempotent (CREATE ... IF NOT EXISTS) and describe the *current*
// layout; migrations exist to carry forward databases created by older
// versions, and every migration must tolerate re-running against a database
// that already has its change.
func Migrate(db *sql.DB, component, baseSchema string, migrations []Migration) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_info: %w", err)
	}

	if _, err := db.Exec(baseSchema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}

	var current int
	key := component + "_schema_version"
	err := db.QueryRow(`SELECT value FROM schema_info WHERE key = ?`, key).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if m.Func != nil {
			err = m.Func(tx)
		} else {
			_, err = tx.Exec(m.SQL)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO schema_info (key, value) VALUES (?, ?)`,
			key, m.Version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		current = m.Version
	}

	return nil
}

// ColumnExists reports whether table has a column named column.
func ColumnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &defaultVal, &pk); err != nil {
			return false, fmt.Errorf("scan table_info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// EnsurePartitionColumn adds a partition_id column defaulting to
// DefaultPartition when the table predates partitioning. No-op when the
// column is already present.
func EnsurePartitionColumn(tx *sql.Tx, table string) error {
	ok, err := ColumnExists(tx, table, "partition_id")
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = tx.Exec(fmt.Sprintf(
		`ALTER TABLE %q ADD COLUMN partition_id TEXT NOT NULL DEFAULT '%s'`,
		table, DefaultPartition,
	))
	if err != nil {
		return fmt.Errorf("add partition_id to %s: %w", table, err)
	}
	return nil
}
