package commitlog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// CompactOptions bound a compaction pass.
type CompactOptions struct {
	// FullHistory is how far back every change row is retained untouched.
	FullHistory time.Duration
	// BatchSize caps deletions per transaction. Zero means 1000.
	BatchSize int
}

// Compact deletes superseded change rows older than the full-history window,
// keeping the latest change per (partition, table, row, canonical scope) —
// highest commit seq, then highest change id. Table-index rows whose commit
// no longer carries any change for that table are removed too. Runs in
// bounded batches until a batch deletes fewer rows than the batch size.
func Compact(db *sql.DB, opts CompactOptions) (int64, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	cutoff := time.Now().UTC().Add(-opts.FullHistory).Format(TimeFormat)

	var total int64
	for {
		n, err := compactBatch(db, cutoff, batch)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batch) {
			break
		}
	}

	if _, err := db.Exec(`
		DELETE FROM sync_table_commits
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_changes ch
			WHERE ch.partition_id = sync_table_commits.partition_id
			  AND ch.tbl = sync_table_commits.tbl
			  AND ch.commit_seq = sync_table_commits.commit_seq
		)`); err != nil {
		return total, fmt.Errorf("prune table index: %w", err)
	}

	if total > 0 {
		slog.Info("compacted change log", "deleted", total)
	}
	return total, nil
}

func compactBatch(db *sql.DB, cutoff string, batch int) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin compact: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		DELETE FROM sync_changes WHERE rowid IN (
			SELECT ch.rowid FROM sync_changes ch
			JOIN sync_commits c
			  ON c.partition_id = ch.partition_id AND c.commit_seq = ch.commit_seq
			WHERE c.created_at < ?
			  AND EXISTS (
				SELECT 1 FROM sync_changes newer
				WHERE newer.partition_id = ch.partition_id
				  AND newer.tbl = ch.tbl
				  AND newer.row_id = ch.row_id
				  AND newer.scope_key = ch.scope_key
				  AND (newer.commit_seq > ch.commit_seq
				       OR (newer.commit_seq = ch.commit_seq AND newer.change_id > ch.change_id))
			  )
			LIMIT ?
		)`, cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("delete superseded changes: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit compact batch: %w", err)
	}
	return n, nil
}

// PruneOptions bound a prune pass.
type PruneOptions struct {
	// ActiveWindow is the minimum age before a commit becomes prunable.
	ActiveWindow time.Duration
	// KeepNewest commits are always retained per partition.
	KeepNewest int
	// FallbackMaxAge hard-caps retention when no client cursors exist to
	// derive an ack watermark from.
	FallbackMaxAge time.Duration
}

// PruneCommits deletes fully acknowledged commits older than the active
// window. The watermark is the minimum acked cursor across clients in the
// partition; commits above it are never pruned, and the newest KeepNewest
// commits survive regardless. Partitions with no cursors fall back to
// FallbackMaxAge. Changes and table-index rows go with their commit.
func PruneCommits(db *sql.DB, opts PruneOptions) (int64, error) {
	partitions, err := listPartitions(db)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, partition := range partitions {
		n, err := prunePartition(db, partition, opts)
		if err != nil {
			return total, fmt.Errorf("prune partition %s: %w", partition, err)
		}
		total += n
	}
	if total > 0 {
		slog.Info("pruned commit log", "deleted", total)
	}
	return total, nil
}

func prunePartition(db *sql.DB, partition string, opts PruneOptions) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	maxSeq, err := MaxCommitSeq(tx, partition)
	if err != nil {
		return 0, err
	}
	keepFrom := maxSeq - int64(opts.KeepNewest)
	if keepFrom < 0 {
		keepFrom = 0
	}

	var cursorCount int
	var watermark sql.NullInt64
	if err := tx.QueryRow(
		`SELECT COUNT(*), MIN(last_commit_seq) FROM sync_client_cursors WHERE partition_id = ?`,
		partition,
	).Scan(&cursorCount, &watermark); err != nil {
		return 0, fmt.Errorf("query ack watermark: %w", err)
	}

	upTo := keepFrom
	cutoff := time.Now().UTC().Add(-opts.ActiveWindow)
	if cursorCount > 0 {
		if watermark.Int64 < upTo {
			upTo = watermark.Int64
		}
	} else {
		// No cursors to derive a watermark from — retain everything younger
		// than the fallback age.
		cutoff = time.Now().UTC().Add(-opts.FallbackMaxAge)
	}
	if upTo <= 0 {
		return 0, nil
	}

	cutoffStr := cutoff.Format(TimeFormat)
	res, err := tx.Exec(
		`DELETE FROM sync_changes WHERE partition_id = ? AND commit_seq IN (
			SELECT commit_seq FROM sync_commits
			WHERE partition_id = ? AND commit_seq <= ? AND created_at < ?
		)`, partition, partition, upTo, cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("delete pruned changes: %w", err)
	}
	res.RowsAffected()

	if _, err := tx.Exec(
		`DELETE FROM sync_table_commits WHERE partition_id = ? AND commit_seq IN (
			SELECT commit_seq FROM sync_commits
			WHERE partition_id = ? AND commit_seq <= ? AND created_at < ?
		)`, partition, partition, upTo, cutoffStr); err != nil {
		return 0, fmt.Errorf("delete pruned table index: %w", err)
	}

	res, err = tx.Exec(
		`DELETE FROM sync_commits WHERE partition_id = ? AND commit_seq <= ? AND created_at < ?`,
		partition, upTo, cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("delete pruned commits: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

func listPartitions(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT partition_id FROM sync_commits`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}
