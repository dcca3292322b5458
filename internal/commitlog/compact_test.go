package commitlog

import (
	"database/sql"
	"testing"
	"time"

	"github.com/syncular/syncd/internal/scope"
)

// backdateCommits rewrites created_at so the rows fall outside the
// full-history window.
func backdateCommits(t *testing.T, db *sql.DB, age time.Duration) {
	t.Helper()
	old := time.Now().UTC().Add(-age).Format(TimeFormat)
	if _, err := db.Exec(`UPDATE sync_commits SET created_at = ?`, old); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestCompact_KeepsLatestPerRowAndScope(t *testing.T) {
	db := setupLogDB(t)

	// Three versions of t1, one of t2, same scope.
	mustAppend(t, db, "c1", "k1", []Change{makeChange("tasks", "t1", OpUpsert, "u1")})
	mustAppend(t, db, "c1", "k2", []Change{makeChange("tasks", "t1", OpUpsert, "u1")})
	mustAppend(t, db, "c1", "k3", []Change{makeChange("tasks", "t1", OpUpsert, "u1")})
	mustAppend(t, db, "c1", "k4", []Change{makeChange("tasks", "t2", OpUpsert, "u1")})
	backdateCommits(t, db, 48*time.Hour)

	deleted, err := Compact(db, CompactOptions{FullHistory: time.Hour, BatchSize: 10})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted: got %d, want 2", deleted)
	}

	// The survivor for t1 must be the change from the highest commit seq.
	var maxSeq int64
	db.QueryRow(`SELECT commit_seq FROM sync_changes WHERE row_id = 't1'`).Scan(&maxSeq)
	if maxSeq != 3 {
		t.Fatalf("surviving t1 change seq: got %d, want 3", maxSeq)
	}

	// Table-index rows for commits with no surviving tasks changes go too.
	var idx int
	db.QueryRow(`SELECT COUNT(*) FROM sync_table_commits WHERE tbl = 'tasks'`).Scan(&idx)
	if idx != 2 {
		t.Fatalf("surviving index rows: got %d, want 2", idx)
	}
}

func TestCompact_DistinctScopesBothSurvive(t *testing.T) {
	db := setupLogDB(t)

	mustAppend(t, db, "c1", "k1", []Change{makeChange("tasks", "t1", OpUpsert, "u1")})
	mustAppend(t, db, "c1", "k2", []Change{makeChange("tasks", "t1", OpUpsert, "u2")})
	backdateCommits(t, db, 48*time.Hour)

	if _, err := Compact(db, CompactOptions{FullHistory: time.Hour}); err != nil {
		t.Fatalf("compact: %v", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM sync_changes`).Scan(&n)
	if n != 2 {
		t.Fatalf("changes with distinct scopes: got %d, want 2", n)
	}
}

func TestCompact_RecentChangesUntouched(t *testing.T) {
	db := setupLogDB(t)

	mustAppend(t, db, "c1", "k1", []Change{makeChange("tasks", "t1", OpUpsert, "u1")})
	mustAppend(t, db, "c1", "k2", []Change{makeChange("tasks", "t1", OpUpsert, "u1")})

	deleted, err := Compact(db, CompactOptions{FullHistory: 24 * time.Hour})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("recent changes compacted: %d", deleted)
	}
}

func TestPruneCommits_RespectsAckWatermark(t *testing.T) {
	db := setupLogDB(t)

	for i := 1; i <= 4; i++ {
		mustAppend(t, db, "c1", "k"+string(rune('0'+i)), []Change{makeChange("tasks", "t1", OpUpsert, "u1")})
	}
	backdateCommits(t, db, 48*time.Hour)

	// Client acked up to 2; commits 3 and 4 must survive whatever the age.
	tx, _ := db.Begin()
	RecordClientCursor(tx, "default", "c1", "u1", 2, scope.Map{})
	tx.Commit()

	pruned, err := PruneCommits(db, PruneOptions{
		ActiveWindow:   time.Hour,
		KeepNewest:     1,
		FallbackMaxAge: 30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned: got %d, want 2", pruned)
	}

	var minSeq int64
	db.QueryRow(`SELECT MIN(commit_seq) FROM sync_commits`).Scan(&minSeq)
	if minSeq != 3 {
		t.Fatalf("min surviving seq: got %d, want 3", minSeq)
	}
}

func TestPruneCommits_NoCursorsUsesFallbackAge(t *testing.T) {
	db := setupLogDB(t)

	mustAppend(t, db, "c1", "k1", []Change{makeChange("tasks", "t1", OpUpsert, "u1")})
	mustAppend(t, db, "c1", "k2", []Change{makeChange("tasks", "t1", OpUpsert, "u1")})
	backdateCommits(t, db, 48*time.Hour)

	// Younger than the fallback age: nothing goes.
	pruned, err := PruneCommits(db, PruneOptions{
		ActiveWindow:   time.Hour,
		KeepNewest:     1,
		FallbackMaxAge: 30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("pruned without watermark: got %d, want 0", pruned)
	}

	// Older than the fallback age: prunable, bounded by keep-newest.
	pruned, err = PruneCommits(db, PruneOptions{
		ActiveWindow:   time.Hour,
		KeepNewest:     1,
		FallbackMaxAge: time.Hour,
	})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("fallback prune: got %d, want 1", pruned)
	}
}
