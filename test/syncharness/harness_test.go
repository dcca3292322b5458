package syncharness

import (
	"encoding/json"
	"testing"

	"github.com/syncular/syncd/internal/client"
	"github.com/syncular/syncd/internal/registry"
)

func upsert(table, rowID, title, userID string) registry.Operation {
	payload, _ := json.Marshal(map[string]string{"id": rowID, "title": title, "user_id": userID})
	return registry.Operation{Table: table, RowID: rowID, Op: "upsert", Payload: payload}
}

func del(table, rowID, userID string) registry.Operation {
	payload, _ := json.Marshal(map[string]string{"id": rowID, "user_id": userID})
	return registry.Operation{Table: table, RowID: rowID, Op: "delete", Payload: payload}
}

func TestTwoDevices_PushPropagates(t *testing.T) {
	h := Start(t)
	d1 := h.AttachDevice("u1", "c1")
	d2 := h.AttachDevice("u1", "c2")

	if _, err := d1.Loop.Enqueue([]registry.Operation{upsert("tasks", "t1", "from c1", "u1")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats := d1.Sync(t)
	if stats.PushedCommits != 1 {
		t.Fatalf("pushed: %d", stats.PushedCommits)
	}

	d2.Sync(t)

	rows, err := d2.DB.Rows("default", "tasks")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	row, ok := rows["t1"]
	if !ok {
		t.Fatalf("t1 missing on c2: %v", rows)
	}
	var obj map[string]any
	json.Unmarshal(row, &obj)
	if obj["title"] != "from c1" || obj["server_version"] != float64(1) {
		t.Fatalf("row: %v", obj)
	}
}

func TestBootstrapParity(t *testing.T) {
	h := Start(t)
	d1 := h.AttachDevice("u1", "c1")

	// Build up server state across several commits, including an overwrite
	// and a delete.
	ops := [][]registry.Operation{
		{upsert("tasks", "t1", "v1", "u1")},
		{upsert("tasks", "t2", "x", "u1")},
		{upsert("tasks", "t1", "v2", "u1")},
		{del("tasks", "t2", "u1")},
		{upsert("tasks", "t3", "y", "u1")},
	}
	for _, batch := range ops {
		if _, err := d1.Loop.Enqueue(batch); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	d1.Sync(t)

	// A brand-new device bootstraps from snapshots and converges to the
	// same replica.
	d2 := h.AttachDevice("u1", "c2")
	d2.Sync(t)

	r1, _ := d1.DB.Rows("default", "tasks")
	r2, _ := d2.DB.Rows("default", "tasks")
	if len(r2) != len(r1) {
		t.Fatalf("replica sizes differ: %d vs %d", len(r2), len(r1))
	}
	for id, row1 := range r1 {
		row2, ok := r2[id]
		if !ok {
			t.Fatalf("row %s missing after bootstrap", id)
		}
		var a, b map[string]any
		json.Unmarshal(row1, &a)
		json.Unmarshal(row2, &b)
		if a["title"] != b["title"] || a["server_version"] != b["server_version"] {
			t.Fatalf("row %s diverged: %v vs %v", id, a, b)
		}
	}
	if _, gone := r2["t2"]; gone {
		t.Fatal("deleted row resurrected by bootstrap")
	}
}

func TestScopeIsolationAcrossActors(t *testing.T) {
	h := Start(t)
	mine := h.AttachDevice("u1", "c1")
	theirs := h.AttachDevice("u2", "c2")

	mine.Loop.Enqueue([]registry.Operation{upsert("tasks", "t1", "mine", "u1")})
	mine.Sync(t)
	theirs.Loop.Enqueue([]registry.Operation{upsert("tasks", "x1", "theirs", "u2")})
	theirs.Sync(t)

	mine.Sync(t)
	rows, _ := mine.DB.Rows("default", "tasks")
	if _, leaked := rows["x1"]; leaked {
		t.Fatal("foreign-scope row leaked into replica")
	}
	if _, ok := rows["t1"]; !ok {
		t.Fatal("own row missing")
	}
}

func TestReplayAfterStaleReclaim(t *testing.T) {
	h := Start(t)
	d := h.AttachDevice("u1", "c1")

	id, err := d.Loop.Enqueue([]registry.Operation{upsert("tasks", "t1", "once", "u1")})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d.Sync(t)

	entry, _ := d.Loop.Outbox.Get(id)
	if entry.Status != client.StatusAcked {
		t.Fatalf("status: %q", entry.Status)
	}
	firstSeq := *entry.AckedCommitSeq

	// Simulate a crash after send but before the ack was recorded: force
	// the entry back to pending and sync again. The server dedupes.
	d.DB.Conn().Exec(`UPDATE sync_outbox_commits SET status = 'pending', acked_commit_seq = NULL WHERE id = ?`, id)
	d.Sync(t)

	entry, _ = d.Loop.Outbox.Get(id)
	if entry.Status != client.StatusAcked || *entry.AckedCommitSeq != firstSeq {
		t.Fatalf("replayed entry: %+v, want ack with seq %d", entry, firstSeq)
	}
}

func TestConflictFailsCommitAndJournals(t *testing.T) {
	h := Start(t)
	d1 := h.AttachDevice("u1", "c1")
	d2 := h.AttachDevice("u1", "c2")

	d1.Loop.Enqueue([]registry.Operation{upsert("tasks", "t1", "v1", "u1")})
	d1.Sync(t)
	d1.Loop.Enqueue([]registry.Operation{upsert("tasks", "t1", "v2", "u1")})
	d1.Sync(t) // server_version now 2

	// d2 writes against the stale version.
	stale := int64(1)
	op := upsert("tasks", "t1", "stale write", "u1")
	op.BaseVersion = &stale
	id, _ := d2.Loop.Enqueue([]registry.Operation{op})
	d2.Sync(t)

	entry, _ := d2.Loop.Outbox.Get(id)
	if entry.Status != client.StatusFailed {
		t.Fatalf("status: %q, want failed", entry.Status)
	}

	var conflicts int
	d2.DB.Conn().QueryRow(`SELECT COUNT(*) FROM sync_conflicts`).Scan(&conflicts)
	if conflicts != 1 {
		t.Fatalf("conflict journal rows: %d", conflicts)
	}

	// The server still holds v2 and d2 converges to it.
	rows, _ := d2.DB.Rows("default", "tasks")
	var obj map[string]any
	json.Unmarshal(rows["t1"], &obj)
	if obj["title"] != "v2" {
		t.Fatalf("replica after conflict: %v", obj)
	}
}
