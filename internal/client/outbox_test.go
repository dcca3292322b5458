package client

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncular/syncd/internal/registry"
)

func setupClientDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("open client db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleOps() []registry.Operation {
	payload, _ := json.Marshal(map[string]string{"id": "t1", "title": "hi", "user_id": "u1"})
	return []registry.Operation{{Table: "tasks", RowID: "t1", Op: "upsert", Payload: payload}}
}

func TestOutbox_EnqueueAndClaim(t *testing.T) {
	db := setupClientDB(t)
	outbox := NewOutbox(db)

	id, commitID, err := outbox.Enqueue(sampleOps(), 1, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" || commitID == "" {
		t.Fatal("ids not generated")
	}

	claimed, err := outbox.GetNextSendable(30 * time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != id {
		t.Fatalf("claimed: %+v", claimed)
	}
	if claimed.Status != StatusSending {
		t.Fatalf("status: %q", claimed.Status)
	}
	if claimed.AttemptCount != 1 {
		t.Fatalf("attempts: %d", claimed.AttemptCount)
	}
	if len(claimed.Operations) != 1 {
		t.Fatalf("operations: %+v", claimed.Operations)
	}

	// A sending entry is not claimable again before the stale timeout.
	again, err := outbox.GetNextSendable(30 * time.Second)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("claimed an in-flight commit: %+v", again)
	}
}

func TestOutbox_OldestFirst(t *testing.T) {
	db := setupClientDB(t)
	outbox := NewOutbox(db)

	firstID, _, _ := outbox.Enqueue(sampleOps(), 1, "first")
	// Force distinct created_at ordering.
	db.conn.Exec(`UPDATE sync_outbox_commits SET created_at = '2020-01-01T00:00:00.000Z' WHERE id = ?`, firstID)
	outbox.Enqueue(sampleOps(), 1, "second")

	claimed, err := outbox.GetNextSendable(time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ClientCommitID != "first" {
		t.Fatalf("claimed: %q, want first", claimed.ClientCommitID)
	}
}

func TestOutbox_StaleSendingReclaimed(t *testing.T) {
	db := setupClientDB(t)
	outbox := NewOutbox(db)

	outbox.Enqueue(sampleOps(), 1, "k1")
	claimed, _ := outbox.GetNextSendable(time.Minute)
	if claimed == nil {
		t.Fatal("no claim")
	}

	// Age the in-flight row past the stale timeout.
	stale := time.Now().UTC().Add(-2 * time.Minute).Format(timeFormat)
	db.conn.Exec(`UPDATE sync_outbox_commits SET updated_at = ? WHERE id = ?`, stale, claimed.ID)

	reclaimed, err := outbox.GetNextSendable(time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != claimed.ID {
		t.Fatalf("stale commit not reclaimed: %+v", reclaimed)
	}
	if reclaimed.AttemptCount != 2 {
		t.Fatalf("attempts: %d, want 2", reclaimed.AttemptCount)
	}
}

func TestOutbox_MalformedOperationsStillClaimed(t *testing.T) {
	db := setupClientDB(t)
	outbox := NewOutbox(db)

	id, _, _ := outbox.Enqueue(sampleOps(), 1, "k1")
	db.conn.Exec(`UPDATE sync_outbox_commits SET operations = 'not-json' WHERE id = ?`, id)

	claimed, err := outbox.GetNextSendable(time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("malformed record must still be claimable")
	}
	if len(claimed.Operations) != 0 {
		t.Fatalf("operations: %+v, want empty", claimed.Operations)
	}
}

func TestOutbox_StatusTransitions(t *testing.T) {
	db := setupClientDB(t)
	outbox := NewOutbox(db)

	id, _, _ := outbox.Enqueue(sampleOps(), 1, "k1")
	outbox.GetNextSendable(time.Minute)

	if err := outbox.MarkAcked(id, 7, `{"ok":true}`); err != nil {
		t.Fatalf("ack: %v", err)
	}
	got, _ := outbox.Get(id)
	if got.Status != StatusAcked {
		t.Fatalf("status: %q", got.Status)
	}
	if got.AckedCommitSeq == nil || *got.AckedCommitSeq != 7 {
		t.Fatalf("acked seq: %v", got.AckedCommitSeq)
	}
	if got.LastResponse == "" {
		t.Fatal("response not stored")
	}

	id2, _, _ := outbox.Enqueue(sampleOps(), 1, "k2")
	outbox.GetNextSendable(time.Minute)
	if err := outbox.MarkFailed(id2, "rejected", `{"status":"rejected"}`); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got2, _ := outbox.Get(id2)
	if got2.Status != StatusFailed || got2.Error == "" {
		t.Fatalf("failed entry: %+v", got2)
	}

	if err := outbox.MarkPending(id2, "retry me"); err != nil {
		t.Fatalf("pending: %v", err)
	}
	got2, _ = outbox.Get(id2)
	if got2.Status != StatusPending {
		t.Fatalf("status: %q", got2.Status)
	}
}

func TestOutbox_Cleanup(t *testing.T) {
	db := setupClientDB(t)
	outbox := NewOutbox(db)

	a, _, _ := outbox.Enqueue(sampleOps(), 1, "a")
	b, _, _ := outbox.Enqueue(sampleOps(), 1, "b")
	outbox.Enqueue(sampleOps(), 1, "c")

	outbox.MarkAcked(a, 1, "")
	outbox.MarkFailed(b, "boom", "")

	n, err := outbox.CleanupAcked()
	if err != nil || n != 1 {
		t.Fatalf("cleanup acked: %d, %v", n, err)
	}
	n, err = outbox.CleanupFailed()
	if err != nil || n != 1 {
		t.Fatalf("cleanup failed: %d, %v", n, err)
	}
	n, err = outbox.CleanupAll()
	if err != nil || n != 1 {
		t.Fatalf("cleanup all: %d, %v", n, err)
	}
}

func TestOutbox_EnqueueDuplicateCommitID(t *testing.T) {
	db := setupClientDB(t)
	outbox := NewOutbox(db)

	if _, _, err := outbox.Enqueue(sampleOps(), 1, "same"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, _, err := outbox.Enqueue(sampleOps(), 1, "same"); err == nil {
		t.Fatal("duplicate client commit id should be rejected")
	}
}
