package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/syncular/syncd/internal/chunkstore"
	"github.com/syncular/syncd/internal/engine"
	"github.com/syncular/syncd/internal/scope"
	"github.com/syncular/syncd/internal/syncclient"
)

// fakeTransport scripts server behavior for loop tests.
type fakeTransport struct {
	requests []*syncclient.SyncRequest
	respond  func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error)
	chunks   map[string][]json.RawMessage
}

func (f *fakeTransport) Sync(ctx context.Context, req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
	f.requests = append(f.requests, req)
	return f.respond(req)
}

func (f *fakeTransport) FetchChunk(ctx context.Context, chunkID string) ([]json.RawMessage, error) {
	rows, ok := f.chunks[chunkID]
	if !ok {
		return nil, errors.New("unknown chunk")
	}
	return rows, nil
}

func activeSub(id string, cursor int64, commits []engine.CommitEnvelope) engine.SubscriptionResponse {
	return engine.SubscriptionResponse{
		ID:         id,
		Status:     engine.SubscriptionActive,
		Scopes:     scope.Map{"user_id": scope.Single("u1")},
		NextCursor: cursor,
		Commits:    commits,
	}
}

func newTestLoop(t *testing.T, transport Transport) *Loop {
	t.Helper()
	db := setupClientDB(t)
	loop := NewLoop(db, transport, "c1", &ReplicaHandler{TableName: "tasks", ScopeFields: []string{"user_id"}})
	if err := loop.Subs.Ensure("s1", "tasks", scope.Map{"user_id": scope.Single("u1")}, nil); err != nil {
		t.Fatalf("ensure subscription: %v", err)
	}
	return loop
}

func TestSyncOnce_PushAckedAndPullApplied(t *testing.T) {
	row := json.RawMessage(`{"id":"t9","title":"remote","user_id":"u1","server_version":1}`)
	transport := &fakeTransport{
		respond: func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
			resp := &syncclient.SyncResponse{
				Pull: &engine.PullResponse{OK: true, Subscriptions: []engine.SubscriptionResponse{
					activeSub("s1", 2, []engine.CommitEnvelope{{
						CommitSeq: 2, ActorID: "u2",
						Changes: []engine.ChangeEnvelope{{
							ChangeID: 1, Table: "tasks", RowID: "t9", Op: "upsert", Row: row,
						}},
					}}),
				}},
			}
			if req.Push != nil {
				resp.Push = &engine.PushResponse{
					OK: true, Status: engine.PushApplied, CommitSeq: 1,
					Results: []engine.OpResult{{OpIndex: 0, Status: "applied"}},
				}
			}
			return resp, nil
		},
	}
	loop := newTestLoop(t, transport)

	id, err := loop.Enqueue(sampleOps())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := loop.SyncOnce(context.Background(), Options{})
	if err != nil {
		t.Fatalf("sync once: %v", err)
	}
	if stats.PushedCommits != 1 {
		t.Fatalf("pushed: %d", stats.PushedCommits)
	}

	entry, _ := loop.Outbox.Get(id)
	if entry.Status != StatusAcked || entry.AckedCommitSeq == nil || *entry.AckedCommitSeq != 1 {
		t.Fatalf("outbox entry: %+v", entry)
	}

	// Remote change applied into the replica, cursor advanced.
	rows, err := loop.DB.Rows("default", "tasks")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if _, ok := rows["t9"]; !ok {
		t.Fatalf("remote row missing: %v", rows)
	}
	subs, _ := loop.Subs.List()
	if subs[0].Cursor != 2 {
		t.Fatalf("cursor: got %d, want 2", subs[0].Cursor)
	}
}

func TestSyncOnce_CachedCountsAsPushed(t *testing.T) {
	transport := &fakeTransport{
		respond: func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
			resp := &syncclient.SyncResponse{
				Pull: &engine.PullResponse{OK: true, Subscriptions: []engine.SubscriptionResponse{activeSub("s1", 1, nil)}},
			}
			if req.Push != nil {
				resp.Push = &engine.PushResponse{OK: true, Status: engine.PushCached, CommitSeq: 5}
			}
			return resp, nil
		},
	}
	loop := newTestLoop(t, transport)
	id, _ := loop.Enqueue(sampleOps())

	if _, err := loop.SyncOnce(context.Background(), Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	entry, _ := loop.Outbox.Get(id)
	if entry.Status != StatusAcked || *entry.AckedCommitSeq != 5 {
		t.Fatalf("cached replay not acked: %+v", entry)
	}
}

func TestSyncOnce_RetriableRejectionRequeues(t *testing.T) {
	transport := &fakeTransport{
		respond: func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
			resp := &syncclient.SyncResponse{
				Pull: &engine.PullResponse{OK: true, Subscriptions: []engine.SubscriptionResponse{activeSub("s1", 0, nil)}},
			}
			if req.Push != nil {
				resp.Push = &engine.PushResponse{
					Status: engine.PushRejected,
					Results: []engine.OpResult{{
						OpIndex: 0, Status: "error", Code: "TRANSIENT", Retriable: true,
					}},
				}
			}
			return resp, nil
		},
	}
	loop := newTestLoop(t, transport)
	id, _ := loop.Enqueue(sampleOps())

	if _, err := loop.SyncOnce(context.Background(), Options{MaxPullRounds: 1}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	entry, _ := loop.Outbox.Get(id)
	if entry.Status != StatusPending {
		t.Fatalf("status: %q, want pending", entry.Status)
	}
}

func TestSyncOnce_NonRetriableRejectionFails(t *testing.T) {
	transport := &fakeTransport{
		respond: func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
			resp := &syncclient.SyncResponse{
				Pull: &engine.PullResponse{OK: true, Subscriptions: []engine.SubscriptionResponse{activeSub("s1", 0, nil)}},
			}
			if req.Push != nil {
				v := int64(3)
				resp.Push = &engine.PushResponse{
					Status: engine.PushRejected,
					Results: []engine.OpResult{{
						OpIndex: 0, Status: "conflict", ServerVersion: &v,
					}},
				}
			}
			return resp, nil
		},
	}
	loop := newTestLoop(t, transport)
	id, _ := loop.Enqueue(sampleOps())

	if _, err := loop.SyncOnce(context.Background(), Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	entry, _ := loop.Outbox.Get(id)
	if entry.Status != StatusFailed {
		t.Fatalf("status: %q, want failed", entry.Status)
	}

	var conflicts int
	loop.DB.conn.QueryRow(`SELECT COUNT(*) FROM sync_conflicts`).Scan(&conflicts)
	if conflicts != 1 {
		t.Fatalf("conflict journal: %d rows", conflicts)
	}
}

func TestSyncOnce_TransportErrorLeavesSending(t *testing.T) {
	transport := &fakeTransport{
		respond: func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
			return nil, errors.New("connection refused")
		},
	}
	loop := newTestLoop(t, transport)
	id, _ := loop.Enqueue(sampleOps())

	if _, err := loop.SyncOnce(context.Background(), Options{}); err == nil {
		t.Fatal("transport error should propagate")
	}
	entry, _ := loop.Outbox.Get(id)
	if entry.Status != StatusSending {
		t.Fatalf("status: %q, want sending (reclaimable)", entry.Status)
	}
}

func TestSyncOnce_BootstrapSnapshotApplied(t *testing.T) {
	rows := []json.RawMessage{
		json.RawMessage(`{"id":"a","title":"one","user_id":"u1","server_version":1}`),
		json.RawMessage(`{"id":"b","title":"two","user_id":"u1","server_version":1}`),
	}
	transport := &fakeTransport{
		chunks: map[string][]json.RawMessage{"chunk1": rows},
		respond: func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
			return &syncclient.SyncResponse{
				Pull: &engine.PullResponse{OK: true, Subscriptions: []engine.SubscriptionResponse{{
					ID: "s1", Status: engine.SubscriptionActive,
					Scopes:    scope.Map{"user_id": scope.Single("u1")},
					Bootstrap: true, NextCursor: 3,
					Snapshots: []engine.SnapshotEnvelope{{
						Table: "tasks", IsFirstPage: true, IsLastPage: true,
						Chunks: []chunkstore.Ref{{ID: "chunk1", Encoding: chunkstore.EncodingJSONRowFrameV1, Compression: chunkstore.CompressionGzip}},
					}},
				}}},
			}, nil
		},
	}
	loop := newTestLoop(t, transport)

	if _, err := loop.SyncOnce(context.Background(), Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, _ := loop.DB.Rows("default", "tasks")
	if len(got) != 2 {
		t.Fatalf("bootstrap rows: %v", got)
	}
	subs, _ := loop.Subs.List()
	if subs[0].Cursor != 3 || subs[0].BootstrapState != nil {
		t.Fatalf("subscription after bootstrap: %+v", subs[0])
	}
}

func TestSyncOnce_StaleLocalRowClearedBySnapshot(t *testing.T) {
	// A row that no longer exists on the server must vanish when the
	// snapshot for its scope is applied.
	transport := &fakeTransport{
		chunks: map[string][]json.RawMessage{},
		respond: func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
			return &syncclient.SyncResponse{
				Pull: &engine.PullResponse{OK: true, Subscriptions: []engine.SubscriptionResponse{{
					ID: "s1", Status: engine.SubscriptionActive,
					Scopes:    scope.Map{"user_id": scope.Single("u1")},
					Bootstrap: true, NextCursor: 1,
					Snapshots: []engine.SnapshotEnvelope{{Table: "tasks", IsFirstPage: true, IsLastPage: true}},
				}}},
			}, nil
		},
	}
	loop := newTestLoop(t, transport)

	// Seed a stale local row.
	tx, _ := loop.DB.conn.Begin()
	handler := loop.Handlers["tasks"]
	handler.ApplySnapshot(tx, "default", []json.RawMessage{
		json.RawMessage(`{"id":"stale","user_id":"u1"}`),
	})
	tx.Commit()

	if _, err := loop.SyncOnce(context.Background(), Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rows, _ := loop.DB.Rows("default", "tasks")
	if len(rows) != 0 {
		t.Fatalf("stale rows survived snapshot refresh: %v", rows)
	}
}

func TestSyncOnce_RevokedClearsScope(t *testing.T) {
	transport := &fakeTransport{
		respond: func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
			return &syncclient.SyncResponse{
				Pull: &engine.PullResponse{OK: true, Subscriptions: []engine.SubscriptionResponse{{
					ID: "s1", Status: engine.SubscriptionRevoked,
					Scopes: scope.Map{}, NextCursor: 0,
				}}},
			}, nil
		},
	}
	loop := newTestLoop(t, transport)

	tx, _ := loop.DB.conn.Begin()
	loop.Handlers["tasks"].ApplySnapshot(tx, "default", []json.RawMessage{
		json.RawMessage(`{"id":"mine","user_id":"u1"}`),
	})
	tx.Commit()

	if _, err := loop.SyncOnce(context.Background(), Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rows, _ := loop.DB.Rows("default", "tasks")
	if len(rows) != 0 {
		t.Fatalf("rows survived revoke: %v", rows)
	}
	subs, _ := loop.Subs.List()
	if subs[0].Status != "revoked" {
		t.Fatalf("subscription status: %q", subs[0].Status)
	}
}

func TestSyncOnce_RevokedClearsOnlyItsTable(t *testing.T) {
	transport := &fakeTransport{
		respond: func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
			return &syncclient.SyncResponse{
				Pull: &engine.PullResponse{OK: true, Subscriptions: []engine.SubscriptionResponse{{
					ID: "s1", Status: engine.SubscriptionRevoked,
					Scopes: scope.Map{}, NextCursor: 0,
				}}},
			}, nil
		},
	}

	db := setupClientDB(t)
	loop := NewLoop(db, transport, "c1",
		&ReplicaHandler{TableName: "tasks", ScopeFields: []string{"user_id"}},
		&ReplicaHandler{TableName: "projects", ScopeFields: []string{"user_id"}},
	)
	if err := loop.Subs.Ensure("s1", "tasks", scope.Map{"user_id": scope.Single("u1")}, nil); err != nil {
		t.Fatalf("ensure tasks subscription: %v", err)
	}
	if err := loop.Subs.Ensure("s2", "projects", scope.Map{"user_id": scope.Single("u1")}, nil); err != nil {
		t.Fatalf("ensure projects subscription: %v", err)
	}

	tx, _ := loop.DB.conn.Begin()
	loop.Handlers["tasks"].ApplySnapshot(tx, "default", []json.RawMessage{
		json.RawMessage(`{"id":"t1","user_id":"u1"}`),
	})
	loop.Handlers["projects"].ApplySnapshot(tx, "default", []json.RawMessage{
		json.RawMessage(`{"id":"p1","user_id":"u1"}`),
	})
	tx.Commit()

	if _, err := loop.SyncOnce(context.Background(), Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Only the revoked subscription's table is purged.
	tasks, _ := loop.DB.Rows("default", "tasks")
	if len(tasks) != 0 {
		t.Fatalf("revoked table rows survived: %v", tasks)
	}
	projects, _ := loop.DB.Rows("default", "projects")
	if _, ok := projects["p1"]; !ok {
		t.Fatalf("unrelated table wiped by revocation: %v", projects)
	}

	subs, _ := loop.Subs.List()
	for _, sub := range subs {
		switch sub.ID {
		case "s1":
			if sub.Status != "revoked" {
				t.Fatalf("s1 status: %q", sub.Status)
			}
		case "s2":
			if sub.Status != "active" {
				t.Fatalf("s2 status: %q", sub.Status)
			}
		}
	}
}

func TestSyncOnce_DrainsOutbox(t *testing.T) {
	var pushes int
	transport := &fakeTransport{
		respond: func(req *syncclient.SyncRequest) (*syncclient.SyncResponse, error) {
			resp := &syncclient.SyncResponse{
				Pull: &engine.PullResponse{OK: true, Subscriptions: []engine.SubscriptionResponse{activeSub("s1", 0, nil)}},
			}
			if req.Push != nil {
				pushes++
				resp.Push = &engine.PushResponse{OK: true, Status: engine.PushApplied, CommitSeq: int64(pushes),
					Results: []engine.OpResult{{OpIndex: 0, Status: "applied"}}}
			}
			return resp, nil
		},
	}
	loop := newTestLoop(t, transport)
	loop.Outbox.Enqueue(sampleOps(), 1, "a")
	loop.Outbox.Enqueue(sampleOps(), 1, "b")
	loop.Outbox.Enqueue(sampleOps(), 1, "c")

	stats, err := loop.SyncOnce(context.Background(), Options{StaleTimeout: time.Minute})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.PushedCommits != 3 {
		t.Fatalf("pushed: %d, want 3", stats.PushedCommits)
	}
	pending, _ := loop.Outbox.CountByStatus(StatusPending)
	if pending != 0 {
		t.Fatalf("pending after drain: %d", pending)
	}
}
