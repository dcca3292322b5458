package syncharness

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncular/syncd/internal/api"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/relay"
	"github.com/syncular/syncd/internal/scope"
	"github.com/syncular/syncd/internal/syncclient"
)

// startRelay runs a relay against the upstream harness: its own database,
// its own HTTP surface for local clients, pushes routed through the
// atomic-enqueue pipeline.
func startRelay(t *testing.T, upstream *Harness) (*relay.Relay, *Harness) {
	t.Helper()

	db, err := relay.OpenDatabase(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open relay db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	r := relay.New(relay.Config{
		RelayID: "edge1",
		Subscriptions: []relay.UpstreamSubscription{{
			Table:  "tasks",
			Scopes: scope.Map{"user_id": scope.Any()},
		}},
	}, db, newRegistry(t), syncclient.New(upstream.BaseURL, "token-edge", "relay:edge1"))

	cfg := api.LoadConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PruneInterval = 0
	srv := api.NewServer(cfg, db, newRegistry(t), api.AuthenticatorFunc(func(token string) (string, error) {
		var actor string
		if _, err := fmt.Sscanf(token, "token-%s", &actor); err != nil || actor == "" {
			return "", fmt.Errorf("bad token")
		}
		return actor, nil
	}))
	srv.UsePusher(r)
	if err := srv.Start(); err != nil {
		t.Fatalf("start relay server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return r, &Harness{t: t, Server: srv, BaseURL: "http://" + srv.Addr()}
}

func TestRelay_LocalPushForwardsUpstream(t *testing.T) {
	upstream := Start(t)
	r, edge := startRelay(t, upstream)

	// A device pushes through the relay's HTTP surface.
	d := edge.AttachDevice("u1", "c-edge-1")
	if _, err := d.Loop.Enqueue([]registry.Operation{upsert("tasks", "t1", "from the edge", "u1")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d.Sync(t)

	// The local replica converges from the relay's own log.
	rows, _ := d.DB.Rows("default", "tasks")
	if _, ok := rows["t1"]; !ok {
		t.Fatalf("row missing on edge device: %v", rows)
	}

	// Forward the queued commit upstream and verify the round trip: a
	// device talking directly to the upstream sees the row.
	if n, err := r.ForwardDrain(context.Background()); err != nil || n != 1 {
		t.Fatalf("forward drain: n=%d err=%v", n, err)
	}

	direct := upstream.AttachDevice("u1", "c-direct")
	direct.Sync(t)
	rows, _ = direct.DB.Rows("default", "tasks")
	row, ok := rows["t1"]
	if !ok {
		t.Fatalf("row missing upstream: %v", rows)
	}
	var obj map[string]any
	json.Unmarshal(row, &obj)
	if obj["title"] != "from the edge" {
		t.Fatalf("upstream row: %v", obj)
	}

	// Re-forwarding the same local commit must not mint a second upstream
	// commit.
	r.DB().Exec(`UPDATE relay_forward_outbox SET status = 'pending'`)
	if _, err := r.ForwardDrain(context.Background()); err != nil {
		t.Fatalf("re-forward: %v", err)
	}
	st, err := r.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.ForwardConflicts != 0 {
		t.Fatalf("unexpected conflicts: %+v", st)
	}
}

func TestRelay_PullImportReachesLocalDevice(t *testing.T) {
	upstream := Start(t)
	r, edge := startRelay(t, upstream)

	// A commit lands directly upstream.
	direct := upstream.AttachDevice("u1", "c-direct")
	direct.Loop.Enqueue([]registry.Operation{upsert("tasks", "t9", "born upstream", "u1")})
	direct.Sync(t)

	// The relay imports it, then an edge device pulls it from the relay.
	if err := r.PullOnce(context.Background()); err != nil {
		t.Fatalf("relay pull: %v", err)
	}

	d := edge.AttachDevice("u1", "c-edge-1")
	d.Sync(t)
	rows, _ := d.DB.Rows("default", "tasks")
	row, ok := rows["t9"]
	if !ok {
		t.Fatalf("imported row missing on edge device: %v", rows)
	}
	var obj map[string]any
	json.Unmarshal(row, &obj)
	if obj["title"] != "born upstream" {
		t.Fatalf("row: %v", obj)
	}
}
