// Package syncharness spins up a real sync server and full client stacks
// against temp databases, for end-to-end scenarios: push/pull round trips,
// bootstrap parity, and relay forwarding.
package syncharness

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/syncular/syncd/internal/api"
	"github.com/syncular/syncd/internal/client"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/rowtable"
	"github.com/syncular/syncd/internal/scope"
	"github.com/syncular/syncd/internal/syncclient"
)

// Harness is one running server plus helpers to attach clients.
type Harness struct {
	t       *testing.T
	Server  *api.Server
	BaseURL string
}

// newRegistry builds the projects+tasks registry used by harness servers.
// Regular actors are granted exactly their own user_id dimension; relay
// service accounts replicate every scope.
func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	resolve := func(ctx *registry.Ctx) (scope.Map, error) {
		if strings.HasPrefix(ctx.ActorID, "relay:") || ctx.ActorID == "edge" {
			return scope.Map{"user_id": scope.Any()}, nil
		}
		return scope.Map{"user_id": scope.Single(ctx.ActorID)}, nil
	}
	reg := registry.New()
	for _, cfg := range []rowtable.Config{
		{Table: "projects", ScopeFields: []string{"user_id"}, ResolveScopes: resolve},
		{Table: "tasks", ScopeFields: []string{"user_id"}, DependsOn: []string{"projects"}, ResolveScopes: resolve},
	} {
		if err := reg.Register(rowtable.New(cfg)); err != nil {
			t.Fatalf("register %s: %v", cfg.Table, err)
		}
	}
	return reg
}

// Start launches a server over a fresh database. Tokens of the form
// "token-<actor>" authenticate as that actor.
func Start(t *testing.T) *Harness {
	t.Helper()

	db, err := api.OpenDatabase(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := api.LoadConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PruneInterval = 0
	cfg.HeartbeatInterval = time.Second

	srv := api.NewServer(cfg, db, newRegistry(t), api.AuthenticatorFunc(func(token string) (string, error) {
		var actor string
		if _, err := fmt.Sscanf(token, "token-%s", &actor); err != nil || actor == "" {
			return "", fmt.Errorf("bad token")
		}
		return actor, nil
	}))
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &Harness{t: t, Server: srv, BaseURL: "http://" + srv.Addr()}
}

// Device is one client stack: database, outbox, subscriptions, loop.
type Device struct {
	ID   string
	DB   *client.DB
	Loop *client.Loop
}

// AttachDevice creates a client database for an actor and subscribes it to
// the tasks table under its own user scope.
func (h *Harness) AttachDevice(actor, clientID string) *Device {
	h.t.Helper()

	db, err := client.Open(filepath.Join(h.t.TempDir(), clientID+".db"))
	if err != nil {
		h.t.Fatalf("open client db: %v", err)
	}
	h.t.Cleanup(func() { db.Close() })

	transport := syncclient.New(h.BaseURL, "token-"+actor, clientID)
	loop := client.NewLoop(db, transport, clientID,
		&client.ReplicaHandler{TableName: "projects", ScopeFields: []string{"user_id"}},
		&client.ReplicaHandler{TableName: "tasks", ScopeFields: []string{"user_id"}},
	)
	if err := loop.Subs.Ensure("sub-tasks", "tasks", scope.Map{"user_id": scope.Single(actor)}, nil); err != nil {
		h.t.Fatalf("ensure subscription: %v", err)
	}

	return &Device{ID: clientID, DB: db, Loop: loop}
}

// Sync runs one SyncOnce with test-friendly options.
func (d *Device) Sync(t *testing.T) *client.Stats {
	t.Helper()
	stats, err := d.Loop.SyncOnce(context.Background(), client.Options{
		MaxPushCommits: 20,
		MaxPullRounds:  20,
		StaleTimeout:   time.Minute,
	})
	if err != nil {
		t.Fatalf("sync once (%s): %v", d.ID, err)
	}
	return stats
}
