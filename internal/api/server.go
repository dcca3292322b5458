// Package api is the HTTP surface of the sync server: the combined /sync
// endpoint, snapshot chunk fetch, the realtime wake-up socket, and the
// background maintenance loop.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syncular/syncd/internal/chunkstore"
	"github.com/syncular/syncd/internal/commitlog"
	"github.com/syncular/syncd/internal/engine"
	"github.com/syncular/syncd/internal/realtime"
	"github.com/syncular/syncd/internal/registry"
)

// Pusher applies a push commit, owning its own transaction. The default
// server pushes straight through the engine; a relay substitutes its
// atomic-enqueue path here.
type Pusher interface {
	PushCommit(ctx context.Context, partition string, auth engine.Auth, req *engine.PushRequest) (*engine.PushOutcome, error)
}

// Server is the sync HTTP server.
type Server struct {
	config   Config
	http     *http.Server
	db       *sql.DB
	registry *registry.Registry
	chunks   *chunkstore.Store
	authn    Authenticator
	rt       *realtime.Registry
	metrics  *Metrics
	pusher   Pusher

	cancel context.CancelFunc
	bg     *errgroup.Group
}

// NewServer wires a server over an opened, migrated database.
func NewServer(cfg Config, db *sql.DB, reg *registry.Registry, authn Authenticator) *Server {
	s := &Server{
		config:   cfg,
		db:       db,
		registry: reg,
		chunks:   &chunkstore.Store{TTL: cfg.ChunkTTL},
		authn:    authn,
		rt:       realtime.New(),
		metrics:  NewMetrics(),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Realtime exposes the wake-up registry, e.g. for tests.
func (s *Server) Realtime() *realtime.Registry { return s.rt }

// UsePusher substitutes the push path, e.g. with a relay's atomic-enqueue
// pipeline. Must be called before Start.
func (s *Server) UsePusher(p Pusher) { s.pusher = p }

// Start begins listening (non-blocking) and launches the heartbeat and the
// maintenance loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.config.ListenAddr = ln.Addr().String()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	s.rt.StartHeartbeat(s.config.HeartbeatInterval)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.bg, ctx = errgroup.WithContext(ctx)

	if s.config.PruneInterval > 0 {
		s.bg.Go(func() error {
			s.maintenanceLoop(ctx)
			return nil
		})
	}

	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.config.ListenAddr }

// Shutdown gracefully stops the server, the realtime registry, and the
// background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.rt.Stop()
	err := s.http.Shutdown(ctx)
	if s.bg != nil {
		s.bg.Wait()
	}
	return err
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	mux.HandleFunc("POST /sync", s.requireAuth(clientIDFromBody, s.handleSync))
	mux.HandleFunc("GET /sync/status", s.requireAuth(clientIDFromQuery, s.handleSyncStatus))
	mux.HandleFunc("GET /sync/snapshot-chunks/{chunkId}", s.requireAuth(clientIDFromQuery, s.handleChunkFetch))
	mux.HandleFunc("GET /sync/realtime", s.requireAuth(clientIDFromQuery, s.handleRealtime))

	return chain(mux,
		recoveryMiddleware,
		requestIDMiddleware,
		loggerMiddleware,
		metricsMiddleware(s.metrics),
		loggingMiddleware,
		maxBytesMiddleware(10<<20),
	)
}

// handleHealth returns a health check response, pinging the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	snap["realtime_connections"] = int64(s.rt.ConnectionCount())
	writeJSON(w, http.StatusOK, snap)
}

// maintenanceLoop periodically compacts the change log, prunes acknowledged
// commits, and sweeps expired snapshot chunks.
func (s *Server) maintenanceLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("maintenance panic", "panic", r)
		}
	}()

	ticker := time.NewTicker(s.config.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunMaintenance()
		}
	}
}

// RunMaintenance executes one compact + prune + chunk sweep pass.
func (s *Server) RunMaintenance() {
	if _, err := commitlog.Compact(s.db, commitlog.CompactOptions{
		FullHistory: s.config.CompactFullHistory,
	}); err != nil {
		slog.Error("compact", "err", err)
	}
	if _, err := commitlog.PruneCommits(s.db, commitlog.PruneOptions{
		ActiveWindow:   s.config.PruneMaxAge,
		KeepNewest:     s.config.PruneKeepNewest,
		FallbackMaxAge: s.config.PruneMaxAge,
	}); err != nil {
		slog.Error("prune commits", "err", err)
	}
	if n, err := s.chunks.CleanupExpired(s.db, time.Now()); err != nil {
		slog.Error("sweep chunks", "err", err)
	} else if n > 0 {
		slog.Info("swept expired chunks", "count", n)
	}
}

func clientIDFromBody(r *http.Request) string {
	// The /sync handler re-reads the decoded body's clientId; the header is
	// a fallback for auth-time pairing.
	return r.Header.Get("X-Sync-Client-ID")
}

func clientIDFromQuery(r *http.Request) string {
	return r.URL.Query().Get("clientId")
}
