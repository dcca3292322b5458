// Package relay implements the edge node that is simultaneously a server to
// local clients and a client to an upstream sync server. Local commits are
// atomically enqueued for forwarding; upstream commits are re-applied
// through the local push pipeline; a sequence map bridges the two
// independent commit-seq namespaces.
package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/syncular/syncd/internal/engine"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/scope"
	"github.com/syncular/syncd/internal/syncclient"
	"github.com/syncular/syncd/internal/syncdb"
)

// PullRejectPolicy decides what happens when an upstream commit is rejected
// by the local re-apply. Halt stops the importer (cursor frozen, operator
// intervenes); Skip logs the commit and moves on.
type PullRejectPolicy string

const (
	PullRejectHalt PullRejectPolicy = "halt"
	PullRejectSkip PullRejectPolicy = "skip"
)

// UpstreamSubscription is one table the relay mirrors from upstream.
type UpstreamSubscription struct {
	Table  string
	Scopes scope.Map
	// IDField is the payload field holding the row id, default "id".
	IDField string
}

// ConflictEntry records an upstream rejection of a forwarded commit.
type ConflictEntry struct {
	ClientCommitID string
	Response       string
	CreatedAt      time.Time
}

// Config wires a Relay.
type Config struct {
	RelayID       string
	Partition     string
	Subscriptions []UpstreamSubscription
	OnPullReject  PullRejectPolicy
	// OnForwardConflict is invoked when upstream rejects a forwarded commit.
	OnForwardConflict func(ConflictEntry)

	ForwardRetryInterval time.Duration
	PullInterval         time.Duration
	HealthCheckInterval  time.Duration
	StaleTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Partition == "" {
		c.Partition = syncdb.DefaultPartition
	}
	if c.OnPullReject == "" {
		c.OnPullReject = PullRejectHalt
	}
	if c.ForwardRetryInterval <= 0 {
		c.ForwardRetryInterval = 5 * time.Second
	}
	if c.PullInterval <= 0 {
		c.PullInterval = 10 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 30 * time.Second
	}
	return c
}

// Relay coordinates the local commit log, the forward outbox, and the
// upstream client.
type Relay struct {
	cfg      Config
	db       *sql.DB
	registry *registry.Registry
	upstream *syncclient.Client
	limits   engine.Limits
	mode     *ModeManager

	// newOutboxID generates forward-outbox row ids; replaceable in tests to
	// provoke insert conflicts.
	newOutboxID func() string
}

// New wires a relay over an opened local server database.
func New(cfg Config, db *sql.DB, reg *registry.Registry, upstream *syncclient.Client) *Relay {
	cfg = cfg.withDefaults()
	r := &Relay{
		cfg:         cfg,
		db:          db,
		registry:    reg,
		upstream:    upstream,
		newOutboxID: uuid.NewString,
	}
	r.mode = newModeManager(upstream, cfg.HealthCheckInterval)
	return r
}

// Mode returns the connectivity state machine.
func (r *Relay) Mode() *ModeManager { return r.mode }

// DB exposes the relay's local database, e.g. for the serving layer.
func (r *Relay) DB() *sql.DB { return r.db }

// syntheticClientID is the client id upstream commits are re-applied under.
func (r *Relay) syntheticClientID() string {
	return "relay:" + r.cfg.RelayID
}

// PushCommit is the relay's server role: apply a local client commit and, in
// the same transaction, enqueue it for forwarding and seed its sequence-map
// entry. If the enqueue fails the whole transaction rolls back, so the local
// commit log and the forward outbox cannot diverge. Implements api.Pusher,
// letting an api.Server route local clients through the relay. The partition
// argument must match the relay's configured partition.
func (r *Relay) PushCommit(ctx context.Context, partition string, auth engine.Auth, req *engine.PushRequest) (*engine.PushOutcome, error) {
	if partition != "" && partition != r.cfg.Partition {
		return nil, fmt.Errorf("relay serves partition %q, not %q", r.cfg.Partition, partition)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin relay push tx: %w", err)
	}
	defer tx.Rollback()

	outcome, err := engine.Push(ctx, tx, r.registry, r.limits, r.cfg.Partition, auth, req)
	if err != nil {
		return nil, err
	}
	if outcome.Rejected {
		// Rejected commits are not written and nothing is forwarded.
		return outcome, nil
	}
	if outcome.Response.Status == engine.PushCached {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit relay push tx: %w", err)
		}
		return outcome, nil
	}

	if err := r.enqueueForward(tx, outcome.Response.CommitSeq, auth.ClientID, req); err != nil {
		return nil, fmt.Errorf("enqueue forward: %w", err)
	}
	if err := insertSequenceMap(tx, r.cfg.Partition, outcome.Response.CommitSeq, nil, SeqPending); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit relay push tx: %w", err)
	}
	return outcome, nil
}

// enqueueForward inserts the forward-outbox row preserving the original
// client id and client commit id — that pair is what makes the upstream
// apply idempotent.
func (r *Relay) enqueueForward(tx *sql.Tx, localSeq int64, clientID string, req *engine.PushRequest) error {
	ops, err := json.Marshal(req.Operations)
	if err != nil {
		return fmt.Errorf("marshal operations: %w", err)
	}
	now := time.Now().UTC().Format(timeFormat)
	_, err = tx.Exec(
		`INSERT INTO relay_forward_outbox
		 (id, partition_id, local_commit_seq, client_id, client_commit_id, operations,
		  schema_version, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		r.newOutboxID(), r.cfg.Partition, localSeq, clientID, req.ClientCommitID,
		string(ops), req.SchemaVersion, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert forward outbox row: %w", err)
	}
	return nil
}

// Status reports relay counters for observability.
type Status struct {
	Mode             Mode  `json:"mode"`
	ForwardPending   int64 `json:"forward_pending"`
	ForwardFailed    int64 `json:"forward_failed"`
	SequenceEntries  int64 `json:"sequence_entries"`
	ForwardConflicts int64 `json:"forward_conflicts"`
}

// Status returns current relay counters.
func (r *Relay) Status() (*Status, error) {
	st := &Status{Mode: r.mode.Mode()}
	row := r.db.QueryRow(`
		SELECT
		  (SELECT COUNT(*) FROM relay_forward_outbox WHERE status IN ('pending', 'forwarding')),
		  (SELECT COUNT(*) FROM relay_forward_outbox WHERE status = 'failed'),
		  (SELECT COUNT(*) FROM relay_sequence_map),
		  (SELECT COUNT(*) FROM relay_forward_conflicts WHERE resolved_at IS NULL)`)
	if err := row.Scan(&st.ForwardPending, &st.ForwardFailed, &st.SequenceEntries, &st.ForwardConflicts); err != nil {
		return nil, fmt.Errorf("query relay status: %w", err)
	}
	return st, nil
}

// Run drives the relay loops until the context is cancelled: the mode
// manager's health probe, the forward engine, and the pull importer. Forward
// and pull only run while online.
func (r *Relay) Run(ctx context.Context) error {
	go r.mode.Run(ctx)

	forwardTicker := time.NewTicker(r.cfg.ForwardRetryInterval)
	defer forwardTicker.Stop()
	pullTicker := time.NewTicker(r.cfg.PullInterval)
	defer pullTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-forwardTicker.C:
			if r.mode.Mode() != ModeOnline {
				continue
			}
			if err := r.ForwardOnce(ctx); err != nil {
				r.mode.reportFailure(err)
			}
		case <-pullTicker.C:
			if r.mode.Mode() != ModeOnline {
				continue
			}
			if err := r.PullOnce(ctx); err != nil {
				r.mode.reportFailure(err)
			}
		}
	}
}
