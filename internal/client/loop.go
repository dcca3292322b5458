package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/syncular/syncd/internal/engine"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/syncclient"
)

// Transport is the subset of the sync HTTP client the loop needs, an
// interface so tests can fake the server.
type Transport interface {
	Sync(ctx context.Context, req *syncclient.SyncRequest) (*syncclient.SyncResponse, error)
	FetchChunk(ctx context.Context, chunkID string) ([]json.RawMessage, error)
}

// Options tune one SyncOnce invocation. Zero values take defaults.
type Options struct {
	MaxPushCommits int
	MaxPullRounds  int
	StaleTimeout   time.Duration
	LimitCommits   int
	DedupeRows     bool
}

func (o Options) withDefaults() Options {
	if o.MaxPushCommits <= 0 {
		o.MaxPushCommits = 10
	}
	if o.MaxPullRounds <= 0 {
		o.MaxPullRounds = 10
	}
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = 30 * time.Second
	}
	return o
}

// Stats summarises one SyncOnce invocation.
type Stats struct {
	PushedCommits int
	PullRounds    int
	LastPull      *engine.PullResponse
}

// Loop orchestrates combined push+pull rounds for one client database.
type Loop struct {
	DB        *DB
	Outbox    *Outbox
	Subs      *Subscriptions
	Handlers  map[string]TableHandler
	Transport Transport
	ClientID  string
	Partition string
}

// NewLoop wires a sync loop over the client database.
func NewLoop(db *DB, transport Transport, clientID string, handlers ...TableHandler) *Loop {
	hmap := make(map[string]TableHandler, len(handlers))
	for _, h := range handlers {
		hmap[h.Table()] = h
	}
	return &Loop{
		DB:        db,
		Outbox:    NewOutbox(db),
		Subs:      NewSubscriptions(db),
		Handlers:  hmap,
		Transport: transport,
		ClientID:  clientID,
		Partition: "default",
	}
}

// Enqueue queues a local mutation for the next sync.
func (l *Loop) Enqueue(operations []registry.Operation) (string, error) {
	id, _, err := l.Outbox.Enqueue(operations, 1, "")
	return id, err
}

// SyncOnce runs combined rounds until the outbox is drained (or
// MaxPushCommits is hit) and the pull reports no more bootstrap pages (or
// MaxPullRounds is hit). A transport error aborts the invocation; a claimed
// outbox commit stays in sending and is reclaimed after the stale timeout.
func (l *Loop) SyncOnce(ctx context.Context, opts Options) (*Stats, error) {
	opts = opts.withDefaults()
	stats := &Stats{}

	for {
		var claimed *OutboxCommit
		if stats.PushedCommits < opts.MaxPushCommits {
			var err error
			claimed, err = l.Outbox.GetNextSendable(opts.StaleTimeout)
			if err != nil {
				return stats, err
			}
			if claimed != nil && len(claimed.Operations) == 0 {
				if err := l.Outbox.MarkFailed(claimed.ID, "malformed operations payload", ""); err != nil {
					return stats, err
				}
				continue
			}
		}

		subs, err := l.Subs.List()
		if err != nil {
			return stats, err
		}

		req := &syncclient.SyncRequest{ClientID: l.ClientID, Partition: l.Partition}
		if claimed != nil {
			req.Push = &engine.PushRequest{
				ClientCommitID: claimed.ClientCommitID,
				SchemaVersion:  claimed.SchemaVersion,
				Operations:     claimed.Operations,
			}
		}
		req.Pull = &engine.PullRequest{
			LimitCommits: opts.LimitCommits,
			DedupeRows:   opts.DedupeRows,
		}
		for _, sub := range subs {
			req.Pull.Subscriptions = append(req.Pull.Subscriptions, engine.SubscriptionRequest{
				ID:             sub.ID,
				Table:          sub.Table,
				Scopes:         sub.Scopes,
				Params:         sub.Params,
				Cursor:         sub.Cursor,
				BootstrapState: sub.BootstrapState,
			})
		}

		resp, err := l.Transport.Sync(ctx, req)
		if err != nil {
			// The claimed commit stays in sending; it becomes reclaimable
			// after the stale timeout, preserving at-least-once delivery.
			return stats, fmt.Errorf("sync round trip: %w", err)
		}

		pushStalled := false
		if claimed != nil {
			if err := l.reconcilePush(claimed, resp.Push); err != nil {
				return stats, err
			}
			if resp.Push != nil && (resp.Push.Status == engine.PushApplied || resp.Push.Status == engine.PushCached) {
				stats.PushedCommits++
			} else {
				// Rejected or re-queued: retrying within the same invocation
				// would spin; leave it for the next SyncOnce.
				pushStalled = true
			}
		}

		if resp.Pull != nil {
			if err := l.applyPull(ctx, resp.Pull); err != nil {
				return stats, err
			}
			stats.LastPull = resp.Pull
		}
		stats.PullRounds++

		if stats.PullRounds >= opts.MaxPullRounds {
			return stats, nil
		}
		pending, err := l.Outbox.CountByStatus(StatusPending)
		if err != nil {
			return stats, err
		}
		morePush := pending > 0 && !pushStalled && stats.PushedCommits < opts.MaxPushCommits
		moreBootstrap := hasBootstrapPages(resp.Pull)
		if !morePush && !moreBootstrap {
			return stats, nil
		}
	}
}

func hasBootstrapPages(pull *engine.PullResponse) bool {
	if pull == nil {
		return false
	}
	for _, sub := range pull.Subscriptions {
		if sub.BootstrapState != nil {
			return true
		}
	}
	return false
}

// reconcilePush classifies the per-op results: applied or cached acks the
// commit, a rejection with only retriable errors re-queues it, any other
// rejection fails it permanently and journals the conflict. A missing push
// result or an unrecognised status re-queues the commit as pending.
func (l *Loop) reconcilePush(claimed *OutboxCommit, push *engine.PushResponse) error {
	if push == nil {
		return l.Outbox.MarkPending(claimed.ID, "server returned no push result")
	}
	respJSON, _ := json.Marshal(push)

	switch push.Status {
	case engine.PushApplied, engine.PushCached:
		return l.Outbox.MarkAcked(claimed.ID, push.CommitSeq, string(respJSON))
	case engine.PushRejected:
		allRetriable := true
		for _, res := range push.Results {
			if res.Status == "applied" {
				continue
			}
			if res.Status != "error" || !res.Retriable {
				allRetriable = false
				break
			}
		}
		if allRetriable {
			return l.Outbox.MarkPending(claimed.ID, "transient rejection, will retry")
		}
		slog.Warn("outbox commit rejected", "id", claimed.ID, "commit", claimed.ClientCommitID)
		if err := l.Outbox.RecordConflict(claimed.ClientCommitID, string(respJSON)); err != nil {
			return err
		}
		return l.Outbox.MarkFailed(claimed.ID, "rejected by server", string(respJSON))
	default:
		return l.Outbox.MarkPending(claimed.ID, fmt.Sprintf("unknown push status %q", push.Status))
	}
}

// applyPull applies each subscription's snapshots and commits inside one
// local transaction per subscription; the cursor advances only when every
// change applied.
func (l *Loop) applyPull(ctx context.Context, pull *engine.PullResponse) error {
	for _, sub := range pull.Subscriptions {
		if err := l.applySubscription(ctx, sub); err != nil {
			return fmt.Errorf("apply subscription %s: %w", sub.ID, err)
		}
	}
	return nil
}

func (l *Loop) applySubscription(ctx context.Context, sub engine.SubscriptionResponse) error {
	// Chunk bodies are fetched outside the transaction; applying them is
	// what must be atomic.
	type page struct {
		table       string
		isFirstPage bool
		rows        []json.RawMessage
	}
	var pages []page
	for _, snap := range sub.Snapshots {
		p := page{table: snap.Table, isFirstPage: snap.IsFirstPage}
		for _, ref := range snap.Chunks {
			rows, err := l.Transport.FetchChunk(ctx, ref.ID)
			if err != nil {
				return fmt.Errorf("fetch chunk %s: %w", ref.ID, err)
			}
			p.rows = append(p.rows, rows...)
		}
		pages = append(pages, p)
	}

	tx, err := l.DB.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	if sub.Status == engine.SubscriptionRevoked {
		// The response carries no table; resolve it from the stored
		// subscription so only the revoked table is purged, bounded by the
		// scopes the subscription was following.
		stored, err := l.Subs.Get(sub.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("revoked subscription %s not found locally", sub.ID)
		}
		handler := l.Handlers[stored.Table]
		if handler == nil {
			return fmt.Errorf("no local handler for table %q", stored.Table)
		}
		if err := handler.ClearAll(tx, l.Partition, stored.Scopes); err != nil {
			return err
		}
		if err := l.Subs.advance(tx, sub.ID, sub.NextCursor, nil, "revoked"); err != nil {
			return err
		}
		return tx.Commit()
	}

	for _, p := range pages {
		handler := l.Handlers[p.table]
		if handler == nil {
			return fmt.Errorf("no local handler for table %q", p.table)
		}
		if p.isFirstPage {
			if err := handler.OnSnapshotStart(tx, l.Partition, sub.Scopes); err != nil {
				return err
			}
		}
		if err := handler.ApplySnapshot(tx, l.Partition, p.rows); err != nil {
			return err
		}
	}

	for _, commit := range sub.Commits {
		for _, change := range commit.Changes {
			handler := l.Handlers[change.Table]
			if handler == nil {
				return fmt.Errorf("no local handler for table %q", change.Table)
			}
			if err := handler.ApplyChange(tx, l.Partition, change); err != nil {
				return err
			}
		}
	}

	if err := l.Subs.advance(tx, sub.ID, sub.NextCursor, sub.BootstrapState, "active"); err != nil {
		return err
	}
	return tx.Commit()
}
