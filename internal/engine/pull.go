package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/syncular/syncd/internal/chunkstore"
	"github.com/syncular/syncd/internal/commitlog"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/scope"
)

// PullOutcome is the pull response plus the cursor bookkeeping the transport
// layer records.
type PullOutcome struct {
	Response *PullResponse
	// EffectiveScopes is the union across active subscriptions.
	EffectiveScopes scope.Map
	// ClientCursor is the minimum nextCursor across active subscriptions; it
	// feeds RecordClientCursor and the prune watermark.
	ClientCursor int64
}

// Pull resolves each subscription, bootstrapping fresh ones from frozen
// snapshots and streaming scope-filtered commits to the rest. Subscription
// failures are request-level: no partial pull response is ever returned, so
// client cursors cannot regress past unapplied data.
func Pull(ctx context.Context, tx *sql.Tx, reg *registry.Registry, chunks *chunkstore.Store, limits Limits, partition string, auth Auth, req *PullRequest) (*PullOutcome, error) {
	if len(req.Subscriptions) > limits.maxSubscriptions() {
		return nil, invalidRequest("subscription count %d exceeds max %d", len(req.Subscriptions), limits.maxSubscriptions())
	}

	limitCommits := clampLimit(req.LimitCommits, DefaultLimitCommits, limits.maxLimitCommits())
	limitRows := clampLimit(req.LimitSnapshotRows, DefaultLimitSnapshotRows, MaxLimitSnapshotRows)
	maxPages := clampLimit(req.MaxSnapshotPages, DefaultMaxSnapshotPages, MaxMaxSnapshotPages)

	maxSeq, err := commitlog.MaxCommitSeq(tx, partition)
	if err != nil {
		return nil, err
	}

	out := &PullOutcome{
		Response:        &PullResponse{OK: true},
		EffectiveScopes: scope.Map{},
		ClientCursor:    -1,
	}

	for i := range req.Subscriptions {
		sub := &req.Subscriptions[i]
		resp, err := pullOne(ctx, tx, reg, chunks, partition, auth, sub, pullParams{
			limitCommits: limitCommits,
			limitRows:    limitRows,
			maxPages:     maxPages,
			dedupeRows:   req.DedupeRows,
			maxSeq:       maxSeq,
		})
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
		}
		out.Response.Subscriptions = append(out.Response.Subscriptions, *resp)

		if resp.Status == SubscriptionActive {
			out.EffectiveScopes = scope.Union(out.EffectiveScopes, resp.Scopes)
			if out.ClientCursor < 0 || resp.NextCursor < out.ClientCursor {
				out.ClientCursor = resp.NextCursor
			}
		}
	}
	if out.ClientCursor < 0 {
		out.ClientCursor = 0
	}
	return out, nil
}

type pullParams struct {
	limitCommits int
	limitRows    int
	maxPages     int
	dedupeRows   bool
	maxSeq       int64
}

func pullOne(ctx context.Context, tx *sql.Tx, reg *registry.Registry, chunks *chunkstore.Store, partition string, auth Auth, sub *SubscriptionRequest, p pullParams) (*SubscriptionResponse, error) {
	handler := reg.Handler(sub.Table)
	if handler == nil {
		return nil, invalidScope("no handler for table %q", sub.Table)
	}

	hctx := &registry.Ctx{
		Context:   ctx,
		Tx:        tx,
		Partition: partition,
		ActorID:   auth.ActorID,
		ClientID:  auth.ClientID,
		Params:    sub.Params,
	}

	allowed, err := handler.ResolveScopes(hctx)
	if err != nil {
		return nil, fmt.Errorf("resolve scopes: %w", err)
	}
	if unknown, err := reg.ValidateScopeKeys(sub.Table, allowed); err != nil {
		return nil, err
	} else if unknown != "" {
		return nil, invalidScope("resolver returned undeclared key %q for table %q", unknown, sub.Table)
	}
	if unknown, err := reg.ValidateScopeKeys(sub.Table, sub.Scopes); err != nil {
		return nil, err
	} else if unknown != "" {
		return nil, invalidScope("requested key %q not declared by table %q", unknown, sub.Table)
	}

	requested, ok := scope.Intersect(sub.Scopes, allowed)
	if !ok {
		return &SubscriptionResponse{
			ID:         sub.ID,
			Status:     SubscriptionRevoked,
			Scopes:     scope.Map{},
			NextCursor: sub.Cursor,
			Commits:    []CommitEnvelope{},
		}, nil
	}

	if sub.BootstrapState != nil || sub.Cursor < 0 || sub.Cursor > p.maxSeq {
		return pullBootstrap(hctx, reg, chunks, sub, requested, p)
	}
	return pullIncremental(tx, partition, sub, requested, p)
}

// pullBootstrap serves paginated snapshot chunks frozen at an as-of commit,
// walking dependency tables first. The response carries an opaque resume
// state until the last page of the last table goes out.
func pullBootstrap(hctx *registry.Ctx, reg *registry.Registry, chunks *chunkstore.Store, sub *SubscriptionRequest, requested scope.Map, p pullParams) (*SubscriptionResponse, error) {
	state := sub.BootstrapState
	if state == nil {
		tables, err := reg.BootstrapOrder([]string{sub.Table})
		if err != nil {
			return nil, err
		}
		state = &BootstrapState{AsOfCommitSeq: p.maxSeq, Tables: tables}
	}
	if state.TableIndex > len(state.Tables) {
		return nil, invalidRequest("bootstrap state table index out of range")
	}

	resp := &SubscriptionResponse{
		ID:        sub.ID,
		Status:    SubscriptionActive,
		Scopes:    requested,
		Bootstrap: true,
		Commits:   []CommitEnvelope{},
	}

	scopesJSON, err := json.Marshal(requested)
	if err != nil {
		return nil, fmt.Errorf("marshal requested scopes: %w", err)
	}
	scopeKey := scope.Key(requested)

	pages := 0
	for pages < p.maxPages && state.TableIndex < len(state.Tables) {
		table := state.Tables[state.TableIndex]
		tableHandler := reg.Handler(table)
		if tableHandler == nil {
			return nil, invalidScope("no handler for dependency table %q", table)
		}

		page, err := tableHandler.Snapshot(hctx, requested, state.RowCursor, p.limitRows)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", table, err)
		}

		ref, err := chunks.FindOrStoreChunk(hctx.Tx, chunkstore.Key{
			Partition:  hctx.Partition,
			Table:      table,
			ScopeKey:   scopeKey,
			ScopesJSON: string(scopesJSON),
			AsOfSeq:    state.AsOfCommitSeq,
			RowCursor:  state.RowCursor,
			RowLimit:   p.limitRows,
		}, page.Rows)
		if err != nil {
			return nil, fmt.Errorf("store snapshot chunk %s: %w", table, err)
		}

		resp.Snapshots = append(resp.Snapshots, SnapshotEnvelope{
			Table:       table,
			IsFirstPage: state.RowCursor == "",
			IsLastPage:  page.NextCursor == "",
			Chunks:      []chunkstore.Ref{*ref},
		})

		pages++
		if page.NextCursor == "" {
			state.TableIndex++
			state.RowCursor = ""
		} else {
			state.RowCursor = page.NextCursor
		}
	}

	if state.TableIndex >= len(state.Tables) {
		resp.BootstrapState = nil
		resp.NextCursor = state.AsOfCommitSeq
	} else {
		resp.BootstrapState = state
		resp.NextCursor = sub.Cursor
	}
	return resp, nil
}

// pullIncremental scans the table's commit index past the cursor and emits
// scope-filtered changes. The cursor advances to the last scanned commit
// even when nothing matched, so the same range is never rescanned.
func pullIncremental(tx *sql.Tx, partition string, sub *SubscriptionRequest, requested scope.Map, p pullParams) (*SubscriptionResponse, error) {
	resp := &SubscriptionResponse{
		ID:         sub.ID,
		Status:     SubscriptionActive,
		Scopes:     requested,
		NextCursor: sub.Cursor,
		Commits:    []CommitEnvelope{},
	}

	seqs, err := commitlog.ScanTableCommitsAfter(tx, partition, sub.Table, sub.Cursor, p.limitCommits)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return resp, nil
	}
	resp.NextCursor = seqs[len(seqs)-1]

	changes, err := commitlog.ReadChangesForCommits(tx, partition, sub.Table, seqs, requested)
	if err != nil {
		return nil, err
	}
	if p.dedupeRows {
		changes = dedupeChanges(changes)
	}
	if len(changes) == 0 {
		return resp, nil
	}

	byCommit := make(map[int64][]ChangeEnvelope)
	var matchedSeqs []int64
	for _, ch := range changes {
		if _, seen := byCommit[ch.CommitSeq]; !seen {
			matchedSeqs = append(matchedSeqs, ch.CommitSeq)
		}
		byCommit[ch.CommitSeq] = append(byCommit[ch.CommitSeq], ChangeEnvelope{
			ChangeID:   ch.ChangeID,
			Table:      ch.Table,
			RowID:      ch.RowID,
			Op:         ch.Op,
			Row:        ch.Row,
			RowVersion: ch.RowVersion,
			Scopes:     ch.Scopes,
		})
	}

	commits, err := commitlog.ReadCommits(tx, partition, matchedSeqs)
	if err != nil {
		return nil, err
	}
	for _, c := range commits {
		resp.Commits = append(resp.Commits, CommitEnvelope{
			CommitSeq: c.CommitSeq,
			CreatedAt: c.CreatedAt.Format(commitlog.TimeFormat),
			ActorID:   c.ActorID,
			Changes:   byCommit[c.CommitSeq],
		})
	}
	return resp, nil
}

// dedupeChanges keeps only the last change per (table, row) across the
// scanned range, attached to the latest commit that touched the row. Input
// is (commit_seq, change_id) ascending, so the last occurrence wins.
func dedupeChanges(changes []commitlog.Change) []commitlog.Change {
	type rowKey struct {
		table string
		rowID string
	}
	last := make(map[rowKey]int, len(changes))
	for i, ch := range changes {
		last[rowKey{ch.Table, ch.RowID}] = i
	}
	out := make([]commitlog.Change, 0, len(last))
	for i, ch := range changes {
		if last[rowKey{ch.Table, ch.RowID}] == i {
			out = append(out, ch)
		}
	}
	return out
}
