package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/syncular/syncd/internal/commitlog"
	"github.com/syncular/syncd/internal/engine"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/syncclient"
)

// cursorsConfigKey holds the per-table upstream cursors in relay_config.
const cursorsConfigKey = "main_cursors"

// loadCursors reads the persisted upstream cursors.
func (r *Relay) loadCursors() (map[string]int64, error) {
	cursors := make(map[string]int64)
	if _, err := getConfig(r.db, cursorsConfigKey, &cursors); err != nil {
		return nil, err
	}
	return cursors, nil
}

// PullOnce pulls each configured upstream subscription once and re-applies
// the received commits through the local push pipeline. The stored cursor
// for a table advances only when every commit in the round applied or was
// already known; a rejection under the halt policy freezes it and surfaces
// the error.
func (r *Relay) PullOnce(ctx context.Context) error {
	cursors, err := r.loadCursors()
	if err != nil {
		return err
	}

	for _, sub := range r.cfg.Subscriptions {
		if err := r.pullTable(ctx, sub, cursors); err != nil {
			return fmt.Errorf("pull %s: %w", sub.Table, err)
		}
	}
	return nil
}

func (r *Relay) pullTable(ctx context.Context, sub UpstreamSubscription, cursors map[string]int64) error {
	cursor, known := cursors[sub.Table]
	if !known {
		cursor = -1
	}
	var bootstrapState *engine.BootstrapState

	for {
		resp, err := r.upstream.Sync(ctx, &syncclient.SyncRequest{
			ClientID:  r.syntheticClientID(),
			Partition: r.cfg.Partition,
			Pull: &engine.PullRequest{
				Subscriptions: []engine.SubscriptionRequest{{
					ID:             "relay:" + sub.Table,
					Table:          sub.Table,
					Scopes:         sub.Scopes,
					Cursor:         cursor,
					BootstrapState: bootstrapState,
				}},
			},
		})
		if err != nil {
			return err
		}
		if resp.Pull == nil || len(resp.Pull.Subscriptions) != 1 {
			return fmt.Errorf("upstream returned no subscription result")
		}
		subResp := resp.Pull.Subscriptions[0]

		if subResp.Status == engine.SubscriptionRevoked {
			slog.Warn("upstream revoked relay subscription", "table", sub.Table)
			return nil
		}

		if err := r.importSnapshots(ctx, sub, subResp.Snapshots); err != nil {
			return err
		}
		if err := r.importCommits(sub, subResp.Commits); err != nil {
			return err
		}

		// Every commit in this round applied or was cached; only now is the
		// cursor allowed to move.
		cursors[sub.Table] = subResp.NextCursor
		if err := setConfig(r.db, cursorsConfigKey, cursors); err != nil {
			return err
		}

		caughtUp := subResp.BootstrapState == nil && bootstrapState == nil && subResp.NextCursor == cursor
		cursor = subResp.NextCursor
		bootstrapState = subResp.BootstrapState
		if caughtUp {
			return nil
		}
	}
}

// importSnapshots re-applies bootstrap pages as local upserts. The commit id
// derives from the chunk hash, so replaying a page after a crash dedupes.
func (r *Relay) importSnapshots(ctx context.Context, sub UpstreamSubscription, snapshots []engine.SnapshotEnvelope) error {
	for _, snap := range snapshots {
		for _, ref := range snap.Chunks {
			rows, err := r.upstream.FetchChunk(ctx, ref.ID)
			if err != nil {
				return fmt.Errorf("fetch chunk %s: %w", ref.ID, err)
			}
			if len(rows) == 0 {
				continue
			}

			ops := make([]registry.Operation, 0, len(rows))
			for _, row := range rows {
				rowID, err := rowIDOf(row, sub.IDField)
				if err != nil {
					return err
				}
				ops = append(ops, registry.Operation{
					Table:   snap.Table,
					RowID:   rowID,
					Op:      commitlog.OpUpsert,
					Payload: row,
				})
			}

			commitID := fmt.Sprintf("main:snapshot:%s:%s", snap.Table, ref.SHA256[:16])
			status, _, err := r.applyLocal(commitID, ops, nil)
			if err != nil {
				return err
			}
			if status == engine.PushRejected {
				return fmt.Errorf("snapshot page for %s rejected locally", snap.Table)
			}
		}
	}
	return nil
}

// importCommits re-applies upstream commits in order through the local push
// pipeline under the relay's synthetic client id and a deterministic commit
// id, inserting a confirmed sequence-map entry per applied commit.
func (r *Relay) importCommits(sub UpstreamSubscription, commits []engine.CommitEnvelope) error {
	for _, commit := range commits {
		ops := make([]registry.Operation, 0, len(commit.Changes))
		for _, change := range commit.Changes {
			ops = append(ops, registry.Operation{
				Table:   change.Table,
				RowID:   change.RowID,
				Op:      change.Op,
				Payload: change.Row,
			})
		}
		if len(ops) == 0 {
			continue
		}

		commitID := fmt.Sprintf("main:%d:%s", commit.CommitSeq, sub.Table)
		upstreamSeq := commit.CommitSeq

		status, localSeq, err := r.applyLocal(commitID, ops, &upstreamSeq)
		if err != nil {
			return err
		}
		switch status {
		case engine.PushApplied:
			slog.Debug("imported upstream commit", "upstream_seq", upstreamSeq, "local_seq", localSeq)
		case engine.PushCached:
			// Already applied on a previous round; no cursor regression.
		case engine.PushRejected:
			if r.cfg.OnPullReject == PullRejectSkip {
				slog.Warn("skipping rejected upstream commit",
					"upstream_seq", upstreamSeq, "table", sub.Table)
				continue
			}
			return fmt.Errorf("upstream commit %d rejected by local apply", upstreamSeq)
		}
	}
	return nil
}

// applyLocal runs one import commit through the local push pipeline. When
// confirmSeq is non-nil and the commit applies, a confirmed sequence-map
// entry (localSeq ↔ upstreamSeq) lands in the same transaction.
func (r *Relay) applyLocal(clientCommitID string, ops []registry.Operation, confirmSeq *int64) (string, int64, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return "", 0, fmt.Errorf("begin import tx: %w", err)
	}
	defer tx.Rollback()

	auth := engine.Auth{ActorID: r.syntheticClientID(), ClientID: r.syntheticClientID()}
	outcome, err := engine.Push(context.Background(), tx, r.registry, r.limits, r.cfg.Partition, auth, &engine.PushRequest{
		ClientCommitID: clientCommitID,
		SchemaVersion:  1,
		Operations:     ops,
	})
	if err != nil {
		return "", 0, err
	}
	if outcome.Rejected {
		return engine.PushRejected, 0, nil
	}

	if outcome.Response.Status == engine.PushApplied && confirmSeq != nil {
		if err := insertSequenceMap(tx, r.cfg.Partition, outcome.Response.CommitSeq, confirmSeq, SeqConfirmed); err != nil {
			return "", 0, err
		}
	}
	if outcome.Response.Status == engine.PushCached && confirmSeq != nil {
		// Imported on an earlier round: make sure its mapping is confirmed.
		if err := confirmSequenceEntry(tx, r.cfg.Partition, outcome.Response.CommitSeq, *confirmSeq); err != nil {
			return "", 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("commit import tx: %w", err)
	}
	return outcome.Response.Status, outcome.Response.CommitSeq, nil
}

// confirmSequenceEntry upgrades an existing mapping to confirmed without
// clobbering one that was never forwarded.
func confirmSequenceEntry(tx *sql.Tx, partition string, localSeq, upstreamSeq int64) error {
	_, err := tx.Exec(
		`UPDATE relay_sequence_map
		 SET status = 'confirmed', upstream_commit_seq = COALESCE(upstream_commit_seq, ?), updated_at = ?
		 WHERE partition_id = ? AND local_commit_seq = ?`,
		upstreamSeq, nowString(), partition, localSeq,
	)
	if err != nil {
		return fmt.Errorf("confirm sequence entry: %w", err)
	}
	return nil
}

func rowIDOf(row json.RawMessage, idField string) (string, error) {
	if idField == "" {
		idField = "id"
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(row, &obj); err != nil {
		return "", fmt.Errorf("parse snapshot row: %w", err)
	}
	var id string
	if raw, ok := obj[idField]; ok {
		json.Unmarshal(raw, &id)
	}
	if id == "" {
		return "", fmt.Errorf("snapshot row missing id field %q", idField)
	}
	return id, nil
}
