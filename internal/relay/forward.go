package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/syncular/syncd/internal/engine"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/syncclient"
)

// forwardEntry is one claimed forward-outbox row.
type forwardEntry struct {
	ID             string
	LocalCommitSeq int64
	ClientID       string
	ClientCommitID string
	Operations     []registry.Operation
	SchemaVersion  int
	AttemptCount   int
}

// ForwardOnce claims and forwards at most one outbox entry upstream.
// Returns nil when the outbox is drained. Transport errors leave the entry
// in forwarding; it is reclaimed once stale.
func (r *Relay) ForwardOnce(ctx context.Context) error {
	entry, err := r.claimForward()
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	resp, err := r.upstream.Sync(ctx, &syncclient.SyncRequest{
		// The original client identity rides upstream so replays of the
		// same local commit dedupe there.
		ClientID:  entry.ClientID,
		Partition: r.cfg.Partition,
		Push: &engine.PushRequest{
			ClientCommitID: entry.ClientCommitID,
			SchemaVersion:  entry.SchemaVersion,
			Operations:     entry.Operations,
		},
	})
	if err != nil {
		return fmt.Errorf("forward commit %s: %w", entry.ClientCommitID, err)
	}
	if resp.Push == nil {
		return fmt.Errorf("forward commit %s: upstream returned no push result", entry.ClientCommitID)
	}

	respJSON, _ := json.Marshal(resp.Push)

	switch resp.Push.Status {
	case engine.PushApplied, engine.PushCached:
		return r.markForwarded(entry, resp.Push.CommitSeq, string(respJSON))
	case engine.PushRejected:
		slog.Warn("upstream rejected forwarded commit",
			"commit", entry.ClientCommitID, "local_seq", entry.LocalCommitSeq)
		return r.markForwardConflict(entry, string(respJSON))
	default:
		return fmt.Errorf("forward commit %s: unknown upstream status %q", entry.ClientCommitID, resp.Push.Status)
	}
}

// claimForward atomically claims the oldest pending (or stale forwarding)
// entry, moving it to forwarding.
func (r *Relay) claimForward() (*forwardEntry, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin forward claim: %w", err)
	}
	defer tx.Rollback()

	staleBefore := time.Now().UTC().Add(-r.cfg.StaleTimeout).Format(timeFormat)
	row := tx.QueryRow(
		`SELECT id, local_commit_seq, client_id, client_commit_id, operations, schema_version, attempt_count
		 FROM relay_forward_outbox
		 WHERE partition_id = ?
		   AND (status = 'pending' OR (status = 'forwarding' AND updated_at < ?))
		 ORDER BY created_at ASC, local_commit_seq ASC
		 LIMIT 1`,
		r.cfg.Partition, staleBefore,
	)

	var e forwardEntry
	var opsJSON string
	err = row.Scan(&e.ID, &e.LocalCommitSeq, &e.ClientID, &e.ClientCommitID, &opsJSON, &e.SchemaVersion, &e.AttemptCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan forward entry: %w", err)
	}
	if err := json.Unmarshal([]byte(opsJSON), &e.Operations); err != nil {
		return nil, fmt.Errorf("parse forward operations %s: %w", e.ID, err)
	}

	if _, err := tx.Exec(
		`UPDATE relay_forward_outbox
		 SET status = 'forwarding', attempt_count = attempt_count + 1, error = NULL, updated_at = ?
		 WHERE id = ?`,
		time.Now().UTC().Format(timeFormat), e.ID,
	); err != nil {
		return nil, fmt.Errorf("claim forward entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit forward claim: %w", err)
	}
	return &e, nil
}

// markForwarded records the upstream seq on the outbox row and flips the
// sequence-map entry to forwarded in one transaction.
func (r *Relay) markForwarded(entry *forwardEntry, upstreamSeq int64, respJSON string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark forwarded: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE relay_forward_outbox
		 SET status = 'forwarded', upstream_commit_seq = ?, last_response = ?, updated_at = ?
		 WHERE id = ?`,
		upstreamSeq, respJSON, time.Now().UTC().Format(timeFormat), entry.ID,
	); err != nil {
		return fmt.Errorf("mark forwarded: %w", err)
	}
	if err := insertSequenceMap(tx, r.cfg.Partition, entry.LocalCommitSeq, &upstreamSeq, SeqForwarded); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark forwarded: %w", err)
	}

	slog.Debug("forwarded commit upstream",
		"commit", entry.ClientCommitID, "local_seq", entry.LocalCommitSeq, "upstream_seq", upstreamSeq)
	return nil
}

// markForwardConflict journals the rejection, fails the outbox entry, and
// emits the forwardConflict event.
func (r *Relay) markForwardConflict(entry *forwardEntry, respJSON string) error {
	now := time.Now().UTC()
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark conflict: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO relay_forward_conflicts (partition_id, client_commit_id, response, created_at)
		 VALUES (?, ?, ?, ?)`,
		r.cfg.Partition, entry.ClientCommitID, respJSON, now.Format(timeFormat),
	); err != nil {
		return fmt.Errorf("record forward conflict: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE relay_forward_outbox
		 SET status = 'failed', error = 'rejected by upstream', last_response = ?, updated_at = ?
		 WHERE id = ?`,
		respJSON, now.Format(timeFormat), entry.ID,
	); err != nil {
		return fmt.Errorf("fail forward entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark conflict: %w", err)
	}

	if r.cfg.OnForwardConflict != nil {
		r.cfg.OnForwardConflict(ConflictEntry{
			ClientCommitID: entry.ClientCommitID,
			Response:       respJSON,
			CreatedAt:      now,
		})
	}
	return nil
}

// ForwardDrain forwards until the outbox has no pending entries. Stale
// forwarding entries are not counted, so they are reclaimed here only while
// pending entries remain.
func (r *Relay) ForwardDrain(ctx context.Context) (int, error) {
	forwarded := 0
	for {
		before, err := r.countClaimable()
		if err != nil {
			return forwarded, err
		}
		if before == 0 {
			return forwarded, nil
		}
		if err := r.ForwardOnce(ctx); err != nil {
			return forwarded, err
		}
		forwarded++
	}
}

func (r *Relay) countClaimable() (int64, error) {
	var n int64
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM relay_forward_outbox WHERE partition_id = ? AND status = 'pending'`,
		r.cfg.Partition,
	).Scan(&n)
	return n, err
}
