// Package client implements the device side of the sync protocol: a durable
// outbox with at-least-once delivery, subscription state, local table
// handlers that apply snapshots and changes into the replica, and the
// combined push+pull sync loop.
package client

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/syncdb"
)

// Outbox statuses.
const (
	StatusPending = "pending"
	StatusSending = "sending"
	StatusAcked   = "acked"
	StatusFailed  = "failed"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// OutboxCommit is one locally queued commit.
type OutboxCommit struct {
	ID             string
	PartitionID    string
	ClientCommitID string
	Status         string
	Operations     []registry.Operation
	SchemaVersion  int
	LastResponse   string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	AttemptCount   int
	AckedCommitSeq *int64
}

// Outbox is the durable queue of pending pushes.
type Outbox struct {
	db        *DB
	Partition string
}

// NewOutbox returns an outbox over the client database for one partition.
func NewOutbox(db *DB) *Outbox {
	return &Outbox{db: db, Partition: syncdb.DefaultPartition}
}

// Enqueue inserts a pending commit. Blank ids are generated; the commit id
// doubles as the server-side idempotency key.
func (o *Outbox) Enqueue(operations []registry.Operation, schemaVersion int, clientCommitID string) (id, commitID string, err error) {
	if clientCommitID == "" {
		clientCommitID = uuid.NewString()
	}
	id = uuid.NewString()
	if schemaVersion <= 0 {
		schemaVersion = 1
	}

	ops, err := json.Marshal(operations)
	if err != nil {
		return "", "", fmt.Errorf("marshal operations: %w", err)
	}

	now := time.Now().UTC().Format(timeFormat)
	_, err = o.db.conn.Exec(
		`INSERT INTO sync_outbox_commits
		 (id, partition_id, client_commit_id, status, operations, schema_version, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?, ?, ?)`,
		id, o.Partition, clientCommitID, string(ops), schemaVersion, now, now,
	)
	if err != nil {
		return "", "", fmt.Errorf("enqueue commit: %w", err)
	}
	return id, clientCommitID, nil
}

// GetNextSendable atomically claims the oldest pending commit, or a sending
// commit stale for longer than staleTimeout (a previous attempt that died
// mid-flight). The claim transitions it to sending, bumps the attempt count,
// and clears the prior error. Returns nil when nothing is claimable.
func (o *Outbox) GetNextSendable(staleTimeout time.Duration) (*OutboxCommit, error) {
	tx, err := o.db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	staleBefore := time.Now().UTC().Add(-staleTimeout).Format(timeFormat)
	row := tx.QueryRow(
		`SELECT id, client_commit_id, status, operations, schema_version, created_at, attempt_count
		 FROM sync_outbox_commits
		 WHERE partition_id = ?
		   AND (status = 'pending' OR (status = 'sending' AND updated_at < ?))
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		o.Partition, staleBefore,
	)

	c := OutboxCommit{PartitionID: o.Partition}
	var opsJSON, createdAt string
	err = row.Scan(&c.ID, &c.ClientCommitID, &c.Status, &opsJSON, &c.SchemaVersion, &createdAt, &c.AttemptCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan claimable commit: %w", err)
	}

	// Defensive parse: malformed operations still claim the record so the
	// loop can mark it failed instead of wedging the queue.
	if err := json.Unmarshal([]byte(opsJSON), &c.Operations); err != nil || c.Operations == nil {
		if err != nil {
			slog.Warn("outbox: malformed operations json", "id", c.ID, "err", err)
		}
		c.Operations = []registry.Operation{}
	}
	if c.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at id=%s: %w", c.ID, err)
	}

	now := time.Now().UTC().Format(timeFormat)
	if _, err := tx.Exec(
		`UPDATE sync_outbox_commits
		 SET status = 'sending', attempt_count = attempt_count + 1, error = NULL, updated_at = ?
		 WHERE id = ?`,
		now, c.ID,
	); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	c.Status = StatusSending
	c.AttemptCount++
	return &c, nil
}

// MarkSending flags a commit as in flight.
func (o *Outbox) MarkSending(id string) error {
	return o.setStatus(id, StatusSending, "", nil, nil)
}

// MarkPending returns a commit to the queue, optionally recording why.
func (o *Outbox) MarkPending(id, errMsg string) error {
	return o.setStatus(id, StatusPending, errMsg, nil, nil)
}

// MarkAcked records a successful push with its server commit seq.
func (o *Outbox) MarkAcked(id string, commitSeq int64, responseJSON string) error {
	return o.setStatus(id, StatusAcked, "", &commitSeq, &responseJSON)
}

// MarkFailed records a permanent rejection.
func (o *Outbox) MarkFailed(id, errMsg, responseJSON string) error {
	return o.setStatus(id, StatusFailed, errMsg, nil, &responseJSON)
}

func (o *Outbox) setStatus(id, status, errMsg string, commitSeq *int64, responseJSON *string) error {
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	var respVal any
	if responseJSON != nil && *responseJSON != "" {
		respVal = *responseJSON
	}
	res, err := o.db.conn.Exec(
		`UPDATE sync_outbox_commits
		 SET status = ?, error = ?, acked_commit_seq = COALESCE(?, acked_commit_seq),
		     last_response = COALESCE(?, last_response), updated_at = ?
		 WHERE id = ?`,
		status, errVal, commitSeq, respVal, time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox commit %s not found", id)
	}
	return nil
}

// Get returns one outbox commit by id, or nil.
func (o *Outbox) Get(id string) (*OutboxCommit, error) {
	row := o.db.conn.QueryRow(
		`SELECT id, client_commit_id, status, operations, schema_version,
		        COALESCE(last_response, ''), COALESCE(error, ''),
		        created_at, updated_at, attempt_count, acked_commit_seq
		 FROM sync_outbox_commits WHERE id = ?`, id)

	c := OutboxCommit{PartitionID: o.Partition}
	var opsJSON, createdAt, updatedAt string
	var acked sql.NullInt64
	err := row.Scan(&c.ID, &c.ClientCommitID, &c.Status, &opsJSON, &c.SchemaVersion,
		&c.LastResponse, &c.Error, &createdAt, &updatedAt, &c.AttemptCount, &acked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox commit: %w", err)
	}
	json.Unmarshal([]byte(opsJSON), &c.Operations)
	c.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	c.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	if acked.Valid {
		v := acked.Int64
		c.AckedCommitSeq = &v
	}
	return &c, nil
}

// CountByStatus returns the number of commits in a status.
func (o *Outbox) CountByStatus(status string) (int64, error) {
	var n int64
	err := o.db.conn.QueryRow(
		`SELECT COUNT(*) FROM sync_outbox_commits WHERE partition_id = ? AND status = ?`,
		o.Partition, status,
	).Scan(&n)
	return n, err
}

// CleanupAcked deletes acknowledged commits.
func (o *Outbox) CleanupAcked() (int64, error) { return o.cleanup(`status = 'acked'`) }

// CleanupFailed deletes failed commits.
func (o *Outbox) CleanupFailed() (int64, error) { return o.cleanup(`status = 'failed'`) }

// CleanupAll deletes every outbox commit.
func (o *Outbox) CleanupAll() (int64, error) { return o.cleanup(`1 = 1`) }

func (o *Outbox) cleanup(where string) (int64, error) {
	res, err := o.db.conn.Exec(
		`DELETE FROM sync_outbox_commits WHERE partition_id = ? AND `+where, o.Partition)
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordConflict journals a rejected commit for later inspection.
func (o *Outbox) RecordConflict(clientCommitID, responseJSON string) error {
	_, err := o.db.conn.Exec(
		`INSERT INTO sync_conflicts (partition_id, client_commit_id, response, created_at)
		 VALUES (?, ?, ?, ?)`,
		o.Partition, clientCommitID, responseJSON, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	return nil
}
