package client

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syncular/syncd/internal/engine"
	"github.com/syncular/syncd/internal/scope"
)

// Subscription is the persisted state of one followed table.
type Subscription struct {
	ID             string
	PartitionID    string
	Table          string
	Scopes         scope.Map
	Params         json.RawMessage
	Cursor         int64
	BootstrapState *engine.BootstrapState
	Status         string
}

// Subscriptions manages sync_subscription_state.
type Subscriptions struct {
	db        *DB
	Partition string
}

// NewSubscriptions returns the subscription store for one partition.
func NewSubscriptions(db *DB) *Subscriptions {
	return &Subscriptions{db: db, Partition: "default"}
}

// Ensure registers a subscription if absent; existing cursor and bootstrap
// state are preserved.
func (s *Subscriptions) Ensure(id, table string, scopes scope.Map, params json.RawMessage) error {
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	var paramsVal any
	if len(params) > 0 {
		paramsVal = string(params)
	}
	_, err = s.db.conn.Exec(
		`INSERT OR IGNORE INTO sync_subscription_state
		 (subscription_id, partition_id, tbl, scopes, params, cursor, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, -1, 'active', ?)`,
		id, s.Partition, table, string(scopesJSON), paramsVal, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("ensure subscription: %w", err)
	}
	return nil
}

// Get returns one subscription by id, or nil.
func (s *Subscriptions) Get(id string) (*Subscription, error) {
	subs, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].ID == id {
			return &subs[i], nil
		}
	}
	return nil, nil
}

// List returns all subscriptions for the partition.
func (s *Subscriptions) List() ([]Subscription, error) {
	rows, err := s.db.conn.Query(
		`SELECT subscription_id, tbl, scopes, COALESCE(params, ''), cursor,
		        COALESCE(bootstrap_state, ''), status
		 FROM sync_subscription_state WHERE partition_id = ? ORDER BY subscription_id`,
		s.Partition,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub := Subscription{PartitionID: s.Partition}
		var scopesJSON, params, bootstrapState string
		if err := rows.Scan(&sub.ID, &sub.Table, &scopesJSON, &params, &sub.Cursor, &bootstrapState, &sub.Status); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(scopesJSON), &sub.Scopes); err != nil {
			return nil, fmt.Errorf("parse scopes %s: %w", sub.ID, err)
		}
		if params != "" {
			sub.Params = json.RawMessage(params)
		}
		if bootstrapState != "" {
			sub.BootstrapState = &engine.BootstrapState{}
			if err := json.Unmarshal([]byte(bootstrapState), sub.BootstrapState); err != nil {
				return nil, fmt.Errorf("parse bootstrap state %s: %w", sub.ID, err)
			}
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// advance persists the post-pull position of a subscription inside the
// caller's transaction.
func (s *Subscriptions) advance(tx *sql.Tx, id string, cursor int64, state *engine.BootstrapState, status string) error {
	var stateVal any
	if state != nil {
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal bootstrap state: %w", err)
		}
		stateVal = string(data)
	}
	_, err := tx.Exec(
		`UPDATE sync_subscription_state
		 SET cursor = ?, bootstrap_state = ?, status = ?, updated_at = ?
		 WHERE subscription_id = ? AND partition_id = ?`,
		cursor, stateVal, status, time.Now().UTC().Format(timeFormat), id, s.Partition,
	)
	if err != nil {
		return fmt.Errorf("advance subscription %s: %w", id, err)
	}
	return nil
}
