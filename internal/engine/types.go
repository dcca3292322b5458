// Package engine implements the server-side push and pull pipelines over
// the commit log: authorization, handler dispatch, atomic commit with
// idempotent replay, bootstrap snapshotting through the chunk store, and
// scope-filtered incremental commit streaming.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syncular/syncd/internal/chunkstore"
	"github.com/syncular/syncd/internal/commitlog"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/scope"
)

// Request-level failures. Per-op failures never surface as errors; they ride
// inside the response results.
var (
	ErrInvalidRequest           = errors.New("invalid request")
	ErrInvalidSubscriptionScope = errors.New("invalid subscription scope")
)

// Auth identifies the authenticated caller of a push or pull.
type Auth struct {
	ActorID  string
	ClientID string
}

// PushRequest is the push half of the combined /sync envelope.
type PushRequest struct {
	ClientCommitID string               `json:"clientCommitId"`
	SchemaVersion  int                  `json:"schemaVersion"`
	Operations     []registry.Operation `json:"operations"`
	Meta           json.RawMessage      `json:"meta,omitempty"`
}

// Push statuses.
const (
	PushApplied  = "applied"
	PushCached   = "cached"
	PushRejected = "rejected"
)

// OpResult is the outcome of one operation.
type OpResult struct {
	OpIndex int             `json:"opIndex"`
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`

	// Conflict detail, set when Status is "conflict".
	ServerVersion *int64          `json:"server_version,omitempty"`
	ServerRow     json.RawMessage `json:"server_row,omitempty"`

	// Error detail, set when Status is "error".
	Code      string `json:"code,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`

	Message string `json:"message,omitempty"`

	// emitted carries the change rows of an applied op through the pipeline;
	// it never reaches the wire.
	emitted []commitlog.Change
}

// PushResponse mirrors PushRequest.
type PushResponse struct {
	OK        bool       `json:"ok"`
	Status    string     `json:"status"`
	CommitSeq int64      `json:"commitSeq,omitempty"`
	Results   []OpResult `json:"results"`
}

// PullRequest is the pull half of the combined /sync envelope.
type PullRequest struct {
	LimitCommits      int                   `json:"limitCommits,omitempty"`
	LimitSnapshotRows int                   `json:"limitSnapshotRows,omitempty"`
	MaxSnapshotPages  int                   `json:"maxSnapshotPages,omitempty"`
	DedupeRows        bool                  `json:"dedupeRows,omitempty"`
	Subscriptions     []SubscriptionRequest `json:"subscriptions"`
}

// SubscriptionRequest names one table the client follows.
type SubscriptionRequest struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	Scopes         scope.Map       `json:"scopes"`
	Params         json.RawMessage `json:"params,omitempty"`
	Cursor         int64           `json:"cursor"`
	BootstrapState *BootstrapState `json:"bootstrapState,omitempty"`
}

// BootstrapState resumes a paginated bootstrap across pulls. The commit head
// is frozen at AsOfCommitSeq for the whole bootstrap.
type BootstrapState struct {
	AsOfCommitSeq int64    `json:"asOfCommitSeq"`
	Tables        []string `json:"tables"`
	TableIndex    int      `json:"tableIndex"`
	RowCursor     string   `json:"rowCursor"`
}

// Subscription statuses.
const (
	SubscriptionActive  = "active"
	SubscriptionRevoked = "revoked"
)

// ChangeEnvelope is one change row on the wire.
type ChangeEnvelope struct {
	ChangeID   int64           `json:"changeId"`
	Table      string          `json:"table"`
	RowID      string          `json:"rowId"`
	Op         string          `json:"op"`
	Row        json.RawMessage `json:"row,omitempty"`
	RowVersion *int64          `json:"rowVersion,omitempty"`
	Scopes     scope.Map       `json:"scopes"`
}

// CommitEnvelope is one commit on the wire.
type CommitEnvelope struct {
	CommitSeq int64            `json:"commitSeq"`
	CreatedAt string           `json:"createdAt"`
	ActorID   string           `json:"actorId"`
	Changes   []ChangeEnvelope `json:"changes"`
}

// SnapshotEnvelope is one bootstrap page on the wire. Bodies travel as chunk
// references fetched separately.
type SnapshotEnvelope struct {
	Table       string           `json:"table"`
	IsFirstPage bool             `json:"isFirstPage"`
	IsLastPage  bool             `json:"isLastPage"`
	Chunks      []chunkstore.Ref `json:"chunks,omitempty"`
}

// SubscriptionResponse mirrors SubscriptionRequest.
type SubscriptionResponse struct {
	ID             string             `json:"id"`
	Status         string             `json:"status"`
	Scopes         scope.Map          `json:"scopes"`
	Bootstrap      bool               `json:"bootstrap"`
	BootstrapState *BootstrapState    `json:"bootstrapState"`
	NextCursor     int64              `json:"nextCursor"`
	Commits        []CommitEnvelope   `json:"commits"`
	Snapshots      []SnapshotEnvelope `json:"snapshots,omitempty"`
}

// PullResponse mirrors PullRequest.
type PullResponse struct {
	OK            bool                   `json:"ok"`
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

// Limits clamp the per-request knobs. Zero values take spec defaults.
type Limits struct {
	MaxOperationsPerPush    int
	MaxSubscriptionsPerPull int
	MaxPullLimitCommits     int
}

// Defaults per the configuration map.
const (
	DefaultMaxOperationsPerPush    = 200
	DefaultMaxSubscriptionsPerPull = 200
	DefaultMaxPullLimitCommits     = 100
	DefaultLimitCommits            = 50
	DefaultLimitSnapshotRows       = 1000
	MaxLimitSnapshotRows           = 5000
	DefaultMaxSnapshotPages        = 4
	MaxMaxSnapshotPages            = 10
)

func (l Limits) maxOperations() int {
	if l.MaxOperationsPerPush > 0 {
		return l.MaxOperationsPerPush
	}
	return DefaultMaxOperationsPerPush
}

func (l Limits) maxSubscriptions() int {
	if l.MaxSubscriptionsPerPull > 0 {
		return l.MaxSubscriptionsPerPull
	}
	return DefaultMaxSubscriptionsPerPull
}

func (l Limits) maxLimitCommits() int {
	if l.MaxPullLimitCommits > 0 {
		return l.MaxPullLimitCommits
	}
	return DefaultMaxPullLimitCommits
}

// clampLimit normalizes a client-supplied numeric knob: non-positive values
// fall back to def, everything is clamped to [1, max].
func clampLimit(v, def, max int) int {
	if v <= 0 {
		v = def
	}
	if v > max {
		v = max
	}
	if v < 1 {
		v = 1
	}
	return v
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func invalidScope(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSubscriptionScope, fmt.Sprintf(format, args...))
}
