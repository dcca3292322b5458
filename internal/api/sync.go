package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/syncular/syncd/internal/commitlog"
	"github.com/syncular/syncd/internal/engine"
	"github.com/syncular/syncd/internal/scope"
	"github.com/syncular/syncd/internal/syncdb"
)

// SyncRequest is the combined push+pull envelope for POST /sync.
type SyncRequest struct {
	ClientID  string              `json:"clientId"`
	Partition string              `json:"partition,omitempty"`
	Push      *engine.PushRequest `json:"push,omitempty"`
	Pull      *engine.PullRequest `json:"pull,omitempty"`
}

// SyncResponse mirrors SyncRequest.
type SyncResponse struct {
	Push *engine.PushResponse `json:"push,omitempty"`
	Pull *engine.PullResponse `json:"pull,omitempty"`
}

// handleSync handles POST /sync: one request that both pushes a pending
// commit and pulls remote changes. Push and pull each run in their own
// transaction; a rejected push rolls back without touching the pull.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "clientId is required")
		return
	}
	partition := req.Partition
	if partition == "" {
		partition = syncdb.DefaultPartition
	}

	auth := *authFromContext(r.Context())
	auth.ClientID = req.ClientID

	limits := engine.Limits{
		MaxOperationsPerPush:    s.config.MaxOperationsPerPush,
		MaxSubscriptionsPerPull: s.config.MaxSubscriptionsPerPull,
		MaxPullLimitCommits:     s.config.MaxPullLimitCommits,
	}

	var resp SyncResponse

	if req.Push != nil {
		outcome, err := s.pushCommit(r, limits, partition, auth, req.Push)
		if err != nil {
			if errors.Is(err, engine.ErrInvalidRequest) {
				writeError(w, http.StatusBadRequest, "bad_request", err.Error())
				return
			}
			logFor(r.Context()).Error("push", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "push failed")
			return
		}

		if outcome.Response.Status == engine.PushApplied {
			s.metrics.RecordPushCommit()
			s.metrics.RecordBroadcast()
			// Wake every peer in the affected scope buckets; the pusher
			// learns the outcome from this response.
			s.rt.Broadcast(outcome.ScopeKeys, outcome.Response.CommitSeq, req.ClientID)
		}
		resp.Push = outcome.Response
	}

	if req.Pull != nil {
		s.metrics.RecordPullRequest()
		tx, err := s.db.Begin()
		if err != nil {
			logFor(r.Context()).Error("begin pull tx", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "database error")
			return
		}

		outcome, err := engine.Pull(r.Context(), tx, s.registry, s.chunks, limits, partition, auth, req.Pull)
		if err != nil {
			tx.Rollback()
			switch {
			case errors.Is(err, engine.ErrInvalidRequest):
				writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			case errors.Is(err, engine.ErrInvalidSubscriptionScope):
				writeError(w, http.StatusBadRequest, "invalid_subscription_scope", err.Error())
			default:
				logFor(r.Context()).Error("pull", "err", err)
				writeError(w, http.StatusInternalServerError, "internal_error", "pull failed")
			}
			return
		}

		if err := commitlog.RecordClientCursor(tx, partition, req.ClientID, auth.ActorID, outcome.ClientCursor, outcome.EffectiveScopes); err != nil {
			tx.Rollback()
			logFor(r.Context()).Error("record client cursor", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to record cursor")
			return
		}
		if err := tx.Commit(); err != nil {
			logFor(r.Context()).Error("commit pull tx", "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to commit")
			return
		}

		// Keep the wake-up buckets aligned with what the client now sees.
		s.rt.UpdateClientScopeKeys(req.ClientID, scope.Keys(outcome.EffectiveScopes))
		resp.Pull = outcome.Response
	}

	writeJSON(w, http.StatusOK, resp)
}

// pushCommit routes a push through the configured Pusher, defaulting to one
// engine.Push transaction over the server database.
func (s *Server) pushCommit(r *http.Request, limits engine.Limits, partition string, auth engine.Auth, push *engine.PushRequest) (*engine.PushOutcome, error) {
	if s.pusher != nil {
		return s.pusher.PushCommit(r.Context(), partition, auth, push)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin push tx: %w", err)
	}
	defer tx.Rollback()

	outcome, err := engine.Push(r.Context(), tx, s.registry, limits, partition, auth, push)
	if err != nil {
		return nil, err
	}
	if outcome.Rejected {
		return outcome, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit push tx: %w", err)
	}
	return outcome, nil
}

// SyncStatusResponse is the JSON response for GET /sync/status.
type SyncStatusResponse struct {
	CommitCount    int64  `json:"commit_count"`
	MaxCommitSeq   int64  `json:"max_commit_seq"`
	LastCommitTime string `json:"last_commit_time,omitempty"`
}

// handleSyncStatus handles GET /sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	partition := r.URL.Query().Get("partition")
	if partition == "" {
		partition = syncdb.DefaultPartition
	}

	var resp SyncStatusResponse
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(MAX(commit_seq), 0) FROM sync_commits WHERE partition_id = ?`,
		partition,
	).Scan(&resp.CommitCount, &resp.MaxCommitSeq)
	if err != nil {
		logFor(r.Context()).Error("query commit count", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "database error")
		return
	}

	if resp.CommitCount > 0 {
		var ts string
		err = s.db.QueryRow(
			`SELECT created_at FROM sync_commits WHERE partition_id = ? AND commit_seq = ?`,
			partition, resp.MaxCommitSeq,
		).Scan(&ts)
		if err == nil {
			resp.LastCommitTime = ts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
