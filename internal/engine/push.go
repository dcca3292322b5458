package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/syncular/syncd/internal/commitlog"
	"github.com/syncular/syncd/internal/registry"
	"github.com/syncular/syncd/internal/scope"
)

// PushOutcome is what pushCommit hands back to the transport layer: the wire
// response plus the fan-out material for realtime notification.
type PushOutcome struct {
	Response       *PushResponse
	AffectedTables []string
	// ScopeKeys are the notification buckets of the emitted changes.
	ScopeKeys []string
	// Rejected reports that the transaction must be rolled back.
	Rejected bool
}

// Push validates, authorizes, and applies one client commit inside the
// caller's transaction. Replays of a known idempotency key return the cached
// result verbatim with status "cached". When any operation conflicts or
// fails non-retriably the commit is not written and Rejected is set; the
// caller rolls the transaction back and still returns the response.
func Push(ctx context.Context, tx *sql.Tx, reg *registry.Registry, limits Limits, partition string, auth Auth, req *PushRequest) (*PushOutcome, error) {
	if req.ClientCommitID == "" {
		return nil, invalidRequest("clientCommitId is required")
	}
	if len(req.Operations) == 0 {
		return nil, invalidRequest("operations array is empty")
	}
	if len(req.Operations) > limits.maxOperations() {
		return nil, invalidRequest("batch size %d exceeds max %d", len(req.Operations), limits.maxOperations())
	}
	for i, op := range req.Operations {
		if op.Table == "" {
			return nil, invalidRequest("operation %d has empty table", i)
		}
		if op.RowID == "" {
			return nil, invalidRequest("operation %d has empty row_id", i)
		}
	}

	if cached, err := commitlog.LookupCached(tx, partition, auth.ClientID, req.ClientCommitID); err != nil {
		return nil, err
	} else if cached != nil {
		resp := &PushResponse{}
		if err := json.Unmarshal(cached.Result, resp); err != nil {
			return nil, fmt.Errorf("decode cached result seq=%d: %w", cached.CommitSeq, err)
		}
		resp.Status = PushCached
		resp.CommitSeq = cached.CommitSeq
		return &PushOutcome{Response: resp}, nil
	}

	hctx := &registry.Ctx{
		Context:   ctx,
		Tx:        tx,
		Partition: partition,
		ActorID:   auth.ActorID,
		ClientID:  auth.ClientID,
	}

	var (
		results  = make([]OpResult, 0, len(req.Operations))
		changes  []commitlog.Change
		rejected bool
	)
	for i, op := range req.Operations {
		res := applyOne(hctx, reg, op, i)
		results = append(results, res)
		if res.Status != registry.StatusApplied {
			// Conflicts and non-retriable errors reject the commit outright;
			// retriable errors reject it too so the client can retry whole.
			rejected = true
		}
		if res.Status == registry.StatusApplied {
			changes = append(changes, res.emitted...)
		}
	}

	if rejected {
		return &PushOutcome{
			Response: &PushResponse{Status: PushRejected, Results: stripEmitted(results)},
			Rejected: true,
		}, nil
	}

	resp := &PushResponse{OK: true, Status: PushApplied, Results: stripEmitted(results)}
	stored, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal push result: %w", err)
	}

	appended, err := commitlog.AppendCommit(tx, partition, auth.ActorID, auth.ClientID, req.ClientCommitID, req.Meta, changes, stored)
	if err != nil {
		return nil, err
	}
	if appended.Cached {
		// Lost an idempotency race mid-transaction; serve the winner's result.
		cachedResp := &PushResponse{}
		if err := json.Unmarshal(appended.Result, cachedResp); err != nil {
			return nil, fmt.Errorf("decode cached result seq=%d: %w", appended.CommitSeq, err)
		}
		cachedResp.Status = PushCached
		cachedResp.CommitSeq = appended.CommitSeq
		return &PushOutcome{Response: cachedResp}, nil
	}

	resp.CommitSeq = appended.CommitSeq
	stored, err = json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal push result: %w", err)
	}
	if err := commitlog.UpdateResult(tx, partition, appended.CommitSeq, stored); err != nil {
		return nil, err
	}

	var scopeKeys []string
	seen := make(map[string]bool)
	for _, ch := range changes {
		for _, k := range scope.Keys(ch.Scopes) {
			if !seen[k] {
				seen[k] = true
				scopeKeys = append(scopeKeys, k)
			}
		}
	}

	return &PushOutcome{
		Response:       resp,
		AffectedTables: affectedTables(changes),
		ScopeKeys:      scopeKeys,
	}, nil
}

// applyOne authorizes and dispatches a single operation, converting handler
// errors into structured per-op results so the pipeline never throws past
// the push boundary for operation-level failures.
func applyOne(hctx *registry.Ctx, reg *registry.Registry, op registry.Operation, opIndex int) OpResult {
	handler := reg.Handler(op.Table)
	if handler == nil {
		return OpResult{
			OpIndex: opIndex,
			Status:  registry.StatusError,
			Code:    registry.CodeUnknownTable,
			Message: fmt.Sprintf("no handler for table %q", op.Table),
		}
	}

	allowed, err := handler.ResolveScopes(hctx)
	if err != nil {
		return transientResult(opIndex, "resolve scopes", err)
	}
	rowScopes, err := handler.ExtractScopes(op.Payload)
	if err != nil {
		return OpResult{
			OpIndex: opIndex,
			Status:  registry.StatusError,
			Code:    registry.CodeInvalidOperation,
			Message: err.Error(),
		}
	}
	if len(rowScopes) > 0 {
		if _, ok := scope.Intersect(rowScopes, allowed); !ok {
			return OpResult{
				OpIndex: opIndex,
				Status:  registry.StatusError,
				Code:    registry.CodeUnauthorizedScope,
				Message: "operation outside allowed scopes",
			}
		}
	}

	outcome, err := handler.ApplyOperation(hctx, op, opIndex)
	if err != nil {
		return transientResult(opIndex, "apply operation", err)
	}

	res := OpResult{OpIndex: opIndex, Status: outcome.Status, Result: outcome.Result}
	switch outcome.Status {
	case registry.StatusApplied:
		for _, ec := range outcome.Changes {
			res.emitted = append(res.emitted, commitlog.Change{
				Table:      ec.Table,
				RowID:      ec.RowID,
				Op:         ec.Op,
				Row:        ec.Row,
				RowVersion: ec.RowVersion,
				Scopes:     ec.Scopes,
			})
		}
	case registry.StatusConflict:
		if outcome.Conflict != nil {
			v := outcome.Conflict.ServerVersion
			res.ServerVersion = &v
			res.ServerRow = outcome.Conflict.ServerRow
			res.Message = outcome.Conflict.Message
		}
	case registry.StatusError:
		if outcome.Error != nil {
			res.Code = outcome.Error.Code
			res.Retriable = outcome.Error.Retriable
			res.Message = outcome.Error.Message
		}
	}
	return res
}

func transientResult(opIndex int, what string, err error) OpResult {
	slog.Warn("push op failed", "op", opIndex, "stage", what, "err", err)
	return OpResult{
		OpIndex:   opIndex,
		Status:    registry.StatusError,
		Code:      registry.CodeTransient,
		Retriable: true,
		Message:   fmt.Sprintf("%s: %v", what, err),
	}
}

func stripEmitted(results []OpResult) []OpResult {
	out := make([]OpResult, len(results))
	for i, r := range results {
		r.emitted = nil
		out[i] = r
	}
	return out
}

func affectedTables(changes []commitlog.Change) []string {
	seen := make(map[string]bool)
	var tables []string
	for _, ch := range changes {
		if !seen[ch.Table] {
			seen[ch.Table] = true
			tables = append(tables, ch.Table)
		}
	}
	sort.Strings(tables)
	return tables
}
