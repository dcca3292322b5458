// Package registry holds the per-table handlers the push and pull engines
// dispatch to. Handlers declare their scope-key vocabulary, bootstrap
// dependencies, and the apply/snapshot callbacks; registration rejects
// dependency cycles so bootstrap order is always defined.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/syncular/syncd/internal/scope"
)

// Operation is one mutation inside a push request.
type Operation struct {
	Table       string          `json:"table"`
	RowID       string          `json:"row_id"`
	Op          string          `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	BaseVersion *int64          `json:"base_version"`
}

// Ctx carries the per-request state handlers operate in: the open
// transaction, the authenticated actor, and the partition.
type Ctx struct {
	Context   context.Context
	Tx        *sql.Tx
	Partition string
	ActorID   string
	ClientID  string
	Params    json.RawMessage
}

// EmittedChange is a change row produced by applying an operation.
type EmittedChange struct {
	Table      string
	RowID      string
	Op         string
	Row        json.RawMessage
	RowVersion *int64
	Scopes     scope.Map
}

// ApplyOutcome is the per-op result of a handler apply. Exactly one of the
// three statuses holds; Conflict and Error carry their detail structs.
type ApplyOutcome struct {
	Status   string // "applied", "conflict", or "error"
	Changes  []EmittedChange
	Result   json.RawMessage
	Conflict *ConflictDetail
	Error    *ErrorDetail
}

// ConflictDetail reports an optimistic-concurrency failure with the
// authoritative server state.
type ConflictDetail struct {
	ServerVersion int64           `json:"server_version"`
	ServerRow     json.RawMessage `json:"server_row"`
	Message       string          `json:"message,omitempty"`
}

// ErrorDetail is a structured per-op failure.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Retriable bool   `json:"retriable"`
}

// Apply statuses.
const (
	StatusApplied  = "applied"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// Error codes shared across handlers.
const (
	CodeRowMissing        = "ROW_MISSING"
	CodeNotNullConstraint = "NOT_NULL_CONSTRAINT"
	CodeUnauthorizedScope = "UNAUTHORIZED_SCOPE"
	CodeTransient         = "TRANSIENT"
	CodeUnknownTable      = "UNKNOWN_TABLE"
	CodeInvalidOperation  = "INVALID_OPERATION"
)

// SnapshotPage is one page of bootstrap rows. NextCursor is opaque to the
// engine; empty means the last page.
type SnapshotPage struct {
	Rows       []json.RawMessage
	NextCursor string
}

// Handler is the per-table contract.
type Handler interface {
	// Table is the user table this handler owns.
	Table() string
	// ScopePatterns declares the scope-key vocabulary, entries like
	// "user:{userId}". The key left of the colon is the scope key.
	ScopePatterns() []string
	// DependsOn lists tables that must bootstrap before this one.
	DependsOn() []string
	// ResolveScopes returns the scopes the actor may read and write.
	ResolveScopes(ctx *Ctx) (scope.Map, error)
	// ExtractScopes derives the scope map of one row.
	ExtractScopes(row json.RawMessage) (scope.Map, error)
	// Snapshot returns one page of rows within the requested scopes,
	// resuming from an opaque cursor.
	Snapshot(ctx *Ctx, requested scope.Map, cursor string, limit int) (*SnapshotPage, error)
	// ApplyOperation executes one mutation and reports the outcome.
	ApplyOperation(ctx *Ctx, op Operation, opIndex int) (*ApplyOutcome, error)
}

// Registry maps tables to handlers and owns the bootstrap order.
type Registry struct {
	handlers map[string]Handler
	order    []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Duplicate tables and dependency cycles are
// registration errors.
func (r *Registry) Register(h Handler) error {
	table := h.Table()
	if table == "" {
		return fmt.Errorf("handler has empty table name")
	}
	if _, exists := r.handlers[table]; exists {
		return fmt.Errorf("handler for table %q already registered", table)
	}
	r.handlers[table] = h

	order, err := r.topoSort()
	if err != nil {
		delete(r.handlers, table)
		return err
	}
	r.order = order
	return nil
}

// Handler returns the handler for a table, or nil.
func (r *Registry) Handler(table string) Handler {
	return r.handlers[table]
}

// Tables returns all registered tables in bootstrap (dependency) order.
func (r *Registry) Tables() []string {
	return append([]string(nil), r.order...)
}

// BootstrapOrder returns the given tables plus their transitive
// dependencies, dependencies first.
func (r *Registry) BootstrapOrder(tables []string) ([]string, error) {
	want := make(map[string]bool)
	var mark func(table string) error
	mark = func(table string) error {
		if want[table] {
			return nil
		}
		h := r.handlers[table]
		if h == nil {
			return fmt.Errorf("no handler registered for table %q", table)
		}
		want[table] = true
		for _, dep := range h.DependsOn() {
			if err := mark(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, t := range tables {
		if err := mark(t); err != nil {
			return nil, err
		}
	}

	var out []string
	for _, t := range r.order {
		if want[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

// ScopeKeys returns the declared scope-key vocabulary of a table, parsed
// from its patterns.
func (r *Registry) ScopeKeys(table string) ([]string, error) {
	h := r.handlers[table]
	if h == nil {
		return nil, fmt.Errorf("no handler registered for table %q", table)
	}
	var keys []string
	for _, p := range h.ScopePatterns() {
		key := p
		if i := strings.IndexByte(p, ':'); i >= 0 {
			key = p[:i]
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// ValidateScopeKeys checks that every key in m is declared by the table's
// patterns, returning the first unknown key.
func (r *Registry) ValidateScopeKeys(table string, m scope.Map) (string, error) {
	declared, err := r.ScopeKeys(table)
	if err != nil {
		return "", err
	}
	allowed := make(map[string]bool, len(declared))
	for _, k := range declared {
		allowed[k] = true
	}
	for k := range m {
		if !allowed[k] {
			return k, nil
		}
	}
	return "", nil
}

// topoSort orders tables dependencies-first, rejecting cycles.
func (r *Registry) topoSort() ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(r.handlers))
	var order []string

	var visit func(table string, path []string) error
	visit = func(table string, path []string) error {
		switch state[table] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle: %s -> %s", strings.Join(path, " -> "), table)
		}
		state[table] = visiting
		h := r.handlers[table]
		if h != nil {
			for _, dep := range h.DependsOn() {
				if _, known := r.handlers[dep]; !known {
					// Dependency not registered yet; ordering among known
					// tables is still valid and the dep slots in later.
					continue
				}
				if err := visit(dep, append(path, table)); err != nil {
					return err
				}
			}
		}
		state[table] = done
		order = append(order, table)
		return nil
	}

	tables := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		if err := visit(t, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}
