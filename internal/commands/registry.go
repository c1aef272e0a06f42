// Package commands implements the kernel's command registry: a
// name-to-handler map shared by the orchestrator, the RPC boundary, and
// every loaded plugin. Plugins register commands during their
// Phase 1 (registration) lifecycle step and the registry is the only
// way the RPC boundary or another plugin ever invokes one.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// CoreOwner is the owner id recorded for commands registered by the
// kernel itself rather than by a plugin.
const CoreOwner = "core"

// Handler is a registered command's implementation. params has already
// had the legacy "p"/"params" wrapping unwrapped by Execute — handlers
// never need to special-case the calling convention themselves.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// ErrNotFound is returned by Execute when no handler is registered for
// the requested id. Callers that need the list of known ids can type
// assert to *NotFoundError.
var ErrNotFound = fmt.Errorf("command not found")

// NotFoundError carries the unknown id and the ids that were known at
// lookup time, so a CommandNotFound response can report both.
type NotFoundError struct {
	ID       string
	KnownIDs []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("command not found: %s", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ExecutionError wraps a handler's own error, preserving it for
// inspection while giving the RPC boundary a uniform type to map to a
// JSON-RPC internal error.
type ExecutionError struct {
	ID  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %q failed: %v", e.ID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// record is one registered command.
type record struct {
	id      string
	handler Handler
	owner   string
}

// AuditEntry is one completed execution, kept in a bounded in-memory
// ring buffer for introspection (system.info-style debugging), mirroring
// internal/router.Router's own audit log. Never persisted across
// restarts.
type AuditEntry struct {
	CommandID string
	Owner     string
	Status    string // "success" or "error"
	Err       string
}

// Registry is the name -> handler map. Safe for concurrent use; reads
// and writes are guarded by a sync.RWMutex, the same locking discipline
// internal/router.Router uses for its own audit log and stats.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*record
	audit    []AuditEntry
	maxAudit int

	logger  *slog.Logger
	publish func(ctx context.Context, event string, payload any) // events.Bus.Publish, injected to avoid an import cycle
}

// New creates an empty Registry. publish is called (asynchronously,
// fire-and-forget, with a COMMAND_EXECUTED event) after every
// execution; pass nil to disable. A nil logger falls back to
// slog.Default.
func New(logger *slog.Logger, publish func(ctx context.Context, event string, payload any)) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		commands: make(map[string]*record),
		maxAudit: 500,
		logger:   logger,
		publish:  publish,
	}
}

// Register binds handler to id. If id is already registered and
// override is false, the existing handler is still replaced (the
// kernel does not refuse double-registration) but a warning is logged;
// if override is true the replacement is silent. This matches the
// source's register_command, which always replaces and only varies the
// log level on the override flag.
func (r *Registry) Register(id string, handler Handler, owner string, override bool) {
	if r == nil || handler == nil {
		return
	}
	if owner == "" {
		owner = CoreOwner
	}

	r.mu.Lock()
	_, exists := r.commands[id]
	r.commands[id] = &record{id: id, handler: handler, owner: owner}
	r.mu.Unlock()

	if exists {
		if override {
			r.logger.Debug("command re-registered", "id", id, "owner", owner, "override", true)
		} else {
			r.logger.Warn("command re-registered without override", "id", id, "owner", owner)
		}
	}
}

// Unregister removes id. Reports whether a handler existed.
func (r *Registry) Unregister(id string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[id]; !ok {
		return false
	}
	delete(r.commands, id)
	return true
}

// Has reports whether id is currently registered — a typed
// optional-capability lookup in place of duck-typed "absence of a
// command means the plugin isn't installed" checks.
func (r *Registry) Has(id string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.commands[id]
	return ok
}

// IDs returns every registered command id, sorted.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.commands))
	for id := range r.commands {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Execute looks up id and invokes its handler with params after
// unwrapping the legacy calling convention (see unwrapParams): a single
// nested "p" or "params" object takes the place of named arguments.
// Since the registry doesn't know a handler's expected keys, it unwraps
// only when that nested object is the sole top-level key; any other
// params are passed through as named arguments, and nil params become
// an empty map, so every handler sees the same calling convention
// regardless of which shape the caller sent.
func (r *Registry) Execute(ctx context.Context, id string, params map[string]any) (any, error) {
	if r == nil {
		return nil, &NotFoundError{ID: id}
	}

	r.mu.RLock()
	rec, ok := r.commands[id]
	known := make([]string, 0, len(r.commands))
	for k := range r.commands {
		known = append(known, k)
	}
	r.mu.RUnlock()

	if !ok {
		sort.Strings(known)
		return nil, &NotFoundError{ID: id, KnownIDs: known}
	}

	result, err := func() (result any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = &ExecutionError{ID: id, Err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		return rec.handler(ctx, unwrapParams(params))
	}()

	status := "success"
	errStr := ""
	if err != nil {
		status = "error"
		errStr = err.Error()
		if _, already := err.(*ExecutionError); !already {
			err = &ExecutionError{ID: id, Err: err}
			errStr = err.Error()
		}
	}

	r.mu.Lock()
	r.audit = append(r.audit, AuditEntry{CommandID: id, Owner: rec.owner, Status: status, Err: errStr})
	if len(r.audit) > r.maxAudit {
		r.audit = r.audit[len(r.audit)-r.maxAudit:]
	}
	r.mu.Unlock()

	if r.publish != nil {
		go r.publish(ctx, "command_executed", map[string]any{
			"command_id": id,
			"args":       params,
			"status":     status,
		})
	}

	return result, err
}

// AuditLog returns up to the last limit recorded executions, most
// recent last. limit <= 0 returns the full (bounded) buffer.
func (r *Registry) AuditLog(limit int) []AuditEntry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit >= len(r.audit) {
		out := make([]AuditEntry, len(r.audit))
		copy(out, r.audit)
		return out
	}
	out := make([]AuditEntry, limit)
	copy(out, r.audit[len(r.audit)-limit:])
	return out
}

// unwrapParams implements the "legacy wrap" compatibility rule: a
// caller using the nested-bag calling convention sends params as
// {"p": {...named args...}} or {"params": {...}} instead of the named
// arguments directly. The registry can't know which top-level keys a
// given handler expects, so it only unwraps when params looks like a
// pure wrapper — exactly one key, "p" or "params", holding a map — and
// otherwise passes named arguments through untouched. This is the one
// place the unwrapping rule is implemented; handlers never see the
// wrapper themselves.
func unwrapParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return map[string]any{}
	}
	if len(params) == 1 {
		if nested, ok := asParamBag(params["p"]); ok {
			return nested
		}
		if nested, ok := asParamBag(params["params"]); ok {
			return nested
		}
	}
	return params
}

func asParamBag(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
