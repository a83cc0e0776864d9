// Package registry maps task types to their handlers. The type set is
// closed: only types with a payload schema can be registered, and workers
// refuse tasks with no handler.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

// ErrNoHandler reports a task type with no registered handler.
var ErrNoHandler = errors.New("registry: no handler for task type")

// Result is the structured output of a handler execution, persisted on the
// run record.
type Result map[string]any

// Handler executes one task type.
type Handler interface {
	Execute(ctx context.Context, taskID string, payload map[string]any) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, taskID string, payload map[string]any) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, taskID string, payload map[string]any) (Result, error) {
	return f(ctx, taskID, payload)
}

// Registry is the immutable-after-startup type map.
type Registry struct {
	handlers map[schema.TaskType]Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: map[schema.TaskType]Handler{}}
}

// Register binds a handler to a task type. Types outside the closed set and
// double registrations are rejected.
func (r *Registry) Register(t schema.TaskType, h Handler) error {
	if !schema.KnownType(t) {
		return fmt.Errorf("register: unknown task type %q", t)
	}
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("register: handler for %q already bound", t)
	}
	if h == nil {
		return fmt.Errorf("register: nil handler for %q", t)
	}
	r.handlers[t] = h
	return nil
}

// Resolve returns the handler for a type, or ErrNoHandler.
func (r *Registry) Resolve(t schema.TaskType) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, t)
	}
	return h, nil
}

// Types lists registered types in stable order.
func (r *Registry) Types() []schema.TaskType {
	out := make([]schema.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
