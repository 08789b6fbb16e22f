package agent

import (
	"context"
	"encoding/json"
	"sync"

	apperrors "github.com/schoolhub/messaging-server-go/internal/errors"
)

// ToolDefinition describes a tool to the assistant. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolHandler executes one tool call for a tenant and returns the result as
// text fed back into the conversation.
type ToolHandler func(ctx context.Context, tenantID string, args json.RawMessage) (string, error)

// Registry holds the tools available to the assistant. Tool implementations
// live outside this package; the router only dispatches by name.
type Registry struct {
	mu       sync.RWMutex
	defs     []ToolDefinition
	handlers map[string]ToolHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ToolHandler)}
}

func (r *Registry) Register(def ToolDefinition, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[def.Name]; !exists {
		r.defs = append(r.defs, def)
	}
	r.handlers[def.Name] = handler
}

func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, len(r.defs))
	copy(defs, r.defs)
	return defs
}

// Dispatch runs the named tool. Unknown names and handler failures come back
// as TOOL_EXECUTION_ERROR so the caller can surface them to the assistant
// instead of aborting the conversation.
func (r *Registry) Dispatch(ctx context.Context, tenantID, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return "", apperrors.ToolExecution(name, apperrors.NotFound("tool handler"))
	}

	result, err := handler(ctx, tenantID, args)
	if err != nil {
		return "", apperrors.ToolExecution(name, err)
	}
	return result, nil
}
