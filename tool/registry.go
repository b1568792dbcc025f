package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sudalk/nanobot/core"
	"github.com/sudalk/nanobot/logging"
)

// ErrToolNotFound is returned by Get when no tool is registered under a name.
// Execute never surfaces it to callers; dispatch failures become textual
// results so the model can react.
var ErrToolNotFound = errors.New("tool not found")

// Registry owns the mapping from tool name to Tool and performs dispatch by
// name. Registration happens during startup; dispatch is read-only, so the
// registry is safe for concurrent Execute calls once construction finishes.
//
// Duplicate registration: last wins. The replacement keeps the slot of the
// first registration so Definitions stays in registration order.
type Registry struct {
	tools  map[string]Tool
	order  []string
	logger logging.Logger
}

// NewRegistry constructs an empty registry. A nil logger is replaced with a
// no-op logger.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logging.OrNoOp(logger),
	}
}

// Register inserts a tool by name. Registering a name twice replaces the
// previous tool in place (last wins, original ordering slot preserved).
func (r *Registry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("tool.register.duplicate", "tool", name)
	} else {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
	r.logger.Debug("tool.registered", "tool", name)
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Get returns the tool registered under name or ErrToolNotFound.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions exports every registered tool as a definition for the model
// provider, in registration order so prompts stay reproducible.
func (r *Registry) Definitions() []core.ToolDefinition {
	defs := make([]core.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, core.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute dispatches by name and returns a textual result. Tool failures are
// not propagated: an unknown name or a capability error is converted into
// error text appended to conversation context so the model can retry or
// explain.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	t, ok := r.tools[name]
	if !ok {
		r.logger.Warn("tool.execute.not_found", "tool", name)
		return fmt.Sprintf("Error: tool '%s' not found", name)
	}

	start := time.Now()
	result, err := t.Execute(ctx, args)
	if err != nil {
		r.logger.Error("tool.execute.error", "tool", name, "error", err.Error())
		return fmt.Sprintf("Error executing tool '%s': %v", name, err)
	}

	r.logger.Info("tool.execute.success", "tool", name, "duration_ms", time.Since(start).Milliseconds())
	return result
}

// SetContext propagates the conversation coordinates to every registered tool
// implementing ContextAware.
func (r *Registry) SetContext(channel, chatID string) {
	for _, name := range r.order {
		if ca, ok := r.tools[name].(ContextAware); ok {
			ca.SetContext(channel, chatID)
		}
	}
}
