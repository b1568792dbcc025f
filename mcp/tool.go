package mcp

import (
	"context"
	"fmt"

	"github.com/sudalk/nanobot/logging"
	"github.com/sudalk/nanobot/tool"
)

// RemoteTool adapts one discovered server tool to the tool.Tool interface.
// The input schema is passed through as announced by the server.
type RemoteTool struct {
	peer   *Peer
	schema ToolSchema
}

// NewRemoteTool wraps a discovered schema around its owning peer.
func NewRemoteTool(peer *Peer, schema ToolSchema) *RemoteTool {
	return &RemoteTool{peer: peer, schema: schema}
}

// Name implements tool.Tool.
func (t *RemoteTool) Name() string { return t.schema.Name }

// Description implements tool.Tool.
func (t *RemoteTool) Description() string { return t.schema.Description }

// Parameters implements tool.Tool.
func (t *RemoteTool) Parameters() map[string]any {
	if t.schema.InputSchema != nil {
		return t.schema.InputSchema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// Execute implements tool.Tool by forwarding the call to the subprocess.
func (t *RemoteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.peer.Invoke(ctx, t.schema.Name, args)
}

// GenericTool exposes a server whose discovery failed (or was skipped) as a
// single permissive tool taking one free-form prompt argument. The server
// still gets the call as tools/call with the declared tool name.
type GenericTool struct {
	peer        *Peer
	name        string
	description string
}

// NewGenericTool builds the permissive fallback wrapper.
func NewGenericTool(peer *Peer, name, description string) *GenericTool {
	if description == "" {
		description = fmt.Sprintf("Invoke the %s tool server with a free-form prompt", name)
	}
	return &GenericTool{peer: peer, name: name, description: description}
}

// Name implements tool.Tool.
func (t *GenericTool) Name() string { return t.name }

// Description implements tool.Tool.
func (t *GenericTool) Description() string { return t.description }

// Parameters implements tool.Tool.
func (t *GenericTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "Free-form request for the tool server",
			},
		},
		"required": []string{"prompt"},
	}
}

// Execute implements tool.Tool.
func (t *GenericTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.peer.Invoke(ctx, t.name, args)
}

// DiscoverTools runs discovery against the peer and registers one RemoteTool
// per announced schema. When discovery fails the server is still reachable
// as a GenericTool under the given name, so a misbehaving tools/list does
// not take the server out of the roster entirely.
func DiscoverTools(ctx context.Context, peer *Peer, serverName string, registry *tool.Registry, logger logging.Logger) error {
	logger = logging.OrNoOp(logger)

	schemas, err := peer.Discover(ctx)
	if err != nil {
		logger.Warn("mcp.discover.fallback", "server", serverName, "error", err.Error())
		registry.Register(NewGenericTool(peer, serverName, ""))
		return err
	}

	for _, schema := range schemas {
		registry.Register(NewRemoteTool(peer, schema))
	}
	logger.Info("mcp.discover.registered", "server", serverName, "tools", len(schemas))
	return nil
}
