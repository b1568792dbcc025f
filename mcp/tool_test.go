package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudalk/nanobot/tool"
)

func TestRemoteToolForwardsCall(t *testing.T) {
	transport := newScriptedTransport(initOKHandler(func(id int64, params map[string]any) [][]byte {
		assert.Equal(t, "search", params["name"])
		args, _ := params["arguments"].(map[string]any)
		assert.Equal(t, "golang", args["query"])
		return [][]byte{respResult(id, map[string]any{"content": []map[string]any{
			{"type": "text", "text": "results"},
		}})}
	}))
	p := testPeer(t, transport)

	schemas, err := p.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, schemas, 1)

	rt := NewRemoteTool(p, schemas[0])
	assert.Equal(t, "search", rt.Name())
	assert.Equal(t, "Search the web", rt.Description())
	assert.Equal(t, "object", rt.Parameters()["type"])

	out, err := rt.Execute(context.Background(), map[string]any{"query": "golang"})
	require.NoError(t, err)
	assert.Equal(t, "results", out)
}

func TestRemoteToolEmptySchemaDefaults(t *testing.T) {
	rt := NewRemoteTool(nil, ToolSchema{Name: "bare"})
	params := rt.Parameters()
	assert.Equal(t, "object", params["type"])
	assert.NotNil(t, params["properties"])
}

func TestGenericToolSchema(t *testing.T) {
	gt := NewGenericTool(nil, "browser", "")
	assert.Equal(t, "browser", gt.Name())
	assert.Contains(t, gt.Description(), "browser")

	params := gt.Parameters()
	props, ok := params["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "prompt")
	assert.Equal(t, []string{"prompt"}, params["required"])
}

func TestDiscoverToolsRegistersRemoteTools(t *testing.T) {
	transport := newScriptedTransport(initOKHandler(nil))
	p := testPeer(t, transport)
	registry := tool.NewRegistry(nil)

	err := DiscoverTools(context.Background(), p, "websearch", registry, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, registry.Names())
}

func TestDiscoverToolsFallsBackToGenericTool(t *testing.T) {
	transport := newScriptedTransport(func(method string, id int64, _ map[string]any) [][]byte {
		switch method {
		case "initialize":
			return [][]byte{respResult(id, map[string]any{})}
		case "tools/list":
			return [][]byte{respError(id, -32601, "method not found")}
		}
		return nil
	})
	p := testPeer(t, transport)
	registry := tool.NewRegistry(nil)

	err := DiscoverTools(context.Background(), p, "browser", registry, nil)
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.Equal(t, []string{"browser"}, registry.Names())

	got, gerr := registry.Get("browser")
	require.NoError(t, gerr)
	_, isGeneric := got.(*GenericTool)
	assert.True(t, isGeneric)
}
