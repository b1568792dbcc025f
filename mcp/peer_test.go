package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport answers each outgoing request through a handler, which
// may return any number of response lines (including none, or extra
// notification lines).
type scriptedTransport struct {
	handler func(method string, id int64, params map[string]any) [][]byte
	lines   chan []byte

	mu   sync.Mutex
	sent []string
	once sync.Once
}

func newScriptedTransport(handler func(method string, id int64, params map[string]any) [][]byte) *scriptedTransport {
	return &scriptedTransport{handler: handler, lines: make(chan []byte, 32)}
}

func (t *scriptedTransport) Send(payload []byte) error {
	var req struct {
		ID     int64          `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	t.mu.Lock()
	t.sent = append(t.sent, req.Method)
	t.mu.Unlock()
	for _, line := range t.handler(req.Method, req.ID, req.Params) {
		t.lines <- line
	}
	return nil
}

func (t *scriptedTransport) Receive() ([]byte, error) {
	line, ok := <-t.lines
	if !ok {
		return nil, io.EOF
	}
	return line, nil
}

func (t *scriptedTransport) Close() error {
	t.once.Do(func() { close(t.lines) })
	return nil
}

func (t *scriptedTransport) sentMethods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	copy(out, t.sent)
	return out
}

func respResult(id int64, result any) []byte {
	raw, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	return raw
}

func respError(id int64, code int, message string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
	return raw
}

func notification(method string) []byte {
	raw, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method, "params": map[string]any{}})
	return raw
}

func initOKHandler(onCall func(id int64, params map[string]any) [][]byte) func(string, int64, map[string]any) [][]byte {
	return func(method string, id int64, params map[string]any) [][]byte {
		switch method {
		case "initialize":
			return [][]byte{respResult(id, map[string]any{"protocolVersion": protocolVersion})}
		case "tools/list":
			return [][]byte{respResult(id, map[string]any{"tools": []map[string]any{
				{
					"name":        "search",
					"description": "Search the web",
					"inputSchema": map[string]any{
						"type":       "object",
						"properties": map[string]any{"query": map[string]any{"type": "string"}},
						"required":   []string{"query"},
					},
				},
			}})}
		case "tools/call":
			return onCall(id, params)
		}
		return nil
	}
}

func testPeer(t *testing.T, transport Transport) *Peer {
	t.Helper()
	p := NewPeer(Config{
		Command: "fake-server",
		dial:    func() (Transport, error) { return transport, nil },
	}, nil)
	t.Cleanup(func() { _ = p.Terminate() })
	return p
}

func TestPeerHandshakeAndDiscover(t *testing.T) {
	transport := newScriptedTransport(initOKHandler(nil))
	p := testPeer(t, transport)

	assert.Equal(t, StateNotStarted, p.State())

	tools, err := p.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, "Search the web", tools[0].Description)
	assert.Equal(t, StateReady, p.State())

	// Second discovery is served from the cache.
	_, err = p.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"initialize", "tools/list"}, transport.sentMethods())
}

func TestPeerHandshakeError(t *testing.T) {
	transport := newScriptedTransport(func(method string, id int64, _ map[string]any) [][]byte {
		return [][]byte{respError(id, -32600, "unsupported protocol")}
	})
	p := testPeer(t, transport)

	_, err := p.Discover(context.Background())
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Contains(t, err.Error(), "unsupported protocol")
	assert.Equal(t, StateTerminated, p.State())

	// A spent peer fails fast instead of relaunching.
	_, err = p.Invoke(context.Background(), "search", nil)
	assert.ErrorIs(t, err, ErrPeerTerminated)
}

func TestPeerDiscoveryFailureKeepsPeerUsable(t *testing.T) {
	transport := newScriptedTransport(func(method string, id int64, _ map[string]any) [][]byte {
		switch method {
		case "initialize":
			return [][]byte{respResult(id, map[string]any{})}
		case "tools/list":
			return [][]byte{respError(id, -32601, "method not found")}
		case "tools/call":
			return [][]byte{respResult(id, map[string]any{"content": []map[string]any{
				{"type": "text", "text": "called anyway"},
			}})}
		}
		return nil
	})
	p := testPeer(t, transport)

	_, err := p.Discover(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.Equal(t, StateInitialized, p.State())

	// The failure is cached; no second tools/list goes out.
	_, err = p.Discover(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.Equal(t, []string{"initialize", "tools/list"}, transport.sentMethods())

	// Invocation still works so the server stays reachable as a fallback.
	out, err := p.Invoke(context.Background(), "anything", map[string]any{"prompt": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "called anyway", out)
}

func TestPeerInvokeResultRendering(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   string
	}{
		{
			name: "text parts joined by newline",
			result: map[string]any{"content": []map[string]any{
				{"type": "text", "text": "first"},
				{"type": "text", "text": "second"},
			}},
			want: "first\nsecond",
		},
		{
			name:   "empty content",
			result: map[string]any{"content": []map[string]any{}},
			want:   "No result from MCP tool",
		},
		{
			name:   "missing content",
			result: map[string]any{},
			want:   "No result from MCP tool",
		},
		{
			name: "non-text content dumped raw",
			result: map[string]any{"content": []map[string]any{
				{"type": "image", "data": "aGk="},
			}},
			want: `{"content":[{"data":"aGk=","type":"image"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newScriptedTransport(initOKHandler(func(id int64, _ map[string]any) [][]byte {
				return [][]byte{respResult(id, tt.result)}
			}))
			p := testPeer(t, transport)

			out, err := p.Invoke(context.Background(), "search", map[string]any{"query": "go"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestPeerInvokeRPCErrorBecomesText(t *testing.T) {
	transport := newScriptedTransport(initOKHandler(func(id int64, _ map[string]any) [][]byte {
		return [][]byte{respError(id, -32000, "backend unavailable")}
	}))
	p := testPeer(t, transport)

	out, err := p.Invoke(context.Background(), "search", map[string]any{"query": "go"})
	require.NoError(t, err)
	assert.Equal(t, "MCP Error: backend unavailable", out)
}

func TestPeerDemuxesOutOfOrderResponses(t *testing.T) {
	var mu sync.Mutex
	var slowID int64

	transport := newScriptedTransport(initOKHandler(func(id int64, params map[string]any) [][]byte {
		name, _ := params["name"].(string)
		if name == "slow" {
			mu.Lock()
			slowID = id
			mu.Unlock()
			return [][]byte{notification("notifications/progress")}
		}
		mu.Lock()
		held := slowID
		mu.Unlock()
		// Answer the later request first, then release the held one.
		return [][]byte{
			respResult(id, map[string]any{"content": []map[string]any{{"type": "text", "text": "fast"}}}),
			respResult(held, map[string]any{"content": []map[string]any{{"type": "text", "text": "slow"}}}),
		}
	}))
	p := testPeer(t, transport)

	_, err := p.Discover(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(map[string]string)
	started := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		close(started)
		out, err := p.Invoke(context.Background(), "slow", nil)
		assert.NoError(t, err)
		mu.Lock()
		results["slow"] = out
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		<-started
		time.Sleep(20 * time.Millisecond)
		out, err := p.Invoke(context.Background(), "fast", nil)
		assert.NoError(t, err)
		mu.Lock()
		results["fast"] = out
		mu.Unlock()
	}()
	wg.Wait()

	assert.Equal(t, "slow", results["slow"])
	assert.Equal(t, "fast", results["fast"])
}

func TestPeerTransportDeathFailsPendingCalls(t *testing.T) {
	transport := newScriptedTransport(nil)
	transport.handler = func(method string, id int64, _ map[string]any) [][]byte {
		if method == "initialize" {
			return [][]byte{respResult(id, map[string]any{})}
		}
		// Drop everything else and die.
		_ = transport.Close()
		return nil
	}
	p := testPeer(t, transport)

	_, err := p.Discover(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.Contains(t, err.Error(), "connection closed")
}

func TestPeerTerminateIsIdempotent(t *testing.T) {
	transport := newScriptedTransport(initOKHandler(nil))
	p := testPeer(t, transport)

	_, err := p.Discover(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Terminate())
	require.NoError(t, p.Terminate())
	assert.Equal(t, StateTerminated, p.State())

	_, err = p.Discover(context.Background())
	assert.ErrorIs(t, err, ErrPeerTerminated)
}

func TestPeerDialFailure(t *testing.T) {
	p := NewPeer(Config{
		Command: "missing-server",
		dial:    func() (Transport, error) { return nil, fmt.Errorf("exec: not found") },
	}, nil)

	_, err := p.Discover(context.Background())
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, StateTerminated, p.State())
}
