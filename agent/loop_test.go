package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudalk/nanobot/core"
	"github.com/sudalk/nanobot/provider"
	"github.com/sudalk/nanobot/session"
	"github.com/sudalk/nanobot/tool"
)

// stubProvider replays a scripted sequence of responses and records every
// call it receives.
type stubProvider struct {
	name      string
	responses []*provider.Response
	err       error

	calls   int
	models  []string
	history [][]core.ChatMessage
}

func (s *stubProvider) Name() string {
	if s.name == "" {
		return "stub"
	}
	return s.name
}

func (s *stubProvider) Chat(_ context.Context, messages []core.ChatMessage, _ []core.ToolDefinition, model string) (*provider.Response, error) {
	s.calls++
	s.models = append(s.models, model)
	snapshot := make([]core.ChatMessage, len(messages))
	copy(snapshot, messages)
	s.history = append(s.history, snapshot)

	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &provider.Response{Content: "default"}, nil
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

// echoTool records invocations and echoes its argument.
type echoTool struct {
	name     string
	executed []map[string]any
	channel  string
	chatID   string
}

func (e *echoTool) Name() string                { return e.name }
func (e *echoTool) Description() string         { return "echoes input" }
func (e *echoTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }
func (e *echoTool) SetContext(ch, chat string)  { e.channel, e.chatID = ch, chat }
func (e *echoTool) Execute(_ context.Context, args map[string]any) (string, error) {
	e.executed = append(e.executed, args)
	return fmt.Sprintf("echo:%v", args["value"]), nil
}

func toolCallResponse(calls ...core.ToolCall) *provider.Response {
	return &provider.Response{ToolCalls: calls}
}

func newTestLoop(t *testing.T, prov *stubProvider, opts func(*Config)) (*Loop, *session.InMemoryStore, *echoTool) {
	t.Helper()
	registry := tool.NewRegistry(nil)
	echo := &echoTool{name: "echo"}
	registry.Register(echo)

	store := session.NewInMemoryStore()
	cfg := Config{
		Providers:       map[string]provider.Provider{"stub": prov},
		DefaultProvider: "stub",
		DefaultModel:    "stub-model",
		Registry:        registry,
		Store:           store,
	}
	if opts != nil {
		opts(&cfg)
	}
	loop, err := NewLoop(cfg)
	require.NoError(t, err)
	return loop, store, echo
}

func TestLoopToolRoundsThenFinalContent(t *testing.T) {
	prov := &stubProvider{responses: []*provider.Response{
		toolCallResponse(core.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"value": "one"}}),
		toolCallResponse(core.ToolCall{ID: "c2", Name: "echo", Arguments: map[string]any{"value": "two"}}),
		{Content: "all done"},
	}}
	loop, store, echo := newTestLoop(t, prov, nil)

	out, err := loop.Process(context.Background(), core.InboundMessage{
		Channel: "web", SenderID: "u1", ChatID: "42", Content: "do the thing",
	})
	require.NoError(t, err)
	assert.Equal(t, "all done", out.Content)
	assert.Equal(t, "web", out.Channel)
	assert.Equal(t, "42", out.ChatID)
	assert.Equal(t, 3, prov.calls)
	require.Len(t, echo.executed, 2)

	// Exactly one user and one assistant turn persist; intermediate tool
	// turns stay in the provider-facing context only.
	sess, err := store.GetOrCreate("web:42")
	require.NoError(t, err)
	turns := sess.History()
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "do the thing", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, "all done", turns[1].Content)

	// The second provider call sees the assistant tool-call turn plus the
	// correlated tool result.
	second := prov.history[1]
	require.Len(t, second, 3)
	require.Len(t, second[1].ToolCalls, 1)
	assert.Equal(t, "c1", second[1].ToolCalls[0].ID)
	assert.Equal(t, "tool", second[2].Role)
	assert.Equal(t, "c1", second[2].ToolCallID)
	assert.Equal(t, "echo:one", second[2].Content)
}

func TestLoopIterationBudgetFallback(t *testing.T) {
	prov := &stubProvider{responses: []*provider.Response{
		toolCallResponse(core.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"value": "loop"}}),
	}}
	loop, store, _ := newTestLoop(t, prov, func(cfg *Config) {
		cfg.MaxIterations = 3
	})

	out, err := loop.Process(context.Background(), core.InboundMessage{
		Channel: "web", SenderID: "u1", ChatID: "42", Content: "spin",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, prov.calls)
	assert.Equal(t, "I've completed processing but have no response to give.", out.Content)

	sess, _ := store.GetOrCreate("web:42")
	require.Len(t, sess.History(), 2)
	assert.Equal(t, out.Content, sess.History()[1].Content)
}

func TestLoopSystemChannelRouting(t *testing.T) {
	prov := &stubProvider{responses: []*provider.Response{{Content: "noted"}}}
	loop, store, echo := newTestLoop(t, prov, nil)

	out, err := loop.Process(context.Background(), core.InboundMessage{
		Channel:  core.SystemChannel,
		SenderID: "task-7",
		ChatID:   "web:abc123",
		Content:  "extraction finished",
	})
	require.NoError(t, err)
	assert.Equal(t, "web", out.Channel)
	assert.Equal(t, "abc123", out.ChatID)
	assert.Equal(t, "web", echo.channel)
	assert.Equal(t, "abc123", echo.chatID)

	sess, _ := store.GetOrCreate("web:abc123")
	require.Len(t, sess.History(), 2)
	assert.Equal(t, "[System: task-7] extraction finished", sess.History()[0].Content)
}

func TestLoopSystemChannelWithoutColonFallsBackToCLI(t *testing.T) {
	prov := &stubProvider{responses: []*provider.Response{{Content: "ok"}}}
	loop, _, _ := newTestLoop(t, prov, nil)

	out, err := loop.Process(context.Background(), core.InboundMessage{
		Channel: core.SystemChannel,
		ChatID:  "abc123",
		Content: "done",
	})
	require.NoError(t, err)
	assert.Equal(t, core.DefaultChannel, out.Channel)
	assert.Equal(t, "abc123", out.ChatID)
}

func TestLoopProviderErrorPropagates(t *testing.T) {
	prov := &stubProvider{err: errors.New("connection reset")}
	loop, store, _ := newTestLoop(t, prov, nil)

	_, err := loop.Process(context.Background(), core.InboundMessage{
		Channel: "web", ChatID: "42", Content: "hi",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	// Nothing persists on a failed cycle.
	sess, _ := store.GetOrCreate("web:42")
	assert.Zero(t, sess.Len())
}

func TestResolveModel(t *testing.T) {
	def := &stubProvider{name: "default"}
	fast := &stubProvider{name: "fast"}
	loop, err := NewLoop(Config{
		Providers:       map[string]provider.Provider{"default": def, "fast": fast},
		DefaultProvider: "default",
		DefaultModel:    "base-model",
		Aliases: map[string]ModelAlias{
			"quick":  {Provider: "fast", Model: "fast-model-v2"},
			"broken": {Provider: "missing", Model: "mapped-model"},
		},
		Registry: tool.NewRegistry(nil),
		Store:    session.NewInMemoryStore(),
	})
	require.NoError(t, err)

	tests := []struct {
		alias        string
		wantProvider string
		wantModel    string
	}{
		{"", "default", "base-model"},
		{"quick", "fast", "fast-model-v2"},
		{"QUICK", "fast", "fast-model-v2"},
		{"broken", "default", "mapped-model"},
		{"gpt-4o", "default", "gpt-4o"},
	}
	for _, tt := range tests {
		t.Run("alias_"+tt.alias, func(t *testing.T) {
			p, model := loop.resolveModel(tt.alias)
			assert.Equal(t, tt.wantProvider, p.(*stubProvider).Name())
			assert.Equal(t, tt.wantModel, model)
		})
	}
}

func TestProcessDirect(t *testing.T) {
	prov := &stubProvider{responses: []*provider.Response{{Content: "direct answer"}}}
	loop, store, _ := newTestLoop(t, prov, nil)

	out, err := loop.ProcessDirect(context.Background(), "hello", DirectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "direct answer", out)

	sess, _ := store.GetOrCreate("cli:direct")
	assert.Equal(t, 2, sess.Len())
}

func TestNewLoopValidation(t *testing.T) {
	_, err := NewLoop(Config{})
	assert.Error(t, err)

	_, err = NewLoop(Config{
		Providers:       map[string]provider.Provider{"stub": &stubProvider{}},
		DefaultProvider: "other",
	})
	assert.Error(t, err)
}
