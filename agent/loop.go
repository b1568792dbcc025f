// Package agent implements the orchestration loop: it turns one inbound
// message into one outbound response by iterating model calls and tool
// executions until the model produces a final answer or the iteration budget
// runs out.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/sudalk/nanobot/core"
	"github.com/sudalk/nanobot/logging"
	"github.com/sudalk/nanobot/provider"
	"github.com/sudalk/nanobot/session"
	"github.com/sudalk/nanobot/tool"
)

// DefaultMaxIterations bounds the model-call/tool-dispatch cycle. The cap is
// a liveness guard: hitting it yields the fallback content, not an error.
const DefaultMaxIterations = 20

// fallbackContent is returned when the iteration budget is exhausted without
// a final answer.
const fallbackContent = "I've completed processing but have no response to give."

// systemFallbackContent closes a system-announcement cycle that produced no
// final answer.
const systemFallbackContent = "Background task completed."

// ModelAlias maps a short model nickname to a concrete provider name and
// model identifier.
type ModelAlias struct {
	Provider string
	Model    string
}

// Config wires the loop's collaborators. Providers is keyed by provider name;
// DefaultProvider must be a key of Providers.
type Config struct {
	Providers       map[string]provider.Provider
	DefaultProvider string
	DefaultModel    string
	Aliases         map[string]ModelAlias

	Registry     *tool.Registry
	Store        session.Store
	Context      *ContextBuilder
	Interceptors []Interceptor

	MaxIterations int
	Logger        logging.Logger
}

// Loop is the agent orchestrator. One Process call handles one inbound
// message; calls for different sessions may run concurrently.
type Loop struct {
	providers       map[string]provider.Provider
	defaultProvider provider.Provider
	defaultModel    string
	aliases         map[string]ModelAlias

	registry     *tool.Registry
	store        session.Store
	context      *ContextBuilder
	interceptors []Interceptor

	maxIterations int
	logger        logging.Logger
}

// NewLoop validates the configuration and constructs the orchestrator.
func NewLoop(cfg Config) (*Loop, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("agent: at least one provider is required")
	}
	def, ok := cfg.Providers[cfg.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("agent: default provider %q not configured", cfg.DefaultProvider)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("agent: tool registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("agent: session store is required")
	}
	if cfg.Context == nil {
		cfg.Context = NewContextBuilder("")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Loop{
		providers:       cfg.Providers,
		defaultProvider: def,
		defaultModel:    cfg.DefaultModel,
		aliases:         cfg.Aliases,
		registry:        cfg.Registry,
		store:           cfg.Store,
		context:         cfg.Context,
		interceptors:    cfg.Interceptors,
		maxIterations:   cfg.MaxIterations,
		logger:          logging.OrNoOp(cfg.Logger),
	}, nil
}

// resolveModel maps a model alias to a provider instance and a concrete model
// id. It is a pure function of the alias and the configured provider set: an
// unknown alias falls back to the default provider with the alias passed
// through as a raw model identifier.
func (l *Loop) resolveModel(alias string) (provider.Provider, string) {
	if alias == "" {
		return l.defaultProvider, l.defaultModel
	}
	if mapped, ok := l.aliases[strings.ToLower(alias)]; ok {
		if p, ok := l.providers[mapped.Provider]; ok {
			return p, mapped.Model
		}
		l.logger.Warn("agent.model.provider_missing", "alias", alias, "provider", mapped.Provider)
		return l.defaultProvider, mapped.Model
	}
	return l.defaultProvider, alias
}

// Process handles one inbound message and returns the routed response. A
// provider failure or any unexpected cycle error is returned to the caller;
// the bus boundary converts it into the user-visible apology.
func (l *Loop) Process(ctx context.Context, msg core.InboundMessage) (core.OutboundMessage, error) {
	if msg.Channel == core.SystemChannel {
		return l.processSystem(ctx, msg)
	}

	l.logger.Info("agent.process", "channel", msg.Channel, "sender", msg.SenderID)

	prov, model := l.resolveModel(msg.Model)
	sess, err := l.store.GetOrCreate(msg.SessionKey())
	if err != nil {
		return core.OutboundMessage{}, fmt.Errorf("load session: %w", err)
	}

	l.registry.SetContext(msg.Channel, msg.ChatID)

	userTurn := msg.Content
	var final string
	if res, handled := runInterceptors(ctx, l.interceptors, msg, l.logger); handled {
		final = res.Response
		if res.UserTurn != "" {
			userTurn = res.UserTurn
		}
	} else {
		messages := l.context.BuildMessages(sess.History(), msg.Content, msg.Media)
		final, err = l.iterate(ctx, prov, model, messages, fallbackContent)
		if err != nil {
			return core.OutboundMessage{}, err
		}
	}

	if err := l.persist(sess, userTurn, final); err != nil {
		return core.OutboundMessage{}, err
	}
	return core.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: final,
	}, nil
}

// processSystem handles a background announcement: the ChatID encodes the
// real destination, and the response is routed there.
func (l *Loop) processSystem(ctx context.Context, msg core.InboundMessage) (core.OutboundMessage, error) {
	originChannel, originChatID := core.ParseSystemOrigin(msg.ChatID)
	l.logger.Info("agent.process.system", "sender", msg.SenderID, "origin_channel", originChannel)

	prov, model := l.resolveModel(msg.Model)
	sess, err := l.store.GetOrCreate(core.SessionKey(originChannel, originChatID))
	if err != nil {
		return core.OutboundMessage{}, fmt.Errorf("load session: %w", err)
	}

	l.registry.SetContext(originChannel, originChatID)

	messages := l.context.BuildMessages(sess.History(), msg.Content, nil)
	final, err := l.iterate(ctx, prov, model, messages, systemFallbackContent)
	if err != nil {
		return core.OutboundMessage{}, err
	}

	if err := l.persist(sess, systemTurnText(msg.SenderID, msg.Content), final); err != nil {
		return core.OutboundMessage{}, err
	}
	return core.OutboundMessage{
		Channel: originChannel,
		ChatID:  originChatID,
		Content: final,
	}, nil
}

// iterate runs the model-call/tool-dispatch cycle until the model answers
// without tool calls or the budget runs out. Tool calls execute sequentially
// in provider order; each result is folded back into context tagged with its
// originating call id before the next model invocation.
func (l *Loop) iterate(ctx context.Context, prov provider.Provider, model string, messages []core.ChatMessage, fallback string) (string, error) {
	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		resp, err := prov.Chat(ctx, messages, l.registry.Definitions(), model)
		if err != nil {
			return "", fmt.Errorf("provider %s: %w", prov.Name(), err)
		}

		if !resp.HasToolCalls() {
			l.logger.Info("agent.cycle.done", "iterations", iteration)
			return resp.Content, nil
		}

		l.logger.Debug("agent.cycle.tool_calls", "iteration", iteration, "count", len(resp.ToolCalls))
		messages = l.context.AddAssistantToolCalls(messages, resp.Content, resp.ToolCalls)
		for _, call := range resp.ToolCalls {
			result := l.registry.Execute(ctx, call.Name, call.Arguments)
			messages = l.context.AddToolResult(messages, call.ID, call.Name, result)
		}
	}

	l.logger.Warn("agent.cycle.budget_exhausted", "max_iterations", l.maxIterations)
	return fallback, nil
}

// persist appends exactly the user turn and the final assistant turn,
// unconditionally, fallback path included.
func (l *Loop) persist(sess *session.Session, userTurn, final string) error {
	sess.Append("user", userTurn)
	sess.Append("assistant", final)
	if err := l.store.Save(sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// DirectOptions tune ProcessDirect; zero values select CLI defaults.
type DirectOptions struct {
	Channel string
	ChatID  string
	Media   []string
	Model   string
}

// ProcessDirect handles a message outside any bus, for CLI or scheduled
// usage, and returns the final content.
func (l *Loop) ProcessDirect(ctx context.Context, content string, opts DirectOptions) (string, error) {
	if opts.Channel == "" {
		opts.Channel = core.DefaultChannel
	}
	if opts.ChatID == "" {
		opts.ChatID = "direct"
	}
	out, err := l.Process(ctx, core.InboundMessage{
		Channel:  opts.Channel,
		SenderID: "user",
		ChatID:   opts.ChatID,
		Content:  content,
		Media:    opts.Media,
		Model:    opts.Model,
	})
	if err != nil {
		return "", err
	}
	return out.Content, nil
}
