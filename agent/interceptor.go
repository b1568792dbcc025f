package agent

import (
	"context"
	"strings"

	"github.com/sudalk/nanobot/core"
	"github.com/sudalk/nanobot/logging"
	"github.com/sudalk/nanobot/tool"
)

// InterceptResult is an interceptor's verdict on an inbound message. When
// Handled is set the loop skips the generic model iteration and uses Response
// directly; UserTurn, when non-empty, replaces the message content in the
// persisted user turn.
type InterceptResult struct {
	Handled  bool
	Response string
	UserTurn string
}

// Interceptor is a pre-dispatch policy hook evaluated before the generic
// loop. An error means "this shortcut failed, fall through" — it is logged
// and never aborts the cycle.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, msg core.InboundMessage) (InterceptResult, error)
}

// VisionInterceptor short-circuits messages carrying media to a dedicated
// image-understanding capability, when one is registered.
type VisionInterceptor struct {
	registry *tool.Registry
	toolName string
}

// NewVisionInterceptor routes media-bearing messages to toolName.
func NewVisionInterceptor(registry *tool.Registry, toolName string) *VisionInterceptor {
	return &VisionInterceptor{registry: registry, toolName: toolName}
}

// Name implements Interceptor.
func (v *VisionInterceptor) Name() string { return "vision" }

// Intercept implements Interceptor.
func (v *VisionInterceptor) Intercept(ctx context.Context, msg core.InboundMessage) (InterceptResult, error) {
	if len(msg.Media) == 0 {
		return InterceptResult{}, nil
	}
	capability, err := v.registry.Get(v.toolName)
	if err != nil {
		return InterceptResult{}, nil
	}

	prompt := msg.Content
	if prompt == "" {
		prompt = "Describe this image"
	}
	result, err := capability.Execute(ctx, map[string]any{
		"prompt":       prompt,
		"image_source": msg.Media[0],
	})
	if err != nil {
		return InterceptResult{}, err
	}

	userTurn := "[image]"
	if msg.Content != "" {
		userTurn = "[image] " + msg.Content
	}
	return InterceptResult{Handled: true, Response: result, UserTurn: userTurn}, nil
}

// defaultSearchKeywords trigger direct routing to a search capability.
var defaultSearchKeywords = []string{"search", "find", "look up", "latest", "news"}

// SearchInterceptor routes obvious search queries straight to a dedicated
// search capability instead of burning a model iteration on the decision.
type SearchInterceptor struct {
	registry *tool.Registry
	toolName string
	keywords []string
}

// NewSearchInterceptor routes keyword-matching messages to toolName. Nil
// keywords selects the default set.
func NewSearchInterceptor(registry *tool.Registry, toolName string, keywords []string) *SearchInterceptor {
	if keywords == nil {
		keywords = defaultSearchKeywords
	}
	return &SearchInterceptor{registry: registry, toolName: toolName, keywords: keywords}
}

// Name implements Interceptor.
func (s *SearchInterceptor) Name() string { return "search" }

// Intercept implements Interceptor.
func (s *SearchInterceptor) Intercept(ctx context.Context, msg core.InboundMessage) (InterceptResult, error) {
	content := strings.ToLower(msg.Content)
	matched := false
	for _, kw := range s.keywords {
		if strings.Contains(content, kw) {
			matched = true
			break
		}
	}
	if !matched {
		return InterceptResult{}, nil
	}
	capability, err := s.registry.Get(s.toolName)
	if err != nil {
		return InterceptResult{}, nil
	}

	result, err := capability.Execute(ctx, map[string]any{"query": msg.Content})
	if err != nil {
		return InterceptResult{}, err
	}
	return InterceptResult{Handled: true, Response: result}, nil
}

// runInterceptors evaluates the chain in order. The first handled result
// wins; failures fall through to the next interceptor and finally to the
// generic loop.
func runInterceptors(ctx context.Context, interceptors []Interceptor, msg core.InboundMessage, logger logging.Logger) (InterceptResult, bool) {
	for _, ic := range interceptors {
		res, err := ic.Intercept(ctx, msg)
		if err != nil {
			logger.Warn("agent.interceptor.failed", "interceptor", ic.Name(), "error", err.Error())
			continue
		}
		if res.Handled {
			logger.Info("agent.interceptor.handled", "interceptor", ic.Name())
			return res, true
		}
	}
	return InterceptResult{}, false
}
