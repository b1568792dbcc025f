// Package anthropic implements provider.Provider on the Anthropic Messages
// API, including tool use.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/sudalk/nanobot/core"
	"github.com/sudalk/nanobot/logging"
	"github.com/sudalk/nanobot/provider"
)

// Options configures the Anthropic adapter (default model id, temperature,
// max tokens, API key).
type Options struct {
	DefaultModel string
	Temperature  float64
	MaxTokens    int64
	APIKey       string
}

// Provider wraps the Anthropic Messages API behind provider.Provider.
type Provider struct {
	client anthropic.Client
	opts   Options
	logger logging.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates an Anthropic provider using the official client.
func New(logger logging.Logger, optFns ...func(o *Options)) *Provider {
	opts := Options{
		DefaultModel: string(anthropic.ModelClaude3_5Sonnet20241022),
		Temperature:  0.7,
		MaxTokens:    4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	return &Provider{
		client: anthropic.NewClient(clientOpts...),
		opts:   opts,
		logger: logging.OrNoOp(logger),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Chat implements provider.Provider via a non-streaming Messages call.
func (p *Provider) Chat(
	ctx context.Context,
	messages []core.ChatMessage,
	tools []core.ToolDefinition,
	model string,
) (*provider.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.opts.DefaultModel),
		Messages:    buildMessages(messages),
		MaxTokens:   p.opts.MaxTokens,
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if model != "" {
		params.Model = anthropic.Model(model)
	}
	if system := extractSystem(messages); len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = buildTools(tools)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, provider.ErrNoCompletion
	}

	out := &provider.Response{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text := block.AsText()
			if out.Content != "" && text.Text != "" {
				out.Content += "\n"
			}
			out.Content += text.Text
		case "tool_use":
			toolUse := block.AsToolUse()
			out.ToolCalls = append(out.ToolCalls, core.ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: decodeInput(toolUse.Input, p.logger),
			})
		}
	}
	return out, nil
}

// buildMessages converts normalized chat messages into Anthropic messages.
// Assistant tool calls become tool_use blocks; tool results become user
// messages carrying tool_result blocks, which is the shape the Messages API
// requires.
func buildMessages(messages []core.ChatMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			continue // carried in params.System
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						input = tc.Function.Arguments
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		default:
			if m.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		}
	}
	return out
}

func extractSystem(messages []core.ChatMessage) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, m := range messages {
		if m.Role == "system" && m.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return blocks
}

func buildTools(defs []core.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if def.Parameters != nil {
			if properties, ok := def.Parameters["properties"]; ok {
				schema.Properties = properties
			}
			schema.Required = requiredStrings(def.Parameters["required"])
		}
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: schema,
			},
		}
	}
	return out
}

// requiredStrings tolerates both []string and the []any a JSON decode yields.
func requiredStrings(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// decodeInput normalizes the SDK's raw tool input into an argument map.
func decodeInput(input json.RawMessage, logger logging.Logger) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		logger.Warn("anthropic.arguments.malformed", "error", err.Error())
		return map[string]any{}
	}
	return args
}
