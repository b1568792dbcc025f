// Package openai implements provider.Provider on the OpenAI Chat Completions
// API, including function/tool calling. It adapts the runtime's normalized
// chat messages into the SDK's message unions and back.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/sudalk/nanobot/core"
	"github.com/sudalk/nanobot/logging"
	"github.com/sudalk/nanobot/provider"
)

// Options configure the OpenAI adapter. Fields mirror a minimal subset of
// Chat Completion parameters; extend via functional options without breaking
// callers.
type Options struct {
	DefaultModel        string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
	BaseURL             string
}

// Provider wraps the OpenAI Chat Completions API behind provider.Provider.
type Provider struct {
	client openai.Client
	opts   Options
	logger logging.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New creates an OpenAI provider using the official client.
func New(logger logging.Logger, optFns ...func(o *Options)) *Provider {
	opts := Options{
		DefaultModel:        openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &Provider{
		client: openai.NewClient(clientOpts...),
		opts:   opts,
		logger: logging.OrNoOp(logger),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "openai" }

// Chat implements provider.Provider via a non-streaming completion.
func (p *Provider) Chat(
	ctx context.Context,
	messages []core.ChatMessage,
	tools []core.ToolDefinition,
	model string,
) (*provider.Response, error) {
	if model == "" {
		model = p.opts.DefaultModel
	}

	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(messages),
		Model:               model,
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(p.opts.MaxCompletionTokens),
	}
	if len(tools) > 0 {
		params.Tools = buildTools(tools)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.ErrNoCompletion
	}

	choice := resp.Choices[0]
	out := &provider.Response{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments, p.logger),
		})
	}
	return out, nil
}

// buildMessages converts normalized chat messages into OpenAI message unions.
// Tool results follow their assistant tool-call turn in the input slice
// already, so the order carries over directly.
func buildMessages(messages []core.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: buildToolCalls(m.ToolCalls),
				},
			})
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func buildToolCalls(calls []core.ToolCallPayload) []openai.ChatCompletionMessageToolCallParam {
	out := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
	for i, tc := range calls {
		out[i] = openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}
	}
	return out
}

func buildTools(defs []core.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(defs))
	for i, def := range defs {
		out[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  def.Parameters,
			},
		}
	}
	return out
}

// decodeArguments parses the model's argument string. Malformed JSON becomes
// an empty argument map; the tool's own validation reports the gap.
func decodeArguments(raw string, logger logging.Logger) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		logger.Warn("openai.arguments.malformed", "error", err.Error())
		return map[string]any{}
	}
	return args
}
