// Package provider abstracts chat-completion backends behind a single
// interface. Adapters translate the runtime's normalized conversation into
// each vendor SDK's message format and back.
package provider

import (
	"context"
	"errors"

	"github.com/sudalk/nanobot/core"
)

// ErrNoCompletion is returned when the backend answered without any usable
// choice or content block.
var ErrNoCompletion = errors.New("provider returned no completion")

// Response is one model turn: assistant text, tool call requests, or both.
type Response struct {
	Content   string
	ToolCalls []core.ToolCall
}

// HasToolCalls reports whether the model requested tool execution this turn.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Provider generates one assistant turn from the conversation so far. The
// model id selects a concrete model within the backend; tools are offered as
// function definitions the model may call.
type Provider interface {
	Name() string
	Chat(ctx context.Context, messages []core.ChatMessage, tools []core.ToolDefinition, model string) (*Response, error)
}
