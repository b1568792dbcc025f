package agent

import (
	"fmt"

	"github.com/sudalk/nanobot/core"
	"github.com/sudalk/nanobot/session"
)

// ContextBuilder assembles the provider-facing message list for one cycle:
// optional system prompt, persisted history, then the new user turn.
type ContextBuilder struct {
	systemPrompt string
}

// NewContextBuilder creates a builder with the given system prompt. An empty
// prompt omits the system turn entirely.
func NewContextBuilder(systemPrompt string) *ContextBuilder {
	return &ContextBuilder{systemPrompt: systemPrompt}
}

// BuildMessages produces the initial message list for a cycle. Media on the
// current message is attached to the user turn for multimodal providers.
func (b *ContextBuilder) BuildMessages(history []session.Turn, content string, media []string) []core.ChatMessage {
	messages := make([]core.ChatMessage, 0, len(history)+2)
	if b.systemPrompt != "" {
		messages = append(messages, core.ChatMessage{Role: "system", Content: b.systemPrompt})
	}
	for _, turn := range history {
		messages = append(messages, core.ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, core.ChatMessage{
		Role:    "user",
		Content: content,
		Media:   media,
	})
	return messages
}

// AddAssistantToolCalls appends the assistant turn carrying the model's tool
// call requests, each with its arguments re-serialized to a JSON string.
func (b *ContextBuilder) AddAssistantToolCalls(messages []core.ChatMessage, content string, calls []core.ToolCall) []core.ChatMessage {
	payloads := make([]core.ToolCallPayload, len(calls))
	for i, tc := range calls {
		payloads[i] = core.NewToolCallPayload(tc)
	}
	return append(messages, core.ChatMessage{
		Role:      "assistant",
		Content:   content,
		ToolCalls: payloads,
	})
}

// AddToolResult appends one tool-result turn correlated to its call id.
func (b *ContextBuilder) AddToolResult(messages []core.ChatMessage, callID, toolName, result string) []core.ChatMessage {
	return append(messages, core.ChatMessage{
		Role:       "tool",
		Content:    result,
		ToolCallID: callID,
		ToolName:   toolName,
	})
}

// systemTurnText is the persisted user-turn form of a system announcement.
func systemTurnText(senderID, content string) string {
	return fmt.Sprintf("[System: %s] %s", senderID, content)
}
