package core

import "encoding/json"

// ToolCall is a model-originated request to invoke a tool. The ID is opaque
// and only used to correlate the call with its result message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCallPayload is the serialized form of a tool call as it appears inside
// an assistant chat message: the arguments are carried as a JSON string, not
// a decoded object, matching the wire shape providers expect back.
type ToolCallPayload struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // always "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the function target and its serialized arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded argument object
}

// NewToolCallPayload serializes a ToolCall for inclusion in an assistant turn.
func NewToolCallPayload(tc ToolCall) ToolCallPayload {
	args, err := json.Marshal(tc.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	return ToolCallPayload{
		ID:   tc.ID,
		Type: "function",
		Function: ToolCallFunction{
			Name:      tc.Name,
			Arguments: string(args),
		},
	}
}

// ToolDefinition declaratively exposes a callable tool to the model provider.
// Parameters is a JSON Schema object (minimal subset).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatMessage is one provider-facing conversation message. Exactly one of the
// optional groups is populated depending on Role:
//
//	"system"/"user":  Content (user turns may carry Media)
//	"assistant":      Content and/or ToolCalls
//	"tool":           Content plus ToolCallID/ToolName correlating the result
type ChatMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	Media      []string          `json:"media,omitempty"`
	ToolCalls  []ToolCallPayload `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
}
