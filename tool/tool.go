// Package tool implements the capability subsystem that lets the agent invoke
// structured tools (APIs, computations, side-effects) with schema described
// arguments and consistent error handling. The Registry owns name based
// dispatch and converts capability failures into textual results the model
// can react to.
package tool

import (
	"context"
	"fmt"
)

// Tool is a named, schema-described unit of executable behavior invocable by
// the model.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define a JSON schema for parameters
//   - Be safe for concurrent use
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description is provided to the LLM so it can decide when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Execute runs the tool with decoded arguments and returns a textual
	// result for inclusion in conversation context.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ContextAware is an optional secondary interface for tools that need to know
// the conversation they are serving (e.g. to route task updates or outbound
// messages back to the right chat). The agent loop checks for it with an
// interface assertion before each cycle.
type ContextAware interface {
	SetContext(channel, chatID string)
}

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}
