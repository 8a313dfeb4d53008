// Package providers holds the per-role capability interfaces consumed by
// call sessions and their vendor implementations.
package providers

import (
	"context"
	"encoding/json"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a conversation context.
type Message struct {
	Role    string
	Content string
	// ToolCalls are the calls an assistant message requested.
	ToolCalls []ToolCall
	// ToolCallID ties a tool message to the call it answers.
	ToolCallID string
	// Name is the tool name on tool messages.
	Name string
}

// ToolCall is a function call requested by a model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSpec describes a callable function to a model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// realtimeTool is the flat function schema used by realtime sessions.
type realtimeTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// chatTool is the nested function schema used by chat completions.
type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func toRealtimeTools(specs []ToolSpec) []realtimeTool {
	out := make([]realtimeTool, 0, len(specs))
	for _, s := range specs {
		out = append(out, realtimeTool{Type: "function", Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}

func toChatTools(specs []ToolSpec) []chatTool {
	out := make([]chatTool, 0, len(specs))
	for _, s := range specs {
		out = append(out, chatTool{Type: "function", Function: chatFunction{Name: s.Name, Description: s.Description, Parameters: s.Parameters}})
	}
	return out
}

func contextError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
