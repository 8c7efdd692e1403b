package types

import (
	"strings"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolErrorPrefix marks failed tool output for vendors whose wire format has
// no dedicated error flag on tool results.
const ToolErrorPrefix = "error: "

// Message is a vendor-neutral conversation entry.
//
// An assistant message with ToolName set announces a tool call rather than
// carrying prose. A tool message must carry ToolCallID.
type Message struct {
	ID            string `json:"id"`
	Role          Role   `json:"role"`
	Content       string `json:"content"`
	ToolCallID    string `json:"tool_call_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	ToolArguments string `json:"tool_arguments,omitempty"`
	IsError       bool   `json:"is_error,omitempty"`
}

// NewMessage builds a plain message with a fresh id.
func NewMessage(role Role, content string) Message {
	return Message{ID: uuid.NewString(), Role: role, Content: content}
}

// ToolCallMessage builds the assistant announcement of a tool call.
func ToolCallMessage(callID, name, arguments string) Message {
	return Message{
		ID:            uuid.NewString(),
		Role:          RoleAssistant,
		ToolCallID:    callID,
		ToolName:      name,
		ToolArguments: arguments,
	}
}

// ToolResultMessage builds the tool-role reply for a call. The error flag is
// kept as a field; vendors without one get the prefix applied at encode time.
func ToolResultMessage(callID, name, output string, isError bool) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		Content:    output,
		ToolCallID: callID,
		ToolName:   name,
		IsError:    isError,
	}
}

// IsToolCall reports whether m is an assistant tool-call announcement.
func (m Message) IsToolCall() bool {
	return m.Role == RoleAssistant && strings.TrimSpace(m.ToolName) != ""
}

// ToolFailed reports whether a tool message carries an error result. Messages
// persisted before the explicit flag existed are recognised by their prefix.
func (m Message) ToolFailed() bool {
	return m.IsError || strings.HasPrefix(m.Content, ToolErrorPrefix)
}

// ToolOutput returns the tool result text without any legacy error prefix.
func (m Message) ToolOutput() string {
	if m.IsError {
		return m.Content
	}
	return strings.TrimPrefix(m.Content, ToolErrorPrefix)
}

// PrefixedToolOutput renders the result for wire formats that signal failure
// inside the content string.
func (m Message) PrefixedToolOutput() string {
	out := m.ToolOutput()
	if m.ToolFailed() {
		return ToolErrorPrefix + out
	}
	return out
}

// ToolSpec describes a callable tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	ServerID    string         `json:"server_id,omitempty"`
}

// Schema returns the input schema, defaulting to an empty object schema.
func (t ToolSpec) Schema() map[string]any {
	if len(t.InputSchema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.InputSchema
}
