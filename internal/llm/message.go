package llm

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the provider-agnostic conversation entry used by executors.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model request to run a tool. Arguments is raw JSON.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Args decodes Arguments. Malformed or empty arguments decode to an empty map.
func (c ToolCall) Args() map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(c.Arguments) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(c.Arguments), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// Reply is one model turn. Err is set when the reply was synthesized
// because the endpoint could not be reached.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
	Err       error
}

// Message converts the reply to the assistant entry appended to a conversation.
func (r Reply) Message() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   r.Content,
		ToolCalls: append([]ToolCall(nil), r.ToolCalls...),
	}
}

func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// ToolResult answers one tool call.
func ToolResult(call ToolCall, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name}
}
