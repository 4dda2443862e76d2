// Package backend defines the polymorphic LLM backend contract and the
// normalized message/tool/event types every backend variant speaks.
package backend

import (
	"context"
	"encoding/json"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the normalized conversation message. It is mutated only by
// appending during the tool loop and is discarded at request end.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolSchema describes a callable tool: its name, description, and a
// JSON-schema-like input shape. Converted on demand to each backend's wire
// shape; never mutated after being fetched from MCP.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCall is a single tool invocation requested by the model. Arguments is
// always a parsed JSON object, never a raw string. ID is either the
// provider's native id or a generated, prefix-tagged identifier (e.g.
// "xml_..." for calls extracted from text).
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Provider  string          `json:"provider,omitempty"`
	Raw       string          `json:"raw,omitempty"`
}

// ToolResultError describes why a tool call failed.
type ToolResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolResult is the outcome of executing a ToolCall. Every ToolCall has
// exactly one matching ToolResult with an identical ID by the end of a loop
// turn.
type ToolResult struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	OK      bool             `json:"ok"`
	Content any              `json:"content,omitempty"`
	Error   *ToolResultError `json:"error,omitempty"`
}

// Usage reports token accounting for a completed stream.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Config carries the per-request, immutable generation parameters.
type Config struct {
	Model       string         `json:"model"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Tools       []ToolSchema   `json:"tools,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// EventType tags the variant carried by a StreamEvent.
type EventType string

const (
	EventDelta    EventType = "delta"
	EventToolCall EventType = "tool_call"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// StreamEvent is a tagged-union event produced by a backend and consumed by
// the tool loop. Exactly one of the variant fields is meaningful, selected
// by Type.
type StreamEvent struct {
	Type EventType

	// Delta
	Text string

	// ToolCall
	ToolCall *ToolCall

	// Done
	StopReason string
	Usage      *Usage
	Model      string

	// Error
	ErrMessage string
	ErrCode    string
}

// Health reports the outcome of a backend health probe.
type Health struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Backend is the polymorphic streaming chat contract every LLM provider
// variant implements. Implementations must be safe for concurrent use: the
// registry may call StreamChat for many in-flight requests simultaneously.
type Backend interface {
	// Name returns the stable, lowercase backend identifier used for
	// routing, logging, and configuration.
	Name() string

	// SupportsNativeTools reports whether this backend emits tool_call
	// stream events natively. If false, the tool loop must extract tool
	// calls embedded in assistant text via the XML tool parser.
	SupportsNativeTools() bool

	// DefaultModel returns the model used when a request does not specify
	// one.
	DefaultModel() string

	// StreamChat opens a streaming completion. Events are emitted in
	// arrival order; a Done event is terminal. After an Error event the
	// backend may or may not emit further events — callers must treat
	// Error as terminal-for-this-turn.
	StreamChat(ctx context.Context, messages []Message, cfg Config) (<-chan StreamEvent, error)

	// Health performs a bounded liveness probe.
	Health(ctx context.Context) Health
}
