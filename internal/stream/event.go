// Package stream classifies raw agent events into a small closed vocabulary
// and decides when a broken stream can be treated as a partial result.
package stream

import (
	"github.com/ashureev/agentrelay/internal/agent"
)

// Type identifies a classified event.
type Type string

const (
	// TypeTextDelta carries a piece of the agent's response text.
	TypeTextDelta Type = "text_delta"
	// TypeToolInvoked marks the agent calling a tool.
	TypeToolInvoked Type = "tool_invoked"
	// TypeToolResult carries a tool's outcome.
	TypeToolResult Type = "tool_result"
	// TypePermissionRequest asks the user to grant the agent a permission.
	TypePermissionRequest Type = "permission_request"
	// TypeStreamError reports a stream failure.
	TypeStreamError Type = "stream_error"
	// TypeSystem is any event without presentable content.
	TypeSystem Type = "system"
)

// Event is one classified event. Exactly one payload matching Type is set.
// Raw is the source record, kept for session id probing.
type Event struct {
	Type       Type
	Text       *TextDelta
	Tool       *ToolInvoked
	Result     *ToolResult
	Permission *PermissionRequest
	Error      *StreamError
	Raw        agent.RawEvent
}

// TextDelta is incremental response text.
type TextDelta struct {
	Text string
}

// ToolInvoked is a tool call.
type ToolInvoked struct {
	Name string
	ID   string
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	ToolID     string
	OK         bool
	Output     string
	OutputSize int
}

// PermissionRequest is surfaced verbatim to the user.
type PermissionRequest struct {
	Content string
}

// StreamError is an in-band stream failure. Recoverable errors carry the
// number of raw events processed before the failure.
type StreamError struct {
	Message     string
	Recoverable bool
	EventCount  int
}
