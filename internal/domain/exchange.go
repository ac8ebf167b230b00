package domain

import (
	"time"
)

// Turn is one prior message rendered into a transcript.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolInvocation records a tool the agent called during an exchange.
type ToolInvocation struct {
	Name      string    `json:"name"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// ExchangeResult aggregates one exchange. It is never persisted.
type ExchangeResult struct {
	Text              string           `json:"text"`
	Tools             []ToolInvocation `json:"tools"`
	ErrorOccurred     bool             `json:"error_occurred"`
	CapturedSessionID string           `json:"captured_session_id,omitempty"`
	Partial           bool             `json:"partial,omitempty"`
	Resumed           bool             `json:"resumed,omitempty"`
	EventCount        int              `json:"event_count"`
}

// ToolNames returns tool names in invocation order.
func (r *ExchangeResult) ToolNames() []string {
	names := make([]string, 0, len(r.Tools))
	for _, t := range r.Tools {
		names = append(names, t.Name)
	}
	return names
}
