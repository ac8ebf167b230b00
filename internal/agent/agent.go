// Package agent is the boundary to the tool-using agent backend. Every
// transport exposes the same pull-based stream of opaque event records.
package agent

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrIncompleteEvent means the transport ended in the middle of an event.
	ErrIncompleteEvent = errors.New("stream ended before a complete event")

	// ErrResumeRejected means the backend refused the requested resume target.
	ErrResumeRejected = errors.New("resume target rejected")
)

// Request is one outbound exchange.
type Request struct {
	Prompt   string
	Resume   string // session id to continue; empty starts a fresh session
	MaxTurns int
	Timeout  time.Duration
}

// Service streams raw events for a request. The sequence is lazy, finite and
// cannot be restarted; it must stop promptly once ctx is cancelled.
type Service interface {
	Query(ctx context.Context, req Request) iter.Seq2[RawEvent, error]
}

// RawEvent is a generic key-value view of one agent event.
type RawEvent map[string]any

// Type returns the event's "type" field.
func (e RawEvent) Type() string { return e.String("type") }

// String returns a string field or "".
func (e RawEvent) String(key string) string {
	if v, ok := e[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns a boolean field or false.
func (e RawEvent) Bool(key string) bool {
	v, _ := e[key].(bool)
	return v
}

// Map returns a nested object field or nil.
func (e RawEvent) Map(key string) RawEvent {
	switch v := e[key].(type) {
	case map[string]any:
		return RawEvent(v)
	case RawEvent:
		return v
	}
	return nil
}

// Items returns a nested array of objects, skipping non-object elements.
func (e RawEvent) Items(key string) []RawEvent {
	arr, ok := e[key].([]any)
	if !ok {
		return nil
	}
	out := make([]RawEvent, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, RawEvent(m))
		}
	}
	return out
}

// withTimeout bounds ctx by the request budget when one is set.
func withTimeout(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if req.Timeout > 0 {
		return context.WithTimeout(ctx, req.Timeout)
	}
	return context.WithCancel(ctx)
}
