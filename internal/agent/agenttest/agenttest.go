// Package agenttest provides scripted agent services for tests.
package agenttest

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/agent"
)

// Step is one scripted item: an optional delay followed by an event or error.
// A step with UntilDone blocks until the query context ends and then yields
// Err, or nothing when Err is nil.
type Step struct {
	Delay     time.Duration
	Event     agent.RawEvent
	Err       error
	UntilDone bool
}

// Script is a finite event sequence.
type Script []Step

// Service replays one script per Query call, in order. When the scripts run
// out, the last one is replayed. Requests are recorded.
type Service struct {
	mu       sync.Mutex
	scripts  []Script
	requests []agent.Request
}

// New returns a Service replaying scripts.
func New(scripts ...Script) *Service {
	return &Service{scripts: scripts}
}

// Requests returns the requests seen so far.
func (s *Service) Requests() []agent.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Query implements agent.Service.
func (s *Service) Query(ctx context.Context, req agent.Request) iter.Seq2[agent.RawEvent, error] {
	s.mu.Lock()
	idx := len(s.requests)
	s.requests = append(s.requests, req)
	var script Script
	if len(s.scripts) > 0 {
		if idx >= len(s.scripts) {
			idx = len(s.scripts) - 1
		}
		script = s.scripts[idx]
	}
	s.mu.Unlock()

	return func(yield func(agent.RawEvent, error) bool) {
		for _, step := range script {
			if step.UntilDone {
				<-ctx.Done()
				if step.Err != nil {
					yield(nil, step.Err)
				}
				return
			}
			if step.Delay > 0 {
				timer := time.NewTimer(step.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					yield(nil, ctx.Err())
					return
				case <-timer.C:
				}
			}
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if step.Err != nil {
				yield(nil, step.Err)
				return
			}
			if !yield(step.Event, nil) {
				return
			}
		}
	}
}

// Text is an assistant text event.
func Text(s string) Step {
	return Step{Event: agent.RawEvent{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{map[string]any{"type": "text", "text": s}},
		},
	}}
}

// ToolUse is an assistant tool invocation.
func ToolUse(name, id string) Step {
	return Step{Event: agent.RawEvent{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{map[string]any{"type": "tool_use", "name": name, "id": id}},
		},
	}}
}

// ToolResult is a tool result delivered back to the agent.
func ToolResult(id, output string, isError bool) Step {
	return Step{Event: agent.RawEvent{
		"type": "user",
		"message": map[string]any{
			"content": []any{map[string]any{
				"type": "tool_result", "tool_use_id": id, "content": output, "is_error": isError,
			}},
		},
	}}
}

// Init is the session-announcing system event.
func Init(sessionID string) Step {
	return Step{Event: agent.RawEvent{"type": "system", "subtype": "init", "session_id": sessionID}}
}

// Result is the terminal result event.
func Result(sessionID string) Step {
	return Step{Event: agent.RawEvent{"type": "result", "subtype": "success", "session_id": sessionID}}
}

// Fail ends the stream with err.
func Fail(err error) Step {
	return Step{Err: err}
}

// Hang blocks until the query context ends and then stops without an error.
func Hang() Step {
	return Step{UntilDone: true}
}

// FailOnCancel blocks until the query context ends and then fails with err,
// the way a killed subprocess leaves a truncated line behind.
func FailOnCancel(err error) Step {
	return Step{UntilDone: true, Err: err}
}

// After delays a step.
func After(d time.Duration, s Step) Step {
	s.Delay = d
	return s
}
