package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/ashureev/agentrelay/internal/agent"
)

// Classifier turns raw agent events into classified events.
type Classifier struct {
	logger *slog.Logger
}

// NewClassifier creates a classifier. A nil logger uses slog.Default.
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger}
}

// Classify consumes raw in order and yields classified events.
//
// When raw fails with agent.ErrIncompleteEvent after at least one text delta
// or tool result was seen, a single recoverable StreamError is yielded and
// consumption continues. Without prior content, or for any other error, the
// error is yielded unchanged and the sequence ends.
func (c *Classifier) Classify(ctx context.Context, raw iter.Seq2[agent.RawEvent, error]) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		var window recent
		processed := 0
		sawContent := false

		for ev, err := range raw {
			if err != nil {
				if errors.Is(err, agent.ErrIncompleteEvent) && sawContent {
					c.logger.Warn("Agent stream ended mid-event, keeping partial results", "events", processed)
					if !yield(Event{Type: TypeStreamError, Error: &StreamError{
						Message:     err.Error(),
						Recoverable: true,
						EventCount:  processed,
					}}, nil) {
						return
					}
					continue
				}
				if ctx.Err() == nil {
					c.logger.Error("Agent stream failed",
						"error", err,
						"events", processed,
						"content_seen", sawContent,
						"recent", window.list(),
					)
				}
				yield(Event{}, err)
				return
			}

			processed++
			window.add(describe(ev))

			for _, out := range classifyOne(ev) {
				if out.Type == TypeTextDelta || out.Type == TypeToolResult {
					sawContent = true
				}
				if !yield(out, nil) {
					return
				}
			}
		}
	}
}

// classifyOne maps one raw event to zero or more classified events. Events
// without presentable content become a single TypeSystem event.
func classifyOne(ev agent.RawEvent) []Event {
	var out []Event
	switch ev.Type() {
	case "assistant":
		out = assistantEvents(ev)
	case "user":
		out = toolResultBlocks(ev)
	case "tool":
		if ev.String("subtype") == "result" {
			out = append(out, toolResultEvent(ev, ev.String("tool_use_id")))
		}
	case "permission_request":
		out = append(out, permissionEvent(ev))
	case "system":
		if ev.String("subtype") == "permission_request" {
			out = append(out, permissionEvent(ev))
		}
	case "error":
		out = append(out, Event{Type: TypeStreamError, Error: &StreamError{Message: errorMessage(ev)}})
	}

	if len(out) == 0 {
		return []Event{{Type: TypeSystem, Raw: ev}}
	}
	for i := range out {
		out[i].Raw = ev
	}
	return out
}

func assistantEvents(ev agent.RawEvent) []Event {
	switch ev.String("subtype") {
	case "text":
		if text := ev.String("text"); text != "" {
			return []Event{{Type: TypeTextDelta, Text: &TextDelta{Text: text}}}
		}
		return nil
	case "tool_use":
		return []Event{{Type: TypeToolInvoked, Tool: &ToolInvoked{
			Name: ev.String("name"),
			ID:   firstNonEmpty(ev.String("tool_use_id"), ev.String("id")),
		}}}
	}

	var out []Event
	for _, block := range ev.Map("message").Items("content") {
		switch block.Type() {
		case "text":
			if text := block.String("text"); text != "" {
				out = append(out, Event{Type: TypeTextDelta, Text: &TextDelta{Text: text}})
			}
		case "tool_use":
			out = append(out, Event{Type: TypeToolInvoked, Tool: &ToolInvoked{
				Name: block.String("name"),
				ID:   block.String("id"),
			}})
		}
	}
	return out
}

func toolResultBlocks(ev agent.RawEvent) []Event {
	var out []Event
	for _, block := range ev.Map("message").Items("content") {
		if block.Type() == "tool_result" {
			out = append(out, toolResultEvent(block, block.String("tool_use_id")))
		}
	}
	return out
}

func toolResultEvent(block agent.RawEvent, id string) Event {
	output := resultText(block["content"])
	return Event{Type: TypeToolResult, Result: &ToolResult{
		ToolID:     id,
		OK:         !block.Bool("is_error"),
		Output:     output,
		OutputSize: len(output),
	}}
}

// resultText flattens tool result content, which is either a string or a
// list of text blocks.
func resultText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			if m, ok := item.(map[string]any); ok {
				if s, ok := m["text"].(string); ok {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	default:
		return fmt.Sprint(c)
	}
}

func permissionEvent(ev agent.RawEvent) Event {
	content := firstNonEmpty(ev.String("content"), ev.String("message"))
	if content == "" {
		if tool := ev.String("tool_name"); tool != "" {
			content = "Permission requested to use " + tool
		} else {
			content = "Permission requested"
		}
	}
	return Event{Type: TypePermissionRequest, Permission: &PermissionRequest{Content: content}}
}

func errorMessage(ev agent.RawEvent) string {
	if m := ev.Map("error"); m != nil {
		if msg := m.String("message"); msg != "" {
			return msg
		}
	}
	if msg := firstNonEmpty(ev.String("error"), ev.String("message")); msg != "" {
		return msg
	}
	return "agent reported an error"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
