package stream

import (
	"github.com/ashureev/agentrelay/internal/agent"
)

// SessionIDExtractor pulls a session id out of one known event shape.
type SessionIDExtractor func(agent.RawEvent) string

// SessionIDExtractors are tried in order; the first non-empty result wins.
var SessionIDExtractors = []SessionIDExtractor{
	field("session_id"),
	field("sessionId"),
	nested("options", "session_id"),
	nested("options", "sessionId"),
	nested("metadata", "session_id"),
	nested("metadata", "sessionId"),
}

// SessionID returns the session id carried by ev, if any.
func SessionID(ev agent.RawEvent) (string, bool) {
	if ev == nil {
		return "", false
	}
	for _, extract := range SessionIDExtractors {
		if id := extract(ev); id != "" {
			return id, true
		}
	}
	return "", false
}

func field(key string) SessionIDExtractor {
	return func(ev agent.RawEvent) string { return ev.String(key) }
}

func nested(parent, key string) SessionIDExtractor {
	return func(ev agent.RawEvent) string {
		if m := ev.Map(parent); m != nil {
			return m.String(key)
		}
		return ""
	}
}
