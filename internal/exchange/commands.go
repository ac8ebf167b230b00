package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/store"
)

// SessionAdmin is the session store surface used by operator commands.
type SessionAdmin interface {
	store.SessionRepository
	List() []domain.ScopedSession
	Count() int
}

// CommandResult is the reply to a recognized command.
type CommandResult struct {
	Command      string `json:"command"`
	Text         string `json:"text"`
	ClearContext bool   `json:"clear_context,omitempty"`
}

// Commands answers the built-in text commands that bypass the agent.
type Commands struct {
	sessions  SessionAdmin
	now       func() time.Time
	startedAt time.Time
}

// NewCommands creates a command handler. A nil now uses time.Now.
func NewCommands(sessions SessionAdmin, now func() time.Time) *Commands {
	if now == nil {
		now = time.Now
	}
	return &Commands{sessions: sessions, now: now, startedAt: now()}
}

const helpText = `Commands:
help - show this message
status - show relay status
session info - show the session for this conversation
reset session - forget this conversation's agent session
clear - clear the conversation context
list sessions - list all sessions (admin only)
Anything else is sent to the agent.`

// Handle runs text as a command. ok is false when text is not a command and
// should go to the agent.
func (c *Commands) Handle(scopeKey string, admin bool, text string) (res CommandResult, ok bool) {
	cmd := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "/")))
	cmd = strings.Join(strings.Fields(cmd), " ")

	switch cmd {
	case "help":
		return CommandResult{Command: cmd, Text: helpText}, true
	case "status":
		return CommandResult{Command: cmd, Text: c.status(scopeKey)}, true
	case "session info":
		return CommandResult{Command: cmd, Text: c.sessionInfo(scopeKey)}, true
	case "reset session":
		return CommandResult{Command: cmd, Text: c.reset(scopeKey)}, true
	case "clear":
		return CommandResult{Command: cmd, Text: "Conversation context cleared.", ClearContext: true}, true
	case "list sessions":
		if !admin {
			return CommandResult{Command: cmd, Text: "This command requires administrator permissions."}, true
		}
		return CommandResult{Command: cmd, Text: c.list()}, true
	}
	return CommandResult{}, false
}

func (c *Commands) status(scopeKey string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Relay online for %s\n", c.now().Sub(c.startedAt).Truncate(time.Second))
	fmt.Fprintf(&b, "Active sessions: %d\n", c.sessions.Count())
	if rec, ok := c.sessions.Get(scopeKey); ok {
		fmt.Fprintf(&b, "This conversation: session %s", short(rec.SessionID))
	} else {
		b.WriteString("This conversation: no session")
	}
	return b.String()
}

func (c *Commands) sessionInfo(scopeKey string) string {
	rec, ok := c.sessions.Get(scopeKey)
	if !ok {
		return "No active session for this conversation."
	}
	v := c.sessions.Validate(&rec)
	state := "valid"
	if !v.Valid {
		state = "invalid: " + v.Reason
	}
	return fmt.Sprintf("Session: %s\nStatus: %s\nLast activity: %s\nExchanges: %d",
		rec.SessionID, state, rec.LastActivityAt.UTC().Format(time.RFC3339), rec.ExchangeCount)
}

func (c *Commands) reset(scopeKey string) string {
	removed, err := c.sessions.Delete(scopeKey)
	switch {
	case err != nil:
		return "Failed to reset session: " + err.Error()
	case !removed:
		return "No session to reset."
	default:
		return "Session reset. The next message starts a new conversation."
	}
}

func (c *Commands) list() string {
	sessions := c.sessions.List()
	if len(sessions) == 0 {
		return "No active sessions."
	}
	now := c.now()
	var b strings.Builder
	fmt.Fprintf(&b, "Active sessions (%d):", len(sessions))
	for _, s := range sessions {
		name := s.ChannelName
		if name == "" {
			name = s.ScopeKey
		}
		fmt.Fprintf(&b, "\n%s: %s, %d exchanges, %.1fh old", name, short(s.SessionID), s.ExchangeCount, s.Age(now).Hours())
	}
	return b.String()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}
