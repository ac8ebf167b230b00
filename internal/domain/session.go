// Package domain contains core domain types for the agent relay.
package domain

import (
	"time"
)

// SessionRecord maps a conversation scope to a resumable agent session.
type SessionRecord struct {
	SessionID      string    `json:"session_id"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExchangeCount  int       `json:"exchange_count"`
	ChannelName    string    `json:"channel_name,omitempty"`
	GuildName      string    `json:"guild_name,omitempty"`
}

// Age returns how long ago the session was last active.
func (r *SessionRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.LastActivityAt)
}

// Touch bumps activity for a resumed session without changing its identity.
func (r *SessionRecord) Touch(now time.Time) {
	r.LastActivityAt = now
	r.ExchangeCount++
}

// ScopedSession pairs a record with its scope key for listings.
type ScopedSession struct {
	ScopeKey string `json:"scope_key"`
	SessionRecord
}

// Validation is the outcome of checking whether a record can be resumed.
type Validation struct {
	Valid    bool   `json:"valid"`
	Reason   string `json:"reason,omitempty"`
	AgeHours int    `json:"age_hours,omitempty"`
}
