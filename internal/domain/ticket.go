package domain

import (
	"time"
)

// Default values applied to proposals that omit optional fields.
const (
	DefaultPriority = "Medium"
)

// TicketProposal is an action the agent proposed and a human must approve.
type TicketProposal struct {
	ID          string   `json:"id"`
	ProjectKey  string   `json:"projectKey"`
	IssueType   string   `json:"issueType"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Assignee    string   `json:"assignee,omitempty"`
	Labels      []string `json:"labels"`
}

// Normalize fills absent optional fields with policy defaults.
func (p *TicketProposal) Normalize() {
	if p.Priority == "" {
		p.Priority = DefaultPriority
	}
	if p.Labels == nil {
		p.Labels = []string{}
	}
}

// Decision is a human verdict on a previewed proposal.
type Decision string

const (
	// DecisionCreated means the proposal was approved and executed.
	DecisionCreated Decision = "created"
	// DecisionSkipped means the proposal was dismissed.
	DecisionSkipped Decision = "skipped"
	// DecisionEdited means the human asked for a new proposal instead.
	DecisionEdited Decision = "edited"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionCreated, DecisionSkipped, DecisionEdited:
		return true
	}
	return false
}

// DecisionHistoryEntry is one row of the per-scope decision log.
type DecisionHistoryEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Summary    string    `json:"summary"`
	ProjectKey string    `json:"project_key"`
	Decision   Decision  `json:"decision"`
	ResultKey  string    `json:"result_key,omitempty"`
}
