// Package store provides persistence for session identity and decision history.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/agentrelay/internal/domain"
)

// ErrNotFound is returned when a lookup has no matching row.
var ErrNotFound = errors.New("not found")

// SessionRepository is the durable scope → session mapping.
type SessionRepository interface {
	// Get returns the record for a scope, if any.
	Get(scopeKey string) (domain.SessionRecord, bool)

	// Put stores a record and persists the whole map atomically.
	Put(scopeKey string, record domain.SessionRecord) error

	// Delete removes a record and reports whether one existed.
	Delete(scopeKey string) (bool, error)

	// Validate checks whether a record may be resumed.
	Validate(record *domain.SessionRecord) domain.Validation

	// SweepExpired removes every record past the maximum age.
	SweepExpired() (int, error)
}

// HistoryRepository is the append-only per-scope decision log.
type HistoryRepository interface {
	// Append adds an entry, evicting the oldest beyond the per-scope cap.
	Append(ctx context.Context, scopeKey string, entry domain.DecisionHistoryEntry) error

	// List returns entries for a scope, oldest first.
	List(ctx context.Context, scopeKey string) ([]domain.DecisionHistoryEntry, error)

	// Close releases the underlying database.
	Close() error
}
