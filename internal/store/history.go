package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	_ "modernc.org/sqlite"
)

// DefaultHistoryCap is the number of decisions kept per scope.
const DefaultHistoryCap = 100

// HistoryStore implements HistoryRepository using SQLite.
type HistoryStore struct {
	db    *sql.DB
	limit int
	mu    sync.Mutex // append and trim run as one unit
}

// NewHistoryStore opens (or creates) the decision history database.
func NewHistoryStore(dbPath string, capPerScope int) (*HistoryStore, error) {
	if capPerScope <= 0 {
		capPerScope = DefaultHistoryCap
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &HistoryStore{db: db, limit: capPerScope}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *HistoryStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS decision_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scope_key TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		summary TEXT NOT NULL,
		project_key TEXT NOT NULL,
		decision TEXT NOT NULL,
		result_key TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_decision_history_scope ON decision_history(scope_key, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append adds an entry and trims the scope to the newest cap entries.
func (s *HistoryStore) Append(ctx context.Context, scopeKey string, entry domain.DecisionHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withBusyRetry(ctx, "append decision", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var resultKey any
		if entry.ResultKey != "" {
			resultKey = entry.ResultKey
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO decision_history (scope_key, created_at, summary, project_key, decision, result_key)
			VALUES (?, ?, ?, ?, ?, ?)`,
			scopeKey, entry.Timestamp.UnixMilli(), entry.Summary, entry.ProjectKey, string(entry.Decision), resultKey,
		); err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM decision_history
			WHERE scope_key = ? AND id NOT IN (
				SELECT id FROM decision_history WHERE scope_key = ? ORDER BY id DESC LIMIT ?
			)`, scopeKey, scopeKey, s.limit,
		); err != nil {
			return fmt.Errorf("trim decisions: %w", err)
		}

		return tx.Commit()
	})
}

// List returns a scope's entries, oldest first.
func (s *HistoryStore) List(ctx context.Context, scopeKey string) ([]domain.DecisionHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, summary, project_key, decision, result_key
		FROM decision_history WHERE scope_key = ? ORDER BY id ASC`, scopeKey)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close decision rows", "error", closeErr)
		}
	}()

	var entries []domain.DecisionHistoryEntry
	for rows.Next() {
		var e domain.DecisionHistoryEntry
		var createdAt int64
		var decision string
		var resultKey sql.NullString
		if err := rows.Scan(&createdAt, &e.Summary, &e.ProjectKey, &decision, &resultKey); err != nil {
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		e.Timestamp = time.UnixMilli(createdAt)
		e.Decision = domain.Decision(decision)
		e.ResultKey = resultKey.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return entries, nil
}

// Scopes returns every scope that has history, sorted.
func (s *HistoryStore) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope_key FROM decision_history ORDER BY scope_key`)
	if err != nil {
		return nil, fmt.Errorf("query scopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
