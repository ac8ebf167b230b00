package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/moby/sys/atomicwriter"
)

const (
	sessionFileVersion = "1.0"

	// DefaultSessionMaxAge is how long a session stays resumable.
	DefaultSessionMaxAge = 7 * 24 * time.Hour
)

// Validation reasons.
const (
	ReasonMissing       = "no session or session id"
	ReasonInvalidFormat = "invalid uuid format"
)

// Lexical UUID v4 check: version nibble 4, RFC 4122 variant, case-insensitive.
var sessionIDPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// sessionFile is the on-disk layout. Sessions are [scopeKey, record] pairs.
type sessionFile struct {
	Version  string            `json:"version"`
	SavedAt  string            `json:"savedAt"`
	Sessions []json.RawMessage `json:"sessions"`
}

// storedSession is the persisted form of a record. lastActivity is epoch ms
// and kept for older readers; lastActivityAt carries full precision and wins
// on load when present.
type storedSession struct {
	SessionID      string `json:"sessionId"`
	LastActivity   int64  `json:"lastActivity"`
	LastActivityAt string `json:"lastActivityAt,omitempty"`
	MessageCount   int    `json:"messageCount"`
	ChannelName    string `json:"channelName,omitempty"`
	GuildName      string `json:"guildName,omitempty"`
}

// SessionStore is a file-backed SessionRepository. Every mutation rewrites
// the whole file through a temp file and rename.
type SessionStore struct {
	mu          sync.RWMutex
	path        string
	sessions    map[string]domain.SessionRecord
	maxAge      time.Duration
	now         func() time.Time
	logger      *slog.Logger
	loadWarning error
}

// SessionStoreOption configures a SessionStore.
type SessionStoreOption func(*SessionStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) SessionStoreOption {
	return func(s *SessionStore) { s.now = now }
}

// WithMaxAge overrides the resumable window.
func WithMaxAge(d time.Duration) SessionStoreOption {
	return func(s *SessionStore) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithLogger sets the logger used for load warnings.
func WithLogger(logger *slog.Logger) SessionStoreOption {
	return func(s *SessionStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSessionStore opens the session file at path. A missing or unreadable
// file yields an empty store; see LoadWarning.
func NewSessionStore(path string, opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{
		path:     path,
		sessions: make(map[string]domain.SessionRecord),
		maxAge:   DefaultSessionMaxAge,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.load()
	return s
}

// LoadWarning returns the problem encountered while loading, if any.
func (s *SessionStore) LoadWarning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadWarning
}

func (s *SessionStore) load() {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.loadWarning = fmt.Errorf("session file %s does not exist", s.path)
		s.logger.Info("No session file found, starting empty", "path", s.path)
		return
	}
	if err != nil {
		s.loadWarning = fmt.Errorf("read session file: %w", err)
		s.logger.Warn("Failed to read session file, starting empty", "path", s.path, "error", err)
		return
	}

	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		// The corrupt file is left in place for manual recovery.
		s.loadWarning = fmt.Errorf("parse session file: %w", err)
		s.logger.Warn("Session file is corrupt, starting empty", "path", s.path, "error", err)
		return
	}

	skipped := 0
	for _, raw := range file.Sessions {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			skipped++
			continue
		}
		var scopeKey string
		var stored storedSession
		if json.Unmarshal(pair[0], &scopeKey) != nil || json.Unmarshal(pair[1], &stored) != nil {
			skipped++
			continue
		}
		s.sessions[scopeKey] = stored.record()
	}
	if skipped > 0 {
		s.loadWarning = fmt.Errorf("skipped %d malformed session entries", skipped)
		s.logger.Warn("Skipped malformed session entries", "path", s.path, "skipped", skipped)
	}
	s.logger.Info("Sessions loaded", "path", s.path, "count", len(s.sessions))
}

// Get returns the record for a scope.
func (s *SessionStore) Get(scopeKey string) (domain.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[scopeKey]
	return rec, ok
}

// Put stores a record and persists immediately. On a failed write the
// in-memory state is left untouched.
func (s *SessionStore) Put(scopeKey string, record domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	next[scopeKey] = record
	return s.commitLocked(next)
}

// Delete removes a record. The file is only rewritten when something changed.
func (s *SessionStore) Delete(scopeKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[scopeKey]; !ok {
		return false, nil
	}
	next := s.cloneLocked()
	delete(next, scopeKey)
	if err := s.commitLocked(next); err != nil {
		return false, err
	}
	return true, nil
}

// Validate checks the session id format first and then its age.
func (s *SessionStore) Validate(record *domain.SessionRecord) domain.Validation {
	if record == nil || record.SessionID == "" {
		return domain.Validation{Reason: ReasonMissing}
	}
	if !sessionIDPattern.MatchString(record.SessionID) {
		return domain.Validation{Reason: ReasonInvalidFormat}
	}
	age := record.Age(s.now())
	if age >= s.maxAge {
		return domain.Validation{Reason: fmt.Sprintf("session too old (%d days)", int(age/(24*time.Hour)))}
	}
	return domain.Validation{Valid: true, AgeHours: int(age / time.Hour)}
}

// SweepExpired removes every record whose age has reached the maximum.
func (s *SessionStore) SweepExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := s.cloneLocked()
	removed := 0
	for key, rec := range next {
		if rec.Age(now) >= s.maxAge {
			delete(next, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.commitLocked(next); err != nil {
		return 0, err
	}
	return removed, nil
}

// List returns all sessions ordered by scope key.
func (s *SessionStore) List() []domain.ScopedSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ScopedSession, 0, len(s.sessions))
	for key, rec := range s.sessions {
		out = append(out, domain.ScopedSession{ScopeKey: key, SessionRecord: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopeKey < out[j].ScopeKey })
	return out
}

// Clear removes every session and returns how many were dropped.
func (s *SessionStore) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sessions)
	if err := s.commitLocked(make(map[string]domain.SessionRecord)); err != nil {
		return 0, err
	}
	return n, nil
}

// Count returns the number of stored sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionStore) cloneLocked() map[string]domain.SessionRecord {
	next := make(map[string]domain.SessionRecord, len(s.sessions)+1)
	for key, rec := range s.sessions {
		next[key] = rec
	}
	return next
}

// commitLocked writes next to disk and only then makes it the live state.
func (s *SessionStore) commitLocked(next map[string]domain.SessionRecord) error {
	if err := s.writeLocked(next); err != nil {
		return err
	}
	s.sessions = next
	return nil
}

func (s *SessionStore) writeLocked(sessions map[string]domain.SessionRecord) error {
	keys := make([]string, 0, len(sessions))
	for key := range sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	file := sessionFile{
		Version:  sessionFileVersion,
		SavedAt:  s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Sessions: make([]json.RawMessage, 0, len(keys)),
	}
	for _, key := range keys {
		pair, err := json.Marshal([]any{key, newStoredSession(sessions[key])})
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", key, err)
		}
		file.Sessions = append(file.Sessions, pair)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session file: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func newStoredSession(r domain.SessionRecord) storedSession {
	return storedSession{
		SessionID:      r.SessionID,
		LastActivity:   r.LastActivityAt.UnixMilli(),
		LastActivityAt: r.LastActivityAt.UTC().Format(time.RFC3339Nano),
		MessageCount:   r.ExchangeCount,
		ChannelName:    r.ChannelName,
		GuildName:      r.GuildName,
	}
}

func (s storedSession) record() domain.SessionRecord {
	last := time.UnixMilli(s.LastActivity)
	if s.LastActivityAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, s.LastActivityAt); err == nil {
			last = t
		}
	}
	return domain.SessionRecord{
		SessionID:      s.SessionID,
		LastActivityAt: last,
		ExchangeCount:  s.MessageCount,
		ChannelName:    s.ChannelName,
		GuildName:      s.GuildName,
	}
}
