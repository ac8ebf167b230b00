// Package approval turns agent-proposed tickets into previews that a human
// creates, skips or sends back for a new proposal.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/errlog"
	"github.com/ashureev/agentrelay/internal/exchange"
	"github.com/ashureev/agentrelay/internal/store"
)

// ErrNotFound is returned by Decide for unknown or already resolved previews.
var ErrNotFound = errors.New("no pending approval for artifact")

const (
	defaultWindow     = 24 * time.Hour
	duplicatePrefix   = 50
	defaultCreateTurn = 5
)

var resultKeyPattern = regexp.MustCompile(`[A-Z][A-Z0-9]+-\d+`)

// Decisions offered on every preview.
var Decisions = []domain.Decision{domain.DecisionCreated, domain.DecisionSkipped, domain.DecisionEdited}

// Runner runs one exchange. *exchange.Coordinator implements it.
type Runner interface {
	RunExchange(ctx context.Context, scopeKey, prompt string, prior []domain.Turn, p exchange.Presenter, ro exchange.RunOptions) (*domain.ExchangeResult, error)
}

// PreviewPresenter is implemented by presenters that render previews with
// decision controls. Others receive the preview as a primary artifact.
type PreviewPresenter interface {
	ShowPreview(ctx context.Context, proposal domain.TicketProposal, decisions []domain.Decision) (string, error)
}

// Outcome reports what a decision did.
type Outcome struct {
	ScopeKey  string                 `json:"scope_key"`
	Decision  domain.Decision        `json:"decision"`
	Proposal  domain.TicketProposal  `json:"proposal"`
	ResultKey string                 `json:"result_key,omitempty"`
	Result    *domain.ExchangeResult `json:"result,omitempty"`
}

type pendingApproval struct {
	scopeKey  string
	proposal  domain.TicketProposal
	createdAt time.Time
}

// Workflow holds pending previews in memory. It is safe for concurrent use.
type Workflow struct {
	runner      Runner
	history     store.HistoryRepository
	window      time.Duration
	createTurns int
	now         func() time.Time
	logger      *slog.Logger
	errors      errlog.Recorder

	mu      sync.Mutex
	pending map[string]pendingApproval
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithDuplicateWindow sets how far back duplicate suppression looks.
func WithDuplicateWindow(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.window = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithErrorLog records failures to r.
func WithErrorLog(r errlog.Recorder) Option {
	return func(w *Workflow) {
		if r != nil {
			w.errors = r
		}
	}
}

// New creates a workflow.
func New(runner Runner, history store.HistoryRepository, opts ...Option) *Workflow {
	w := &Workflow{
		runner:      runner,
		history:     history,
		window:      defaultWindow,
		createTurns: defaultCreateTurn,
		now:         time.Now,
		logger:      slog.Default(),
		errors:      errlog.Nop{},
		pending:     make(map[string]pendingApproval),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// ProposeActions asks the agent for ticket proposals for request. When the
// response cannot be parsed, request is run directly with the caller's
// presenter and an empty list is returned.
func (w *Workflow) ProposeActions(ctx context.Context, scopeKey, request string, p exchange.Presenter) ([]domain.TicketProposal, error) {
	res, err := w.runner.RunExchange(ctx, scopeKey, analysisPrompt(request), nil, quietPresenter{p}, exchange.RunOptions{})
	if err != nil {
		return nil, fmt.Errorf("proposal exchange: %w", err)
	}

	proposals, err := ParseProposals(res.Text)
	if err != nil {
		w.logger.Info("No structured proposals, running request directly", "scope", scopeKey, "reason", err)
		if _, err := w.runner.RunExchange(ctx, scopeKey, directPrompt(request), nil, p, exchange.RunOptions{}); err != nil {
			return nil, fmt.Errorf("direct exchange: %w", err)
		}
		return []domain.TicketProposal{}, nil
	}

	for i := range proposals {
		if proposals[i].ID == "" {
			proposals[i].ID = uuid.NewString()
		}
	}
	w.logger.Info("Agent proposed tickets", "scope", scopeKey, "count", len(proposals))
	return proposals, nil
}

// Review presents every proposal that is not a duplicate and returns the
// preview artifact ids in order.
func (w *Workflow) Review(ctx context.Context, scopeKey string, proposals []domain.TicketProposal, p exchange.Presenter) ([]string, error) {
	var ids []string
	for _, proposal := range proposals {
		dup, err := w.IsDuplicate(ctx, scopeKey, proposal.Summary)
		if err != nil {
			return ids, err
		}
		if dup {
			w.logger.Info("Skipping duplicate proposal", "scope", scopeKey, "summary", proposal.Summary)
			if err := p.Notify(ctx, exchange.CategoryInfo, "Skipped a ticket that was already handled recently: "+proposal.Summary); err != nil {
				w.logger.Warn("Failed to send notice", "error", err)
			}
			continue
		}
		id, err := w.Present(ctx, scopeKey, proposal, p)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IsDuplicate reports whether a decision or an open preview in this scope
// within the duplicate window has a summary containing the first 50
// characters of summary, ignoring case.
func (w *Workflow) IsDuplicate(ctx context.Context, scopeKey, summary string) (bool, error) {
	needle := strings.ToLower(strings.TrimSpace(summary))
	if r := []rune(needle); len(r) > duplicatePrefix {
		needle = string(r[:duplicatePrefix])
	}
	if needle == "" {
		return false, nil
	}
	now := w.now()

	entries, err := w.history.List(ctx, scopeKey)
	if err != nil {
		return false, fmt.Errorf("load decision history: %w", err)
	}
	for _, e := range entries {
		if now.Sub(e.Timestamp) <= w.window && strings.Contains(strings.ToLower(e.Summary), needle) {
			return true, nil
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, pa := range w.pending {
		if pa.scopeKey == scopeKey && now.Sub(pa.createdAt) <= w.window &&
			strings.Contains(strings.ToLower(pa.proposal.Summary), needle) {
			return true, nil
		}
	}
	return false, nil
}

// Present shows a preview of proposal and records it as pending under the
// artifact id the presenter returned.
func (w *Workflow) Present(ctx context.Context, scopeKey string, proposal domain.TicketProposal, p exchange.Presenter) (string, error) {
	proposal.Normalize()
	if proposal.ID == "" {
		proposal.ID = uuid.NewString()
	}

	var (
		artifactID string
		err        error
	)
	if pp, ok := p.(PreviewPresenter); ok {
		artifactID, err = pp.ShowPreview(ctx, proposal, Decisions)
	} else {
		artifactID, err = p.UpsertPrimary(ctx, "", RenderPreview(proposal))
	}
	if err != nil {
		return "", fmt.Errorf("show preview: %w", err)
	}
	if artifactID == "" {
		return "", errors.New("show preview: presenter returned no artifact id")
	}

	w.mu.Lock()
	w.pending[artifactID] = pendingApproval{scopeKey: scopeKey, proposal: proposal, createdAt: w.now()}
	w.mu.Unlock()

	w.logger.Info("Ticket preview shown", "scope", scopeKey, "artifact_id", artifactID, "proposal_id", proposal.ID)
	return artifactID, nil
}

// Pending returns the open proposal for a preview, if any.
func (w *Workflow) Pending(artifactID string) (domain.TicketProposal, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pa, ok := w.pending[artifactID]
	return pa.proposal, ok
}

// ScopeOf returns the scope an open preview belongs to.
func (w *Workflow) ScopeOf(artifactID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	pa, ok := w.pending[artifactID]
	return pa.scopeKey, ok
}

// Decide resolves a preview. The pending entry is removed before anything
// runs, so a repeated decision for the same artifact returns ErrNotFound
// without side effects.
func (w *Workflow) Decide(ctx context.Context, artifactID string, decision domain.Decision, p exchange.Presenter) (Outcome, error) {
	if !decision.Valid() {
		return Outcome{}, fmt.Errorf("unknown decision %q", decision)
	}

	w.mu.Lock()
	pa, ok := w.pending[artifactID]
	delete(w.pending, artifactID)
	w.mu.Unlock()
	if !ok {
		return Outcome{}, ErrNotFound
	}

	out := Outcome{ScopeKey: pa.scopeKey, Decision: decision, Proposal: pa.proposal}
	logger := w.logger.With("scope", pa.scopeKey, "artifact_id", artifactID, "decision", decision)

	switch decision {
	case domain.DecisionCreated:
		res, err := w.runner.RunExchange(ctx, pa.scopeKey, creationPrompt(pa.proposal), nil, p,
			exchange.RunOptions{MaxTurns: w.createTurns})
		if err != nil {
			w.errors.Log("ticket_create", err, map[string]any{"scope": pa.scopeKey, "summary": pa.proposal.Summary})
			return out, fmt.Errorf("create ticket: %w", err)
		}
		out.Result = res
		out.ResultKey = LastResultKey(res.Text)
		if err := w.record(ctx, pa, domain.DecisionCreated, out.ResultKey); err != nil {
			return out, err
		}
		logger.Info("Ticket created", "result_key", out.ResultKey)

	case domain.DecisionSkipped:
		if err := w.record(ctx, pa, domain.DecisionSkipped, ""); err != nil {
			return out, err
		}
		logger.Info("Ticket skipped")

	case domain.DecisionEdited:
		logger.Info("Ticket sent back for a new proposal")
	}
	return out, nil
}

func (w *Workflow) record(ctx context.Context, pa pendingApproval, decision domain.Decision, key string) error {
	entry := domain.DecisionHistoryEntry{
		Timestamp:  w.now(),
		Summary:    pa.proposal.Summary,
		ProjectKey: pa.proposal.ProjectKey,
		Decision:   decision,
		ResultKey:  key,
	}
	if err := w.history.Append(ctx, pa.scopeKey, entry); err != nil {
		w.errors.Log("history_append", err, map[string]any{"scope": pa.scopeKey, "decision": decision})
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// LastResultKey returns the last issue-key-like token in text.
func LastResultKey(text string) string {
	matches := resultKeyPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// quietPresenter hides the primary response of the proposal exchange, which
// is raw JSON, while keeping status, notices and typing.
type quietPresenter struct {
	exchange.Presenter
}

func (quietPresenter) UpsertPrimary(_ context.Context, id, _ string) (string, error) {
	return id, nil
}
