// Package exchange drives one agent exchange end to end: session resume,
// streaming presentation, timeout and the resume fallback.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/agentrelay/internal/agent"
	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/errlog"
	"github.com/ashureev/agentrelay/internal/store"
	"github.com/ashureev/agentrelay/internal/stream"
)

// Options tunes every exchange run by a Coordinator.
type Options struct {
	Timeout            time.Duration
	TypingInterval     time.Duration
	MaxArtifactChars   int
	MaxTurns           int
	MaxContextTurns    int
	StatusCleanupDelay time.Duration
}

// OptionsFromConfig copies the exchange settings.
func OptionsFromConfig(c config.ExchangeConfig) Options {
	return Options{
		Timeout:            c.Timeout,
		TypingInterval:     c.TypingInterval,
		MaxArtifactChars:   c.MaxArtifactChars,
		MaxTurns:           c.MaxTurns,
		MaxContextTurns:    c.MaxContextTurns,
		StatusCleanupDelay: c.StatusCleanupDelay,
	}
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 300 * time.Second
	}
	if o.TypingInterval <= 0 {
		o.TypingInterval = 5 * time.Second
	}
	if o.MaxArtifactChars <= 0 {
		o.MaxArtifactChars = 2000
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = 1
	}
	if o.MaxContextTurns <= 0 {
		o.MaxContextTurns = 10
	}
}

// RunOptions are per-call overrides. Zero values use the coordinator's
// Options. The display names are stored on newly created session records.
type RunOptions struct {
	Timeout     time.Duration
	MaxTurns    int
	ChannelName string
	GuildName   string
}

// Coordinator runs exchanges against an agent service. It assumes at most
// one in-flight exchange per scope; callers serialize with ScopeLocks.
type Coordinator struct {
	agent      agent.Service
	sessions   store.SessionRepository
	classifier *stream.Classifier
	opts       Options
	errors     errlog.Recorder
	logger     *slog.Logger
	now        func() time.Time

	cleanups sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for session bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithErrorLog records failures to r.
func WithErrorLog(r errlog.Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.errors = r
		}
	}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(svc agent.Service, sessions store.SessionRepository, opts Options, options ...Option) *Coordinator {
	opts.applyDefaults()
	c := &Coordinator{
		agent:    svc,
		sessions: sessions,
		opts:     opts,
		errors:   errlog.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range options {
		o(c)
	}
	c.classifier = stream.NewClassifier(c.logger)
	return c
}

// Wait blocks until scheduled status cleanups have run.
func (c *Coordinator) Wait() {
	c.cleanups.Wait()
}

// RunExchange runs prompt in scopeKey, resuming the stored session when it is
// still valid. Only ErrTimeout, *FatalError and caller cancellation are
// returned as errors; everything else is folded into the result and the
// presenter's notices.
func (c *Coordinator) RunExchange(ctx context.Context, scopeKey, prompt string, prior []domain.Turn, p Presenter, ro RunOptions) (*domain.ExchangeResult, error) {
	logger := c.logger.With("scope", scopeKey)
	out := &safePresenter{p: p, logger: logger}
	full := RenderTranscript(prior, prompt, c.opts.MaxContextTurns)

	resumeID := c.resumeTarget(scopeKey, logger)
	result, err := c.attempt(ctx, scopeKey, full, resumeID, out, ro, logger)
	if err != nil && resumeID != "" && ctx.Err() == nil && IsResumeRejection(err) {
		logger.Warn("Resume rejected, retrying with a fresh session", "session_id", resumeID, "error", err)
		if _, derr := c.sessions.Delete(scopeKey); derr != nil {
			logger.Error("Failed to delete rejected session", "error", derr)
			c.errors.Log("session_delete", derr, map[string]any{"scope": scopeKey})
		}
		result, err = c.attempt(ctx, scopeKey, full, "", out, ro, logger)
	}
	if err == nil {
		return result, nil
	}

	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case errors.Is(err, ErrTimeout):
		out.notify(context.WithoutCancel(ctx), CategoryTimeout, "The request took too long and was cancelled. Please try again.")
	default:
		out.notify(context.WithoutCancel(ctx), CategoryError, "Something went wrong: "+errorDetail(err))
	}
	c.errors.Log("exchange", err, map[string]any{
		"scope":   scopeKey,
		"resumed": result != nil && result.Resumed,
	})
	return result, err
}

// resumeTarget returns the stored session id when it may be resumed. Invalid
// records are deleted.
func (c *Coordinator) resumeTarget(scopeKey string, logger *slog.Logger) string {
	rec, ok := c.sessions.Get(scopeKey)
	if !ok {
		return ""
	}
	v := c.sessions.Validate(&rec)
	if !v.Valid {
		logger.Info("Discarding stored session", "session_id", rec.SessionID, "reason", v.Reason)
		if _, err := c.sessions.Delete(scopeKey); err != nil {
			logger.Error("Failed to delete invalid session", "error", err)
		}
		return ""
	}
	return rec.SessionID
}

func (c *Coordinator) attempt(ctx context.Context, scopeKey, prompt, resumeID string, out *safePresenter, ro RunOptions, logger *slog.Logger) (*domain.ExchangeResult, error) {
	timeout := c.opts.Timeout
	if ro.Timeout > 0 {
		timeout = ro.Timeout
	}
	maxTurns := c.opts.MaxTurns
	if ro.MaxTurns > 0 {
		maxTurns = ro.MaxTurns
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st := &exchangeState{
		out:      out,
		logger:   logger,
		now:      c.now,
		maxChars: c.opts.MaxArtifactChars,
	}
	st.result.Resumed = resumeID != ""
	defer func() { c.scheduleStatusCleanup(ctx, out, st.statusID) }()

	stopTyping := c.startTyping(runCtx, out)
	defer stopTyping()

	logger.Info("Starting exchange", "resume", resumeID != "", "timeout", timeout)
	req := agent.Request{Prompt: prompt, Resume: resumeID, MaxTurns: maxTurns, Timeout: timeout}

	var streamErr error
	for ev, err := range c.classifier.Classify(runCtx, c.agent.Query(runCtx, req)) {
		if err != nil {
			streamErr = err
			break
		}
		if err := st.handle(runCtx, ev); err != nil {
			streamErr = err
			break
		}
	}
	stopTyping()
	result := st.snapshot()

	// The deadline is judged on its own: a transport may end silently or
	// surface a truncated event once runCtx expires.
	timedOut := ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case timedOut:
		if result.Text == "" {
			return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		logger.Warn("Exchange timed out, returning partial response", "chars", utf8.RuneCountInString(result.Text))
		result.Partial = true
		out.notify(ctx, CategoryPartial, "The request took too long. Showing partial results.")
	case streamErr != nil:
		return result, fatal(streamErr)
	}

	c.writeBack(scopeKey, resumeID, result, ro, logger)
	logger.Info("Exchange complete",
		"events", result.EventCount,
		"tools", len(result.Tools),
		"error_occurred", result.ErrorOccurred,
		"partial", result.Partial,
	)
	return result, nil
}

// writeBack persists session state after a successful exchange.
func (c *Coordinator) writeBack(scopeKey, resumeID string, result *domain.ExchangeResult, ro RunOptions, logger *slog.Logger) {
	now := c.now()
	var rec domain.SessionRecord
	switch {
	case result.CapturedSessionID != "" && result.CapturedSessionID != resumeID:
		rec = domain.SessionRecord{
			SessionID:      result.CapturedSessionID,
			LastActivityAt: now,
			ExchangeCount:  result.EventCount,
			ChannelName:    ro.ChannelName,
			GuildName:      ro.GuildName,
		}
	case resumeID != "":
		existing, ok := c.sessions.Get(scopeKey)
		if ok && existing.SessionID == resumeID {
			rec = existing
		} else {
			rec = domain.SessionRecord{SessionID: resumeID, ChannelName: ro.ChannelName, GuildName: ro.GuildName}
		}
		rec.Touch(now)
	default:
		return
	}

	if err := c.sessions.Put(scopeKey, rec); err != nil {
		logger.Error("Failed to persist session", "session_id", rec.SessionID, "error", err)
		c.errors.Log("session_put", err, map[string]any{"scope": scopeKey, "session_id": rec.SessionID})
	}
}

func (c *Coordinator) startTyping(ctx context.Context, out *safePresenter) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := c.opts.TypingInterval

	go func() {
		defer close(done)
		out.sendTyping(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				out.sendTyping(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// scheduleStatusCleanup deletes the status artifact after the configured
// delay. It outlives ctx.
func (c *Coordinator) scheduleStatusCleanup(ctx context.Context, out *safePresenter, id string) {
	if id == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if c.opts.StatusCleanupDelay <= 0 {
		out.deleteArtifact(ctx, id)
		return
	}
	c.cleanups.Add(1)
	time.AfterFunc(c.opts.StatusCleanupDelay, func() {
		defer c.cleanups.Done()
		out.deleteArtifact(ctx, id)
	})
}

// exchangeState accumulates one attempt's output.
type exchangeState struct {
	out      *safePresenter
	logger   *slog.Logger
	now      func() time.Time
	maxChars int

	result    domain.ExchangeResult
	response  strings.Builder
	segment   strings.Builder
	primaryID string
	statusID  string
}

func (s *exchangeState) handle(ctx context.Context, ev stream.Event) error {
	if ev.Raw != nil {
		s.result.EventCount++
	}
	if s.result.CapturedSessionID == "" {
		if id, ok := stream.SessionID(ev.Raw); ok {
			s.result.CapturedSessionID = id
			s.logger.Debug("Captured session id", "session_id", id)
		}
	}

	switch ev.Type {
	case stream.TypeTextDelta:
		s.appendText(ctx, ev.Text.Text)

	case stream.TypeToolInvoked:
		s.result.Tools = append(s.result.Tools, domain.ToolInvocation{
			Name:      ev.Tool.Name,
			ID:        ev.Tool.ID,
			Timestamp: s.now(),
		})
		s.statusID = s.out.upsertStatus(ctx, s.statusID, s.toolStatus())

	case stream.TypeToolResult:
		if ev.Result.OK {
			s.statusID = s.out.upsertStatus(ctx, s.statusID,
				fmt.Sprintf("Processing results... (%d operations)", len(s.result.Tools)))
			return nil
		}
		s.result.ErrorOccurred = true
		category := CategorizeFailure(ev.Result.Output)
		s.logger.Warn("Tool reported a failure", "tool_id", ev.Result.ToolID, "category", category)
		s.out.notify(ctx, category, failureNotice(category, ev.Result.Output))

	case stream.TypePermissionRequest:
		s.out.notify(ctx, CategoryPermissionRequest, ev.Permission.Content)

	case stream.TypeStreamError:
		if !ev.Error.Recoverable {
			return &FatalError{Cause: errors.New(ev.Error.Message)}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.result.ErrorOccurred = true
		s.out.notify(ctx, CategoryInterrupted, "The response stream was interrupted. Showing partial results.")
	}
	return nil
}

// appendText extends the current primary artifact, starting a new one when
// the delta would push it past maxChars.
func (s *exchangeState) appendText(ctx context.Context, text string) {
	if text == "" {
		return
	}
	s.response.WriteString(text)

	segLen := utf8.RuneCountInString(s.segment.String())
	if segLen > 0 && segLen+utf8.RuneCountInString(text) > s.maxChars {
		s.segment.Reset()
		s.primaryID = ""
	}
	s.segment.WriteString(text)
	s.primaryID = s.out.upsertPrimary(ctx, s.primaryID, s.segment.String())
}

func (s *exchangeState) toolStatus() string {
	names := s.result.ToolNames()
	seen := make(map[string]bool, len(names))
	unique := names[:0:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			unique = append(unique, n)
		}
	}
	return fmt.Sprintf("Working... tools used: %s (%d operations)", strings.Join(unique, ", "), len(names))
}

func (s *exchangeState) snapshot() *domain.ExchangeResult {
	r := s.result
	r.Text = s.response.String()
	return &r
}

func errorDetail(err error) string {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Cause.Error()
	}
	return err.Error()
}
