package exchange_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/agentrelay/internal/agent"
	"github.com/ashureev/agentrelay/internal/agent/agenttest"
	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/exchange"
	"github.com/ashureev/agentrelay/internal/exchange/exchangetest"
	"github.com/ashureev/agentrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scope      = "channel-1"
	storedID   = "3f1c2a9e-8b4d-4c6e-9a7f-0d2b5e8c1a34"
	capturedID = "7b0e4c52-1f3a-4d8b-9c6e-2a5d8f1b3c47"
)

var now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type harness struct {
	svc       *agenttest.Service
	sessions  *store.SessionStore
	presenter *exchangetest.Presenter
	coord     *exchange.Coordinator
}

func newHarness(t *testing.T, opts exchange.Options, scripts ...agenttest.Script) *harness {
	t.Helper()
	clock := func() time.Time { return now }
	h := &harness{
		svc:       agenttest.New(scripts...),
		sessions:  store.NewSessionStore(filepath.Join(t.TempDir(), "sessions.json"), store.WithClock(clock)),
		presenter: exchangetest.NewPresenter(),
	}
	h.coord = exchange.NewCoordinator(h.svc, h.sessions, opts, exchange.WithClock(clock))
	return h
}

func (h *harness) run(t *testing.T, prompt string) (*domain.ExchangeResult, error) {
	t.Helper()
	return h.coord.RunExchange(context.Background(), scope, prompt, nil, h.presenter, exchange.RunOptions{})
}

func TestChunkingStartsNewArtifactPastThreshold(t *testing.T) {
	t.Parallel()

	a := strings.Repeat("A", 1000)
	b := strings.Repeat("B", 1500)
	h := newHarness(t, exchange.Options{MaxArtifactChars: 2000},
		agenttest.Script{agenttest.Text(a), agenttest.Text(b)})

	res, err := h.run(t, "go")
	require.NoError(t, err)
	assert.Equal(t, a+b, res.Text)

	primary := h.presenter.Ops("primary")
	require.Len(t, primary, 2)
	assert.True(t, primary[0].Created)
	assert.Equal(t, a, primary[0].Text)
	assert.True(t, primary[1].Created)
	assert.NotEqual(t, primary[0].ID, primary[1].ID)
	assert.Equal(t, b, primary[1].Text)

	first, _ := h.presenter.Text(primary[0].ID)
	assert.Equal(t, a, first, "sent text is never split after the fact")
}

func TestChunkingEditsInPlaceUnderThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{MaxArtifactChars: 10},
		agenttest.Script{agenttest.Text("abc"), agenttest.Text("def"), agenttest.Text("ghij"), agenttest.Text("k"), agenttest.Text("lm")})

	_, err := h.run(t, "go")
	require.NoError(t, err)

	primary := h.presenter.Ops("primary")
	require.Len(t, primary, 5)
	ids := map[string]bool{}
	for _, op := range primary {
		ids[op.ID] = true
	}
	assert.Len(t, ids, 2)
	assert.Equal(t, "abcdefghij", primary[2].Text)
	assert.False(t, primary[2].Created)
	assert.True(t, primary[3].Created)
	assert.Equal(t, "klm", primary[4].Text)
}

func TestFreshExchangeCapturesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{
		agenttest.Init(capturedID),
		agenttest.Text("hello"),
		agenttest.Result("ignored-later-id"),
	})

	res, err := h.run(t, "hi")
	require.NoError(t, err)
	assert.Equal(t, capturedID, res.CapturedSessionID)
	assert.False(t, res.Resumed)
	assert.Empty(t, h.svc.Requests()[0].Resume)

	rec, ok := h.sessions.Get(scope)
	require.True(t, ok)
	assert.Equal(t, capturedID, rec.SessionID)
	assert.Equal(t, 3, rec.ExchangeCount)
	assert.Equal(t, now, rec.LastActivityAt)
}

func TestResumeTouchesExistingRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{agenttest.Text("again")})
	require.NoError(t, h.sessions.Put(scope, domain.SessionRecord{
		SessionID: storedID, LastActivityAt: now.Add(-time.Hour), ExchangeCount: 4, ChannelName: "general",
	}))

	res, err := h.run(t, "more")
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, storedID, h.svc.Requests()[0].Resume)

	rec, _ := h.sessions.Get(scope)
	assert.Equal(t, domain.SessionRecord{
		SessionID: storedID, LastActivityAt: now, ExchangeCount: 5, ChannelName: "general",
	}, rec)
}

func TestInvalidStoredSessionIsDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{agenttest.Text("fresh")})
	require.NoError(t, h.sessions.Put(scope, domain.SessionRecord{
		SessionID: storedID, LastActivityAt: now.Add(-8 * 24 * time.Hour),
	}))

	_, err := h.run(t, "hi")
	require.NoError(t, err)
	assert.Empty(t, h.svc.Requests()[0].Resume)
	_, ok := h.sessions.Get(scope)
	assert.False(t, ok)
}

func TestResumeRejectionRetriesOnceFresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{},
		agenttest.Script{agenttest.Fail(errors.New("Session not found"))},
		agenttest.Script{agenttest.Init(capturedID), agenttest.Text("recovered")},
	)
	require.NoError(t, h.sessions.Put(scope, domain.SessionRecord{SessionID: storedID, LastActivityAt: now}))

	res, err := h.run(t, "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)

	reqs := h.svc.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, storedID, reqs[0].Resume)
	assert.Empty(t, reqs[1].Resume)
	assert.Equal(t, reqs[0].Prompt, reqs[1].Prompt)

	rec, ok := h.sessions.Get(scope)
	require.True(t, ok)
	assert.Equal(t, capturedID, rec.SessionID)
}

func TestResumeRejectionSecondFailurePropagates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{},
		agenttest.Script{agenttest.Fail(fmt.Errorf("resume: %w", agent.ErrResumeRejected))},
		agenttest.Script{agenttest.Fail(errors.New("no conversation found with session id"))},
	)
	require.NoError(t, h.sessions.Put(scope, domain.SessionRecord{SessionID: storedID, LastActivityAt: now}))

	_, err := h.run(t, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, exchange.ErrStreamFatal)
	assert.Len(t, h.svc.Requests(), 2)
	assert.Equal(t, 0, h.sessions.Count())
}

func TestRejectionWithoutResumeDoesNotRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{agenttest.Fail(errors.New("session not found"))})

	_, err := h.run(t, "hi")
	assert.ErrorIs(t, err, exchange.ErrStreamFatal)
	assert.Len(t, h.svc.Requests(), 1)
}

func TestTimeoutWithPartialContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{Timeout: 50 * time.Millisecond}, agenttest.Script{
		agenttest.After(10*time.Millisecond, agenttest.Text("partial")),
		agenttest.After(time.Second, agenttest.Text(" never")),
	})

	res, err := h.run(t, "slow")
	require.NoError(t, err)
	assert.Equal(t, "partial", res.Text)
	assert.True(t, res.Partial)
	assert.False(t, res.ErrorOccurred)
	assert.Contains(t, h.presenter.Notices(), exchange.CategoryPartial)
}

func TestTimeoutWithoutContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{Timeout: 30 * time.Millisecond}, agenttest.Script{
		agenttest.After(time.Second, agenttest.Text("too late")),
	})

	_, err := h.run(t, "slow")
	assert.ErrorIs(t, err, exchange.ErrTimeout)
	assert.Equal(t, []exchange.Category{exchange.CategoryTimeout}, h.presenter.Notices())
}

func TestTimeoutWhenStreamEndsSilently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{Timeout: 50 * time.Millisecond}, agenttest.Script{
		agenttest.Init(capturedID),
		agenttest.Hang(),
	})

	_, err := h.run(t, "slow")
	assert.ErrorIs(t, err, exchange.ErrTimeout)
	assert.Equal(t, []exchange.Category{exchange.CategoryTimeout}, h.presenter.Notices())
	assert.Equal(t, 0, h.sessions.Count())
}

func TestPartialWhenStreamEndsSilently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{Timeout: 50 * time.Millisecond}, agenttest.Script{
		agenttest.Init(capturedID),
		agenttest.Text("partial"),
		agenttest.Hang(),
	})

	res, err := h.run(t, "slow")
	require.NoError(t, err)
	assert.Equal(t, "partial", res.Text)
	assert.True(t, res.Partial)
	assert.False(t, res.ErrorOccurred)
	assert.Equal(t, []exchange.Category{exchange.CategoryPartial}, h.presenter.Notices())
}

func TestTruncatedEventAtDeadlineIsPartial(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{Timeout: 50 * time.Millisecond}, agenttest.Script{
		agenttest.Init(capturedID),
		agenttest.Text("partial"),
		agenttest.FailOnCancel(agent.ErrIncompleteEvent),
	})

	res, err := h.run(t, "slow")
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.False(t, res.ErrorOccurred)
	assert.Contains(t, h.presenter.Notices(), exchange.CategoryPartial)
	assert.NotContains(t, h.presenter.Notices(), exchange.CategoryInterrupted)
}

func TestCallerCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{agenttest.After(time.Second, agenttest.Text("x"))})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.coord.RunExchange(ctx, scope, "hi", nil, h.presenter, exchange.RunOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, exchange.ErrTimeout)
}

func TestMalformedStreamWithoutContentIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{
		agenttest.Init(capturedID),
		agenttest.Fail(agent.ErrIncompleteEvent),
	})

	_, err := h.run(t, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, exchange.ErrStreamFatal)
	assert.ErrorIs(t, err, agent.ErrIncompleteEvent)

	var fe *exchange.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Same(t, agent.ErrIncompleteEvent, errors.Unwrap(err))
	assert.Equal(t, 0, h.sessions.Count())
}

func TestMalformedStreamAfterContentContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{
		agenttest.Init(capturedID),
		agenttest.Text("half an ans"),
		agenttest.Fail(agent.ErrIncompleteEvent),
	})

	res, err := h.run(t, "hi")
	require.NoError(t, err)
	assert.Equal(t, "half an ans", res.Text)
	assert.True(t, res.ErrorOccurred)
	assert.Equal(t, []exchange.Category{exchange.CategoryInterrupted}, h.presenter.Notices())

	rec, ok := h.sessions.Get(scope)
	require.True(t, ok)
	assert.Equal(t, capturedID, rec.SessionID)
}

func TestInBandErrorIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{
		agenttest.Text("starting"),
		{Event: agent.RawEvent{"type": "error", "error": map[string]any{"message": "overloaded"}}},
		agenttest.Text("unreachable"),
	})

	res, err := h.run(t, "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, exchange.ErrStreamFatal)
	assert.Contains(t, err.Error(), "overloaded")
	assert.Equal(t, "starting", res.Text)
	assert.Contains(t, h.presenter.Notices(), exchange.CategoryError)
}

func TestToolEventsDriveStatusAndNotices(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{
		agenttest.ToolUse("Bash", "t1"),
		agenttest.ToolResult("t1", "done", false),
		agenttest.ToolUse("Read", "t2"),
		agenttest.ToolResult("t2", "Error: ENOENT: no such file", true),
		agenttest.ToolUse("Bash", "t3"),
		agenttest.ToolResult("t3", "429 Too Many Requests", true),
		{Event: agent.RawEvent{"type": "permission_request", "content": "Allow Write?"}},
		agenttest.Text("summary"),
	})

	res, err := h.run(t, "hi")
	require.NoError(t, err)
	assert.True(t, res.ErrorOccurred)
	assert.Equal(t, []string{"Bash", "Read", "Bash"}, res.ToolNames())
	for _, tool := range res.Tools {
		assert.Equal(t, now, tool.Timestamp)
	}

	status := h.presenter.Ops("status")
	require.NotEmpty(t, status)
	for _, op := range status {
		assert.Equal(t, status[0].ID, op.ID, "one status artifact per exchange")
	}
	assert.Equal(t, "Working... tools used: Bash, Read (3 operations)", status[len(status)-1].Text)
	assert.Equal(t, "Processing results... (1 operations)", status[1].Text)

	assert.Equal(t, []exchange.Category{
		exchange.CategoryNotFound, exchange.CategoryRateLimit, exchange.CategoryPermissionRequest,
	}, h.presenter.Notices())

	deletes := h.presenter.Ops("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, status[0].ID, deletes[0].ID)
}

func TestDelayedStatusCleanup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{StatusCleanupDelay: 10 * time.Millisecond}, agenttest.Script{
		agenttest.ToolUse("Bash", "t1"),
	})

	_, err := h.run(t, "hi")
	require.NoError(t, err)
	h.coord.Wait()
	assert.Len(t, h.presenter.Ops("delete"), 1)
}

func TestPresenterFailuresAreSwallowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{
		agenttest.Init(capturedID),
		agenttest.ToolUse("Bash", "t1"),
		agenttest.ToolResult("t1", "permission denied", true),
		agenttest.Text("still here"),
	})
	boom := errors.New("presenter down")
	h.presenter.Fail = map[string]error{
		"primary": boom, "status": boom, "notify": boom, "delete": boom, "typing": boom,
	}

	res, err := h.run(t, "hi")
	require.NoError(t, err)
	assert.Equal(t, "still here", res.Text)
	assert.Equal(t, []exchange.Category{exchange.CategoryPermission}, h.presenter.Notices())
	_, ok := h.sessions.Get(scope)
	assert.True(t, ok)
}

func TestTypingSignalSent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{TypingInterval: 5 * time.Millisecond}, agenttest.Script{
		agenttest.After(30*time.Millisecond, agenttest.Text("done")),
	})

	_, err := h.run(t, "hi")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(h.presenter.Ops("typing")), 2)
}

func TestPriorTurnsRenderedIntoPrompt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, exchange.Options{}, agenttest.Script{agenttest.Text("ok")})
	prior := []domain.Turn{{Role: "user", Content: "first"}, {Role: "assistant", Content: "reply"}}

	_, err := h.coord.RunExchange(context.Background(), scope, "second", prior, h.presenter, exchange.RunOptions{MaxTurns: 3})
	require.NoError(t, err)

	req := h.svc.Requests()[0]
	assert.Equal(t, "Previous conversation:\nuser: first\nassistant: reply\n\nCurrent message: second", req.Prompt)
	assert.Equal(t, 3, req.MaxTurns)
	assert.Equal(t, 300*time.Second, req.Timeout)
}

func TestCategorizeFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		output string
		want   exchange.Category
	}{
		{"Rate limit exceeded", exchange.CategoryRateLimit},
		{"HTTP 429", exchange.CategoryRateLimit},
		{"Permission denied", exchange.CategoryPermission},
		{"403 Forbidden", exchange.CategoryPermission},
		{"File not found", exchange.CategoryNotFound},
		{"ENOENT: no such file or directory", exchange.CategoryNotFound},
		{"exit status 1", exchange.CategoryToolError},
		{"", exchange.CategoryToolError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exchange.CategorizeFailure(tt.output), tt.output)
	}
}

func TestIsResumeRejection(t *testing.T) {
	t.Parallel()

	assert.True(t, exchange.IsResumeRejection(agent.ErrResumeRejected))
	assert.True(t, exchange.IsResumeRejection(&exchange.FatalError{Cause: errors.New("Session not found")}))
	assert.True(t, exchange.IsResumeRejection(errors.New("invalid session id")))
	assert.True(t, exchange.IsResumeRejection(errors.New("conversation has expired")))
	assert.False(t, exchange.IsResumeRejection(errors.New("file not found")))
	assert.False(t, exchange.IsResumeRejection(exchange.ErrTimeout))
	assert.False(t, exchange.IsResumeRejection(nil))
}
