//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentrelay/internal/agent/agenttest"
	"github.com/ashureev/agentrelay/internal/approval"
	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/exchange"
	"github.com/ashureev/agentrelay/internal/feed"
	"github.com/ashureev/agentrelay/internal/identity"
	"github.com/ashureev/agentrelay/internal/store"
)

const proposalResponse = "```json\n" +
	`[{"projectKey":"WEB","issueType":"Bug","summary":"Fix login crash on submit","description":"Crash on submit"},` +
	`{"projectKey":"WEB","issueType":"Task","summary":"Add login metrics","description":"Count failures"}]` +
	"\n```"

const sessID = "9b2e4c1a-7d3f-4a8e-b6c5-2f1d0e9a8b7c"

type testServer struct {
	svc      *agenttest.Service
	sessions *store.SessionStore
	history  *store.HistoryStore
	hub      *feed.Hub
	router   chi.Router
}

type serverOption func(*config.Config, *exchange.Options)

func newTestServer(t *testing.T, scripts []agenttest.Script, opts ...serverOption) *testServer {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Auth.AdminSubjects = []string{"admin"}
	cfg.Auth.RateLimitPerMinute = 0
	exOpts := exchange.Options{}
	for _, o := range opts {
		o(cfg, &exOpts)
	}

	history, err := store.NewHistoryStore(filepath.Join(dir, "history.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	svc := agenttest.New(scripts...)
	sessions := store.NewSessionStore(filepath.Join(dir, "sessions.json"))
	coord := exchange.NewCoordinator(svc, sessions, exOpts)
	hub := feed.NewHub([]string{"*"}, true, nil)

	h := NewHandler(Deps{
		Coordinator: coord,
		Workflow:    approval.New(coord, history),
		Commands:    exchange.NewCommands(sessions, time.Now),
		Sessions:    sessions,
		History:     history,
		Hub:         hub,
		Config:      cfg,
	})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sub := req.Header.Get("X-Subject")
			if sub == "" {
				sub = "alice"
			}
			next.ServeHTTP(w, req.WithContext(identity.WithPrincipal(req.Context(), sub, sub)))
		})
	})
	h.RegisterRoutes(r)

	return &testServer{svc: svc, sessions: sessions, history: history, hub: hub, router: r}
}

func (s *testServer) do(t *testing.T, method, path, subject string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		req.Header.Set("X-Subject", subject)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestExchangeRunsAgentAndKeepsContext(t *testing.T) {
	s := newTestServer(t, []agenttest.Script{
		{agenttest.Init(sessID), agenttest.Text("Hi alice.")},
		{agenttest.Text("Still here.")},
	})
	sub := s.hub.Subscribe("c1")
	defer sub.Close()

	w := s.do(t, http.MethodPost, "/scopes/c1/exchanges", "", exchangeRequest{Prompt: "hello", ChannelName: "general"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[exchangeResponse](t, w)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "Hi alice.", resp.Result.Text)
	assert.Equal(t, sessID, resp.Result.CapturedSessionID)

	rec, ok := s.sessions.Get("c1")
	require.True(t, ok)
	assert.Equal(t, sessID, rec.SessionID)
	assert.Equal(t, "general", rec.ChannelName)

	w = s.do(t, http.MethodPost, "/scopes/c1/exchanges", "", exchangeRequest{Prompt: "again"})
	require.Equal(t, http.StatusOK, w.Code)

	reqs := s.svc.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "[alice]: hello", reqs[0].Prompt)
	assert.Equal(t, sessID, reqs[1].Resume)
	assert.Contains(t, reqs[1].Prompt, "Previous conversation:\nalice: hello\nassistant: Hi alice.\n")
	assert.True(t, strings.HasSuffix(reqs[1].Prompt, "Current message: [alice]: again"))

	assert.Greater(t, len(sub.C), 0, "artifacts reach the feed")
}

func TestExchangeValidation(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/scopes/c1/exchanges", "", exchangeRequest{Prompt: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/scopes/c1/exchanges", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, s.svc.Requests())
}

func TestCommandsBypassAgent(t *testing.T) {
	s := newTestServer(t, []agenttest.Script{{agenttest.Text("answer")}})

	w := s.do(t, http.MethodPost, "/scopes/c1/exchanges", "", exchangeRequest{Prompt: "/help"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[exchangeResponse](t, w)
	require.NotNil(t, resp.Command)
	assert.Equal(t, "help", resp.Command.Command)
	assert.Empty(t, s.svc.Requests())

	w = s.do(t, http.MethodPost, "/scopes/c1/exchanges", "", exchangeRequest{Prompt: "list sessions"})
	resp = decode[exchangeResponse](t, w)
	assert.Contains(t, resp.Command.Text, "administrator")

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/scopes/c1/exchanges", "", exchangeRequest{Prompt: "first"}).Code)
	s.do(t, http.MethodPost, "/scopes/c1/exchanges", "", exchangeRequest{Prompt: "clear"})
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/scopes/c1/exchanges", "", exchangeRequest{Prompt: "second"}).Code)

	reqs := s.svc.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "[alice]: second", reqs[1].Prompt, "clear drops the transcript")
}

func TestExchangeTimeout(t *testing.T) {
	s := newTestServer(t,
		[]agenttest.Script{{agenttest.After(time.Second, agenttest.Text("late"))}},
		func(_ *config.Config, o *exchange.Options) { o.Timeout = 30 * time.Millisecond },
	)

	w := s.do(t, http.MethodPost, "/scopes/c1/exchanges", "", exchangeRequest{Prompt: "slow"})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestTicketApprovalFlow(t *testing.T) {
	s := newTestServer(t, []agenttest.Script{{agenttest.Text(proposalResponse)}})

	w := s.do(t, http.MethodPost, "/scopes/c1/exchanges", "", exchangeRequest{Prompt: "create a ticket for the login crash"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[exchangeResponse](t, w)
	require.Len(t, resp.Proposals, 2)
	require.Len(t, resp.PreviewIDs, 2)

	w = s.do(t, http.MethodPost, "/decisions/"+resp.PreviewIDs[0], "", decisionRequest{Decision: "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/decisions/"+resp.PreviewIDs[0], "", decisionRequest{Decision: "skip"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[decisionResponse](t, w)
	assert.Equal(t, domain.DecisionSkipped, out.Decision)
	assert.Equal(t, "Fix login crash on submit", out.Proposal.Summary)

	w = s.do(t, http.MethodPost, "/decisions/"+resp.PreviewIDs[0], "", decisionRequest{Decision: "skip"})
	assert.Equal(t, http.StatusNotFound, w.Code, "decisions are one-shot")

	w = s.do(t, http.MethodGet, "/scopes/c1/history", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[struct {
		Entries []domain.DecisionHistoryEntry `json:"entries"`
	}](t, w)
	require.Len(t, hist.Entries, 1)
	assert.Equal(t, domain.DecisionSkipped, hist.Entries[0].Decision)
}

func TestDecisionUnknownArtifact(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/decisions/nope", "", decisionRequest{Decision: "created"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want domain.Decision
		ok   bool
	}{
		{"create", domain.DecisionCreated, true},
		{" Created ", domain.DecisionCreated, true},
		{"skip", domain.DecisionSkipped, true},
		{"edited", domain.DecisionEdited, true},
		{"later", "", false},
	}
	for _, tt := range tests {
		got, ok := parseDecision(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.sessions.Put("c1", domain.SessionRecord{
		SessionID:      "3f1c2a9e-8b4d-4c6e-9a7f-0d2b5e8c1a34",
		LastActivityAt: time.Now(),
		ExchangeCount:  2,
	}))

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/sessions", "", nil).Code)

	w := s.do(t, http.MethodGet, "/sessions", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Count int `json:"count"`
	}](t, w)
	assert.Equal(t, 1, list.Count)

	w = s.do(t, http.MethodGet, "/sessions/c1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[struct {
		Session    domain.SessionRecord `json:"session"`
		Validation domain.Validation    `json:"validation"`
	}](t, w)
	assert.Equal(t, 2, info.Session.ExchangeCount)
	assert.True(t, info.Validation.Valid)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/sessions/c2", "", nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/sessions/c1", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/sessions/c1", "", nil).Code)
	assert.Equal(t, 0, s.sessions.Count())
}

func TestGetMe(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/me", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode[map[string]any](t, w)
	assert.Equal(t, "admin", me["subject"])
	assert.Equal(t, true, me["admin"])
}

func TestRateLimitedBySubject(t *testing.T) {
	s := newTestServer(t, []agenttest.Script{{agenttest.Text("ok")}},
		func(c *config.Config, _ *exchange.Options) { c.Auth.RateLimitPerMinute = 1 },
	)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/scopes/c1/exchanges", "alice", exchangeRequest{Prompt: "one"}).Code)
	w := s.do(t, http.MethodPost, "/scopes/c1/exchanges", "alice", exchangeRequest{Prompt: "two"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/scopes/c1/exchanges", "bob", exchangeRequest{Prompt: "three"}).Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/sessions/none", "alice", nil).Code, "reads are not limited")
}

func TestReady(t *testing.T) {
	s := newTestServer(t, nil)
	r := chi.NewRouter()
	NewHandler(Deps{Sessions: s.sessions, History: s.history, Config: config.Default()}).RegisterHealth(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])

	require.NoError(t, s.history.Close())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
