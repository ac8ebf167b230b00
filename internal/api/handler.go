// Package api provides HTTP handlers for the relay API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentrelay/internal/approval"
	"github.com/ashureev/agentrelay/internal/config"
	"github.com/ashureev/agentrelay/internal/exchange"
	"github.com/ashureev/agentrelay/internal/feed"
	"github.com/ashureev/agentrelay/internal/identity"
	"github.com/ashureev/agentrelay/internal/middleware"
	"github.com/ashureev/agentrelay/internal/store"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators the handlers drive.
type Deps struct {
	Coordinator *exchange.Coordinator
	Workflow    *approval.Workflow
	Commands    *exchange.Commands
	Sessions    exchange.SessionAdmin
	History     store.HistoryRepository
	Locks       *exchange.ScopeLocks
	Hub         *feed.Hub
	Config      *config.Config
	Logger      *slog.Logger
}

// Handler serves the /api routes.
type Handler struct {
	coord         *exchange.Coordinator
	flow          *approval.Workflow
	commands      *exchange.Commands
	sessions      exchange.SessionAdmin
	history       store.HistoryRepository
	locks         *exchange.ScopeLocks
	hub           *feed.Hub
	cfg           *config.Config
	conversations *conversations
	logger        *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := d.Locks
	if locks == nil {
		locks = exchange.NewScopeLocks()
	}
	return &Handler{
		coord:         d.Coordinator,
		flow:          d.Workflow,
		commands:      d.Commands,
		sessions:      d.Sessions,
		history:       d.History,
		locks:         locks,
		hub:           d.Hub,
		cfg:           d.Config,
		conversations: newConversations(d.Config.Exchange.MaxContextTurns),
		logger:        logger,
	}
}

// RegisterRoutes mounts the API on r. Callers install authentication first.
// Writes are rate limited per subject when auth.rate_limit_per_minute is set.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if n := h.cfg.Auth.RateLimitPerMinute; n > 0 {
			r.Use(middleware.RateLimit(n, func(req *http.Request) string {
				return identity.SubjectFromContext(req.Context())
			}))
		}
		r.Post("/scopes/{scope}/exchanges", h.handleExchange)
		r.Post("/decisions/{artifactID}", h.handleDecision)
	})

	r.Get("/me", h.GetMe)
	r.Get("/sessions", h.handleListSessions)
	r.Get("/sessions/{scope}", h.handleGetSession)
	r.Delete("/sessions/{scope}", h.handleDeleteSession)
	r.Get("/scopes/{scope}/history", h.handleHistory)
	r.Get("/scopes/{scope}/feed", h.handleFeed)
}

func (h *Handler) isAdmin(r *http.Request) bool {
	return h.cfg.IsAdmin(identity.SubjectFromContext(r.Context()))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
