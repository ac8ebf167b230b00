package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentrelay/internal/approval"
	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/exchange"
	"github.com/ashureev/agentrelay/internal/identity"
)

type exchangeRequest struct {
	Prompt      string `json:"prompt"`
	Username    string `json:"username"`
	ChannelName string `json:"channel_name"`
	GuildName   string `json:"guild_name"`
}

type exchangeResponse struct {
	Command    *exchange.CommandResult `json:"command,omitempty"`
	Result     *domain.ExchangeResult  `json:"result,omitempty"`
	Proposals  []domain.TicketProposal `json:"proposals,omitempty"`
	PreviewIDs []string                `json:"preview_ids,omitempty"`
}

// GetMe returns the caller's principal.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"subject":  identity.SubjectFromContext(r.Context()),
		"username": identity.UsernameFromContext(r.Context()),
		"admin":    h.isAdmin(r),
	})
}

func (h *Handler) handleExchange(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	var req exchangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		Error(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Username == "" {
		req.Username = identity.UsernameFromContext(r.Context())
	}

	if res, ok := h.commands.Handle(scope, h.isAdmin(r), req.Prompt); ok {
		if res.ClearContext {
			h.conversations.Clear(scope)
		}
		p := h.hub.Presenter(scope)
		if _, err := p.UpsertPrimary(r.Context(), "", res.Text); err != nil {
			h.logger.Warn("Failed to publish command reply", "scope", scope, "error", err)
		}
		JSON(w, http.StatusOK, exchangeResponse{Command: &res})
		return
	}

	release, err := h.locks.Acquire(r.Context(), scope)
	if err != nil {
		Error(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}
	defer release()

	ctx := r.Context()
	p := h.hub.Presenter(scope)
	logger := h.logger.With("scope", scope, "subject", identity.SubjectFromContext(ctx))

	if approval.MentionsTicket(req.Prompt) {
		proposals, err := h.flow.ProposeActions(ctx, scope, req.Prompt, p)
		if err != nil {
			h.exchangeError(ctx, w, err)
			return
		}
		ids, err := h.flow.Review(ctx, scope, proposals, p)
		if err != nil {
			logger.Error("Failed to present proposals", "error", err)
			Error(w, http.StatusBadGateway, "failed to present proposals")
			return
		}
		logger.Info("Proposals presented", "proposals", len(proposals), "previews", len(ids))
		JSON(w, http.StatusOK, exchangeResponse{Proposals: proposals, PreviewIDs: ids})
		return
	}

	prompt := exchange.Attribute(req.Username, req.Prompt)
	result, err := h.coord.RunExchange(ctx, scope, prompt, h.conversations.Turns(scope), p, exchange.RunOptions{
		ChannelName: req.ChannelName,
		GuildName:   req.GuildName,
	})
	if err != nil {
		h.exchangeError(ctx, w, err)
		return
	}
	h.conversations.Append(scope,
		domain.Turn{Role: req.Username, Content: req.Prompt},
		domain.Turn{Role: "assistant", Content: result.Text},
	)
	JSON(w, http.StatusOK, exchangeResponse{Result: result})
}

func (h *Handler) exchangeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrTimeout):
		Error(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, exchange.ErrStreamFatal):
		Error(w, http.StatusBadGateway, err.Error())
	case ctx.Err() != nil:
		Error(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		h.logger.Error("Exchange failed", "error", err)
		Error(w, http.StatusInternalServerError, "exchange failed")
	}
}
