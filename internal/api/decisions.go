package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentrelay/internal/approval"
	"github.com/ashureev/agentrelay/internal/domain"
)

type decisionRequest struct {
	Decision    string `json:"decision"`
	Description string `json:"description"`
}

type decisionResponse struct {
	Decision   domain.Decision         `json:"decision"`
	Proposal   domain.TicketProposal   `json:"proposal"`
	ResultKey  string                  `json:"result_key,omitempty"`
	Proposals  []domain.TicketProposal `json:"proposals,omitempty"`
	PreviewIDs []string                `json:"preview_ids,omitempty"`
}

func parseDecision(s string) (domain.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create", "created":
		return domain.DecisionCreated, true
	case "skip", "skipped":
		return domain.DecisionSkipped, true
	case "edit", "edited":
		return domain.DecisionEdited, true
	}
	return "", false
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	decision, ok := parseDecision(req.Decision)
	if !ok {
		Error(w, http.StatusBadRequest, "decision must be one of created, skipped, edited")
		return
	}

	scope, ok := h.flow.ScopeOf(artifactID)
	if !ok {
		Error(w, http.StatusNotFound, "preview not found")
		return
	}

	ctx := r.Context()
	release, err := h.locks.Acquire(ctx, scope)
	if err != nil {
		Error(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}
	defer release()

	p := h.hub.Presenter(scope)
	out, err := h.flow.Decide(ctx, artifactID, decision, p)
	if errors.Is(err, approval.ErrNotFound) {
		Error(w, http.StatusNotFound, "preview not found")
		return
	}
	if err != nil {
		h.exchangeError(ctx, w, err)
		return
	}

	resp := decisionResponse{Decision: out.Decision, Proposal: out.Proposal, ResultKey: out.ResultKey}
	if decision == domain.DecisionEdited && strings.TrimSpace(req.Description) != "" {
		amended := "Create a ticket: " + strings.TrimSpace(req.Description) +
			"\n\nPrevious draft summary: " + out.Proposal.Summary
		proposals, err := h.flow.ProposeActions(ctx, scope, amended, p)
		if err != nil {
			h.exchangeError(ctx, w, err)
			return
		}
		ids, err := h.flow.Review(ctx, scope, proposals, p)
		if err != nil {
			Error(w, http.StatusBadGateway, "failed to present proposals")
			return
		}
		resp.Proposals, resp.PreviewIDs = proposals, ids
	}
	JSON(w, http.StatusOK, resp)
}
