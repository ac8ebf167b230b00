package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !h.isAdmin(r) {
		Error(w, http.StatusForbidden, "administrator permissions required")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"count":    h.sessions.Count(),
		"sessions": h.sessions.List(),
	})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	rec, ok := h.sessions.Get(scope)
	if !ok {
		Error(w, http.StatusNotFound, "no session for scope")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"scope":      scope,
		"session":    rec,
		"validation": h.sessions.Validate(&rec),
	})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	existed, err := h.sessions.Delete(scope)
	if err != nil {
		h.logger.Error("Failed to delete session", "scope", scope, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	h.conversations.Clear(scope)
	if !existed {
		Error(w, http.StatusNotFound, "no session for scope")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	entries, err := h.history.List(r.Context(), scope)
	if err != nil {
		h.logger.Error("Failed to list decision history", "scope", scope, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"scope": scope, "entries": entries})
}

func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeScope(w, r, chi.URLParam(r, "scope"))
}
