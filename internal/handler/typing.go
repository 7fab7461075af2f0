package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/direct-messaging/internal/middleware"
	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/internal/presence"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

// TypingHandler handles typing presence endpoints.
type TypingHandler struct {
	broadcaster *presence.Broadcaster
	logger      *logger.Logger
}

// NewTypingHandler creates a new typing handler.
func NewTypingHandler(b *presence.Broadcaster, log *logger.Logger) *TypingHandler {
	return &TypingHandler{broadcaster: b, logger: log}
}

// Set handles POST /api/v1/conversations/{id}/typing
func (h *TypingHandler) Set(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var req model.TypingRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if err := h.broadcaster.SetTyping(ctx, conversationID, middleware.GetUserID(ctx), req.IsTyping); err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Get handles GET /api/v1/conversations/{id}/typing
func (h *TypingHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	users, err := h.broadcaster.Typing(ctx, conversationID, middleware.GetUserID(ctx))
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}
	if users == nil {
		users = []string{}
	}

	writeJSON(w, http.StatusOK, &model.TypingResponse{UserIDs: users})
}
