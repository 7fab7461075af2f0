package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/direct-messaging/internal/middleware"
	"github.com/capitalize-ai/direct-messaging/internal/model"
	"github.com/capitalize-ai/direct-messaging/internal/service"
	"github.com/capitalize-ai/direct-messaging/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	delivery *service.DeliveryService
	receipts *service.ReceiptService
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(delivery *service.DeliveryService, receipts *service.ReceiptService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		delivery: delivery,
		receipts: receipts,
		logger:   log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
// Supports ?after_seq=N for gap-fill and ?before_seq=N for history.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	afterSeq, err := uintParam(r, "after_seq")
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	beforeSeq, err := uintParam(r, "before_seq")
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	resp, err := h.delivery.Messages(ctx, middleware.GetUserID(ctx), conversationID, afterSeq, beforeSeq, limit)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// SendToConversation handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) SendToConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	h.send(w, r, conversationID)
}

// Send handles POST /api/v1/messages, addressing the conversation by
// conversation_id or recipient_id in the body.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	h.send(w, r, "")
}

func (h *MessageHandler) send(w http.ResponseWriter, r *http.Request, conversationID string) {
	ctx := r.Context()

	var req model.SendMessageRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if conversationID != "" {
		if req.ConversationID != "" && req.ConversationID != conversationID {
			writeError(w, http.StatusBadRequest, "invalid_request", "conversation_id does not match path")
			return
		}
		req.ConversationID = conversationID
	}
	if err := validateSendRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	msg, err := h.delivery.Send(ctx, middleware.GetUserID(ctx), &req)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{Message: msg})
}

func validateSendRequest(req *model.SendMessageRequest) error {
	if req.RecipientID != "" {
		if err := middleware.ValidateUserID(req.RecipientID); err != nil {
			return err
		}
	}
	if err := middleware.ValidateClientID(req.ClientID); err != nil {
		return err
	}
	if req.Attachment != nil && req.Attachment.URL != "" {
		return middleware.ValidateAttachmentURL(req.Attachment.URL)
	}
	return nil
}

// Delivered handles POST /api/v1/messages/{id}/delivered for clients that
// cannot ack over a websocket.
func (h *MessageHandler) Delivered(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.delivery.Acknowledge(ctx, middleware.GetUserID(ctx), messageID); err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var req model.MarkReadRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	resp, err := h.receipts.MarkRead(ctx, middleware.GetUserID(ctx), conversationID, req.UpToMessageID)
	if err != nil {
		writeServiceError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
