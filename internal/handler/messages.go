package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/middleware"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/service"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(svc *service.ConversationService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{service: svc, logger: log}
}

// Send handles POST /api/v1/conversations/{conversationID}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	resp, err := h.service.SendMessage(r.Context(), conversationID, middleware.GetUserID(r.Context()), &req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// List handles GET /api/v1/conversations/{conversationID}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	resp, err := h.service.Messages(r.Context(), conversationID, middleware.GetUserID(r.Context()), limit, offset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
