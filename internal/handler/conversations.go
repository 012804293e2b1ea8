package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/middleware"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/service"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{service: svc, logger: log}
}

// Start handles POST /api/v1/conversations
func (h *ConversationHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	conv, first, err := h.service.Start(ctx, userID, &req)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := map[string]any{"conversation": conv}
	if first != nil {
		resp["first_exchange"] = first
	}
	writeJSON(w, http.StatusCreated, resp)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	resp, err := h.service.List(ctx, userID, limit, offset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{conversationID}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	conv, err := h.service.Get(r.Context(), conversationID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// End handles POST /api/v1/conversations/{conversationID}/end
func (h *ConversationHandler) End(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.End)
}

// Pause handles POST /api/v1/conversations/{conversationID}/pause
func (h *ConversationHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Pause)
}

// Resume handles POST /api/v1/conversations/{conversationID}/resume
func (h *ConversationHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Resume)
}

// Archive handles POST /api/v1/conversations/{conversationID}/archive
func (h *ConversationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Archive)
}

// Delete handles DELETE /api/v1/conversations/{conversationID}
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	if err := h.service.Delete(r.Context(), conversationID, middleware.GetUserID(r.Context())); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Export handles POST /api/v1/conversations/export
func (h *ConversationHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req model.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	resp, err := h.service.Export(r.Context(), middleware.GetUserID(r.Context()), &req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Statistics handles GET /api/v1/characters/{characterID}/statistics
func (h *ConversationHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	characterID := chi.URLParam(r, "characterID")
	if characterID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "character ID is required")
		return
	}

	stats, err := h.service.Statistics(r.Context(), middleware.GetUserID(r.Context()), characterID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *ConversationHandler) lifecycle(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, conversationID, userID string) (*model.Conversation, error)) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	conv, err := op(r.Context(), conversationID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
