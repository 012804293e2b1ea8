package handler

import (
	"encoding/json"
	"net/http"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/middleware"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/model"
	"github.com/baloozeone972/lubrik-gpt-sub000/internal/service"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
)

// MemoryHandler handles memory merge endpoints.
type MemoryHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewMemoryHandler creates a new memory handler.
func NewMemoryHandler(svc *service.ConversationService, log *logger.Logger) *MemoryHandler {
	return &MemoryHandler{service: svc, logger: log}
}

// Update handles PUT /api/v1/memory
func (h *MemoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req model.MemoryUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	items, err := h.service.UpdateMemory(r.Context(), middleware.GetUserID(r.Context()), &req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": items})
}
