package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/services"
)

// WorkersHandler exposes the live view of claimed tasks per worker.
type WorkersHandler struct {
	coordinator *services.CoordinatorService
	logger      *zap.Logger
}

// NewWorkersHandler creates a new workers handler.
func NewWorkersHandler(coordinator *services.CoordinatorService, logger *zap.Logger) *WorkersHandler {
	return &WorkersHandler{coordinator: coordinator, logger: logger}
}

// RegisterRoutes registers the workers handler's routes on the given mux.
func (h *WorkersHandler) RegisterRoutes(mux *http.ServeMux, auth *AuthMiddleware) {
	mux.HandleFunc("GET /v1/workers/status", auth.RequireAuth(h.Status))
}

// Status handles GET /v1/workers/status
// Maps each active client to the task it currently holds.
func (h *WorkersHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.coordinator.WorkerStatus(r.Context())
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, status); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
