package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/models"
	"github.com/agentmesh/agentmesh-server/pkg/services"
)

// SubmitResultRequest is the payload a worker sends when its task is done.
// CompletedAt is the worker's completion stamp; when absent the server
// stamps receipt time.
type SubmitResultRequest struct {
	WorkflowID  string           `json:"workflow_id"`
	TaskID      string           `json:"task_id"`
	RAHistory   models.RAHistory `json:"ra_history"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ResultsHandler accepts task results from workers.
type ResultsHandler struct {
	coordinator *services.CoordinatorService
	logger      *zap.Logger
}

// NewResultsHandler creates a new results handler.
func NewResultsHandler(coordinator *services.CoordinatorService, logger *zap.Logger) *ResultsHandler {
	return &ResultsHandler{coordinator: coordinator, logger: logger}
}

// RegisterRoutes registers the results handler's routes on the given mux.
func (h *ResultsHandler) RegisterRoutes(mux *http.ServeMux, auth *AuthMiddleware) {
	mux.HandleFunc("POST /v1/results", auth.RequireAuth(h.Submit))
}

// Submit handles POST /v1/results
// Records the result, completes the task, and promotes any tasks the
// completion unblocked.
func (h *ResultsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	result := &models.TaskResult{
		WorkflowID:  req.WorkflowID,
		TaskID:      req.TaskID,
		RAHistory:   req.RAHistory,
		CompletedAt: req.CompletedAt,
	}
	if err := h.coordinator.SaveResult(r.Context(), result); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
