package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/services"
)

// WorkflowResultResponse carries the final deliverable. Result stays null
// until the workflow completes.
type WorkflowResultResponse struct {
	WorkflowID string  `json:"workflow_id"`
	Completed  bool    `json:"completed"`
	Result     *string `json:"result"`
}

// WorkflowsHandler serves workflow progress, results and resets.
type WorkflowsHandler struct {
	coordinator *services.CoordinatorService
	logger      *zap.Logger
}

// NewWorkflowsHandler creates a new workflows handler.
func NewWorkflowsHandler(coordinator *services.CoordinatorService, logger *zap.Logger) *WorkflowsHandler {
	return &WorkflowsHandler{coordinator: coordinator, logger: logger}
}

// RegisterRoutes registers the workflows handler's routes on the given mux.
func (h *WorkflowsHandler) RegisterRoutes(mux *http.ServeMux, auth *AuthMiddleware) {
	mux.HandleFunc("GET /v1/workflows/{workflow_id}/status", auth.RequireAuth(h.Status))
	mux.HandleFunc("GET /v1/workflows/{workflow_id}/result", auth.RequireAuth(h.Result))
	mux.HandleFunc("GET /v1/workflows/{workflow_id}/audit", auth.RequireAuth(h.AuditReports))
	mux.HandleFunc("POST /v1/workflows/{workflow_id}/reset", auth.RequireAuth(h.Reset))
}

// Status handles GET /v1/workflows/{workflow_id}/status
// Returns the workflow's lifecycle state and per-status task counts.
func (h *WorkflowsHandler) Status(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")

	status, err := h.coordinator.GetWorkflowStatus(r.Context(), workflowID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, status); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Result handles GET /v1/workflows/{workflow_id}/result
// Returns the synthesized deliverable, or result: null while the workflow
// is still running.
func (h *WorkflowsHandler) Result(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")

	output, completed, err := h.coordinator.GetWorkflowResult(r.Context(), workflowID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	response := WorkflowResultResponse{WorkflowID: workflowID, Completed: completed}
	if completed {
		response.Result = &output
	}
	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// AuditReports handles GET /v1/workflows/{workflow_id}/audit
// Returns every audit verdict recorded for the workflow, oldest first.
func (h *WorkflowsHandler) AuditReports(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")

	reports, err := h.coordinator.GetAuditReports(r.Context(), workflowID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, reports); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Reset handles POST /v1/workflows/{workflow_id}/reset
// Manually puts the workflow back into rework. The body is a bare JSON
// array of rework suggestions; an empty body resets without suggestions.
func (h *WorkflowsHandler) Reset(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")

	var suggestions []string
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&suggestions); err != nil {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}

	if err := h.coordinator.ResetWorkflow(r.Context(), workflowID, suggestions); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
