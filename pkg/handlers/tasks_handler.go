package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/models"
	"github.com/agentmesh/agentmesh-server/pkg/services"
)

// PollResponse carries the claimed task, or task: null when nothing is
// available.
type PollResponse struct {
	Task *models.TaskStep `json:"task"`
}

// TasksHandler handles workflow submission and worker polling.
type TasksHandler struct {
	planner     *services.PlannerService
	coordinator *services.CoordinatorService
	logger      *zap.Logger
}

// NewTasksHandler creates a new tasks handler.
func NewTasksHandler(planner *services.PlannerService, coordinator *services.CoordinatorService, logger *zap.Logger) *TasksHandler {
	return &TasksHandler{planner: planner, coordinator: coordinator, logger: logger}
}

// RegisterRoutes registers the tasks handler's routes on the given mux.
func (h *TasksHandler) RegisterRoutes(mux *http.ServeMux, auth *AuthMiddleware) {
	mux.HandleFunc("POST /v1/tasks", auth.RequireAuth(h.Create))
	mux.HandleFunc("GET /v1/tasks/ready", auth.RequireAuth(h.Poll))
}

// Create handles POST /v1/tasks
// Plans a task graph for the submitted user request and returns the
// persisted graph.
func (h *TasksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.TaskGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if strings.TrimSpace(req.UserRequest) == "" {
		if err := ErrorResponse(w, http.StatusUnprocessableEntity, "validation_error", "user_request is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	graph, err := h.planner.PlanAndSave(r.Context(), &req)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, graph); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// pollRequestFromQuery reads the worker's identity and capabilities from
// the poll query string. agent_capabilities may repeat and each value may
// carry a comma-separated list.
func pollRequestFromQuery(r *http.Request) *models.ClientPollRequest {
	query := r.URL.Query()
	req := &models.ClientPollRequest{
		ClientID:        query.Get("agent_id"),
		PreferredTaskID: query.Get("preferred_task_id"),
	}
	for _, raw := range query["agent_capabilities"] {
		for _, capability := range strings.Split(raw, ",") {
			if capability = strings.TrimSpace(capability); capability != "" {
				req.Capabilities = append(req.Capabilities, capability)
			}
		}
	}
	return req
}

// Poll handles GET /v1/tasks/ready
// Claims the next READY task for the polling worker. A poll that cannot
// claim anything, including one that fails internally, answers with
// task: null; workers just poll again.
func (h *TasksHandler) Poll(w http.ResponseWriter, r *http.Request) {
	req := pollRequestFromQuery(r)

	step, err := h.coordinator.PollTask(r.Context(), req)
	if err != nil {
		h.logger.Error("poll failed",
			zap.String("client_id", req.ClientID),
			zap.Strings("capabilities", req.Capabilities),
			zap.Error(err))
		step = nil
	}

	if err := WriteJSON(w, http.StatusOK, PollResponse{Task: step}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
