package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/models"
	"github.com/agentmesh/agentmesh-server/pkg/services"
)

// FileLockRequest asks for or gives back access to one file.
type FileLockRequest struct {
	FilePath   string `json:"file_path"`
	AccessType string `json:"access_type,omitempty"`
	ClientID   string `json:"client_id"`
	TaskID     string `json:"task_id"`
}

// FilesHandler exposes the file-access coordinator to workers.
type FilesHandler struct {
	files  *services.FileAccessService
	logger *zap.Logger
}

// NewFilesHandler creates a new files handler.
func NewFilesHandler(files *services.FileAccessService, logger *zap.Logger) *FilesHandler {
	return &FilesHandler{files: files, logger: logger}
}

// RegisterRoutes registers the files handler's routes on the given mux.
func (h *FilesHandler) RegisterRoutes(mux *http.ServeMux, auth *AuthMiddleware) {
	mux.HandleFunc("POST /v1/files/lock", auth.RequireAuth(h.Lock))
	mux.HandleFunc("POST /v1/files/unlock", auth.RequireAuth(h.Unlock))
	mux.HandleFunc("GET /v1/files/locks", auth.RequireAuth(h.ListLocks))
}

func (h *FilesHandler) decode(w http.ResponseWriter, r *http.Request, req *FileLockRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	if req.FilePath == "" || req.ClientID == "" || req.TaskID == "" {
		if err := ErrorResponse(w, http.StatusUnprocessableEntity, "validation_error", "file_path, client_id and task_id are required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	return true
}

// Lock handles POST /v1/files/lock
// Grants the worker access to the file, waiting briefly for conflicting
// holders. 423 means the wait timed out.
func (h *FilesHandler) Lock(w http.ResponseWriter, r *http.Request) {
	var req FileLockRequest
	if !h.decode(w, r, &req) {
		return
	}

	access := models.AccessType(req.AccessType)
	switch access {
	case "":
		access = models.AccessRead
	case models.AccessRead, models.AccessWrite, models.AccessExclusive:
	default:
		if err := ErrorResponse(w, http.StatusUnprocessableEntity, "validation_error", "access_type must be read, write or exclusive"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	record, err := h.files.Acquire(r.Context(), req.FilePath, access, req.ClientID, req.TaskID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if err := WriteJSON(w, http.StatusCreated, record); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Unlock handles POST /v1/files/unlock
// Releases a grant the worker holds.
func (h *FilesHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req FileLockRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.files.Release(r.Context(), req.FilePath, req.ClientID, req.TaskID); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListLocks handles GET /v1/files/locks
// Returns every open grant for operator inspection.
func (h *FilesHandler) ListLocks(w http.ResponseWriter, r *http.Request) {
	records, err := h.files.ListActive(r.Context())
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, records); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
