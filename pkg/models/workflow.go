package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowState is the lifecycle state of a workflow or project.
type WorkflowState string

const (
	WorkflowStateActive    WorkflowState = "ACTIVE"
	WorkflowStateCompleted WorkflowState = "COMPLETED"
	WorkflowStateFailed    WorkflowState = "FAILED"
)

// Project groups related workflows and owns an output directory on disk.
type Project struct {
	ID        uuid.UUID              `json:"-"`
	ProjectID string                 `json:"project_id"` // PID, 6-digit
	Name      string                 `json:"name"`
	Path      string                 `json:"path,omitempty"`
	Status    WorkflowState          `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// WorkflowStatus is the progress summary returned to clients.
type WorkflowStatus struct {
	WorkflowID     string         `json:"workflow_id"`
	Status         WorkflowState  `json:"status"`
	TotalTasks     int            `json:"total_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	TasksByStatus  map[string]int `json:"tasks_by_status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// WorkerTask describes one in-progress claim for the worker status view.
type WorkerTask struct {
	TaskID          string     `json:"task_id"`
	TaskDescription string     `json:"task_description"`
	WorkflowID      string     `json:"workflow_id"`
	AssignedAgent   string     `json:"assigned_agent"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
}

// WorkerStatus maps active client IDs to the task each one is working on.
type WorkerStatus struct {
	WorkerTasks map[string]WorkerTask `json:"worker_tasks"`
	TotalActive int                   `json:"total_active"`
}
