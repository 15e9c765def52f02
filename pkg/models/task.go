package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a single task step.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusReady      TaskStatus = "READY"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
)

// AgentRole is one of the worker roles tasks can be assigned to.
type AgentRole = string

// Valid agent roles. Plans referencing anything else are remapped before
// the graph is persisted.
const (
	AgentResearcher AgentRole = "researcher"
	AgentWriter     AgentRole = "writer"
	AgentAnalyst    AgentRole = "analyst"
	AgentDeveloper  AgentRole = "developer"
	AgentTester     AgentRole = "tester"
	AgentArchitect  AgentRole = "architect"
)

// ValidAgents lists every role a task may be assigned to.
var ValidAgents = []AgentRole{
	AgentResearcher, AgentWriter, AgentAnalyst,
	AgentDeveloper, AgentTester, AgentArchitect,
}

// IsValidAgent reports whether role is an assignable worker role.
func IsValidAgent(role string) bool {
	for _, a := range ValidAgents {
		if a == role {
			return true
		}
	}
	return false
}

// TaskStep is a single unit of work inside a workflow's task graph.
type TaskStep struct {
	ID              uuid.UUID         `json:"-"`
	StepID          string            `json:"step_id"` // TID, 10-digit
	WorkflowID      string            `json:"workflow_id"`
	TaskDescription string            `json:"task_description"`
	AssignedAgent   AgentRole         `json:"assigned_agent"`
	Dependencies    []string          `json:"dependencies"`
	FileDependencies []string         `json:"file_dependencies,omitempty"`
	FileAccessTypes map[string]string `json:"file_access_types,omitempty"`
	Status          TaskStatus        `json:"status"`
	ClientID        *string           `json:"client_id,omitempty"`
	ProjectPath     string            `json:"project_path,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// TaskGraph is a workflow's full dependency graph.
type TaskGraph struct {
	ID         uuid.UUID              `json:"-"`
	WorkflowID string                 `json:"workflow_id"` // WID, 8-digit
	ProjectID  *uuid.UUID             `json:"-"`
	Steps      []*TaskStep            `json:"steps"`
	Status     WorkflowState          `json:"status"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Step returns the step with the given TID, or nil.
func (g *TaskGraph) Step(stepID string) *TaskStep {
	for _, s := range g.Steps {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}
