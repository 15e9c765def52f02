package models

import (
	"time"

	"github.com/google/uuid"
)

// ThoughtAction is one reasoning/acting iteration recorded by a worker.
type ThoughtAction struct {
	Thought         string `json:"thought"`
	Action          string `json:"action"`
	Observation     string `json:"observation,omitempty"`
	IterationNumber int    `json:"iteration_number"`
}

// RAHistory is the full reasoning trace a worker produced for one task.
type RAHistory struct {
	Iterations    []ThoughtAction `json:"iterations"`
	FinalResult   string          `json:"final_result"`
	SourceAgent   string          `json:"source_agent"`
	ExecutionTime float64         `json:"execution_time,omitempty"`
	ClientID      string          `json:"client_id,omitempty"`
}

// TaskResult is a completed task submission from a worker.
type TaskResult struct {
	ID          uuid.UUID  `json:"-"`
	WorkflowID  string     `json:"workflow_id"`
	TaskID      string     `json:"task_id"`
	RAHistory   RAHistory  `json:"ra_history"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AuditReport is the outcome of reviewing a completed workflow.
type AuditReport struct {
	ID                uuid.UUID `json:"-"`
	WorkflowID        string    `json:"workflow_id"`
	IsSuccessful      bool      `json:"is_successful"`
	Feedback          string    `json:"feedback"`
	ReworkSuggestions []string  `json:"rework_suggestions,omitempty"`
	ConfidenceScore   float64   `json:"confidence_score"`
	ReviewedTasks     []string  `json:"reviewed_tasks,omitempty"`
	AuditCriteria     []string  `json:"audit_criteria,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
