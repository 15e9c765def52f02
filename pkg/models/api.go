package models

// TaskGraphRequest is the payload submitting a new user request for planning.
// WorkflowName overrides the planner's generated name, ProjectID attaches the
// workflow to an existing project instead of minting a new one, and FastMode
// skips LLM planning in favor of a single-task plan.
type TaskGraphRequest struct {
	UserRequest  string                 `json:"user_request"`
	WorkflowName string                 `json:"workflow_name,omitempty"`
	ProjectID    string                 `json:"project_id,omitempty"`
	FastMode     bool                   `json:"fast_mode,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ClientPollRequest describes a worker asking for its next task.
type ClientPollRequest struct {
	ClientID        string   `json:"agent_id"`
	Capabilities    []string `json:"agent_capabilities"`
	PreferredTaskID string   `json:"preferred_task_id,omitempty"`
}
