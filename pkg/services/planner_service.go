package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/apperrors"
	"github.com/agentmesh/agentmesh-server/pkg/cache"
	"github.com/agentmesh/agentmesh-server/pkg/filelock"
	"github.com/agentmesh/agentmesh-server/pkg/jsonutil"
	"github.com/agentmesh/agentmesh-server/pkg/llm"
	"github.com/agentmesh/agentmesh-server/pkg/models"
	"github.com/agentmesh/agentmesh-server/pkg/prompts"
	"github.com/agentmesh/agentmesh-server/pkg/repositories"
	"github.com/agentmesh/agentmesh-server/pkg/workspace"
)

const planningTemperature = 0.2

// agentRemap fixes up role names models like to invent. Anything not in
// the valid set and not here falls back to analyst.
var agentRemap = map[string]string{
	"reviewer":    models.AgentAnalyst,
	"planner":     models.AgentArchitect,
	"coordinator": models.AgentArchitect,
	"manager":     models.AgentArchitect,
}

// plannedTask mirrors one task in the planner model's JSON output.
type plannedTask struct {
	StepID          string   `json:"step_id"`
	TaskName        string   `json:"task_name"`
	TaskDescription string   `json:"task_description"`
	AssignedAgent   string   `json:"assigned_agent"`
	Dependencies    []string `json:"dependencies"`
}

// UnmarshalJSON tolerates the shapes models actually emit: numeric step
// IDs, and dependencies given as a single string instead of a list.
func (t *plannedTask) UnmarshalJSON(data []byte) error {
	var raw struct {
		StepID          json.RawMessage `json:"step_id"`
		TaskName        json.RawMessage `json:"task_name"`
		TaskDescription json.RawMessage `json:"task_description"`
		AssignedAgent   json.RawMessage `json:"assigned_agent"`
		Dependencies    json.RawMessage `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.StepID = jsonutil.FlexibleStringValue(raw.StepID)
	t.TaskName = jsonutil.FlexibleStringValue(raw.TaskName)
	t.TaskDescription = jsonutil.FlexibleStringValue(raw.TaskDescription)
	t.AssignedAgent = strings.ToLower(strings.TrimSpace(jsonutil.FlexibleStringValue(raw.AssignedAgent)))

	t.Dependencies = nil
	if len(raw.Dependencies) > 0 && string(raw.Dependencies) != "null" {
		if err := json.Unmarshal(raw.Dependencies, &t.Dependencies); err != nil {
			if dep := jsonutil.FlexibleStringValue(raw.Dependencies); dep != "" {
				t.Dependencies = []string{dep}
			}
		}
	}
	return nil
}

// plannedGraph mirrors the planner model's JSON output.
type plannedGraph struct {
	WorkflowName string                 `json:"workflow_name"`
	Tasks        []plannedTask          `json:"tasks"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// PlannerService turns user requests into persisted task graphs.
type PlannerService struct {
	db        TxRunner
	gateway   *llm.Gateway
	ids       repositories.IDRepository
	projects  repositories.ProjectRepository
	workflows repositories.WorkflowRepository
	tasks     repositories.TaskRepository
	workspace *workspace.Manager
	cache     *cache.Cache
	logger    *zap.Logger
}

// NewPlannerService creates a new planner service.
func NewPlannerService(
	db TxRunner,
	gateway *llm.Gateway,
	ids repositories.IDRepository,
	projects repositories.ProjectRepository,
	workflows repositories.WorkflowRepository,
	tasks repositories.TaskRepository,
	ws *workspace.Manager,
	c *cache.Cache,
	logger *zap.Logger,
) *PlannerService {
	return &PlannerService{
		db:        db,
		gateway:   gateway,
		ids:       ids,
		projects:  projects,
		workflows: workflows,
		tasks:     tasks,
		workspace: ws,
		cache:     c,
		logger:    logger.Named("planner"),
	}
}

// PlanAndSave asks the model for a task graph, validates and normalizes
// it, and persists project, workflow and steps in one transaction. A
// planning failure of any kind degrades to a single-task fallback plan so
// the request is never lost. Returns the persisted graph with its steps.
func (s *PlannerService) PlanAndSave(ctx context.Context, req *models.TaskGraphRequest) (*models.TaskGraph, error) {
	var plan plannedGraph
	if req.FastMode {
		// Fast mode trades graph quality for latency: no planning call,
		// the whole request runs as one task.
		plan = singleTaskPlan(req.UserRequest)
		plan.Metadata = map[string]interface{}{"fast_mode": true}
	} else {
		var err error
		plan, err = llm.GenerateStructured[plannedGraph](
			ctx, s.gateway,
			prompts.BuildPlanningInput(req.UserRequest, req.Metadata),
			prompts.BuildPlanningSystemPrompt(),
			prompts.PlanningSchemaHint,
			planningTemperature,
		)
		if err == nil {
			err = validatePlan(&plan)
		}
		if err != nil {
			s.logger.Warn("planning failed, using fallback plan", zap.Error(err))
			plan = fallbackPlan(req.UserRequest)
		}
	}

	normalizeAgents(&plan)

	workflowName := req.WorkflowName
	if workflowName == "" {
		workflowName = plan.WorkflowName
	}
	if workflowName == "" || workflowName == "Untitled Workflow" {
		workflowName = truncateRequest(req.UserRequest)
	}
	projectName := workflowName
	if name, ok := req.Metadata["project_name"].(string); ok && name != "" {
		projectName = name
	}

	var workflowID string
	var project *models.Project
	var agents []string

	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		var err error
		project, err = s.resolveProject(ctx, req, projectName)
		if err != nil {
			return err
		}

		workflowID, err = s.ids.NextWorkflowID(ctx)
		if err != nil {
			return err
		}

		metadata := map[string]interface{}{}
		for k, v := range plan.Metadata {
			metadata[k] = v
		}
		for k, v := range req.Metadata {
			metadata[k] = v
		}
		metadata["user_request"] = req.UserRequest
		metadata["workflow_name"] = workflowName

		graph := &models.TaskGraph{
			WorkflowID: workflowID,
			ProjectID:  &project.ID,
			Metadata:   metadata,
		}
		if err := s.workflows.Create(ctx, graph); err != nil {
			return err
		}

		steps, err := s.buildSteps(ctx, workflowID, &plan)
		if err != nil {
			return err
		}
		for _, step := range steps {
			agents = append(agents, step.AssignedAgent)
		}
		return s.tasks.InsertSteps(ctx, steps)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to persist task graph: %w", err)
	}

	s.prepareProjectDir(ctx, project, workflowID, req)
	s.cache.InvalidateReadyTasks(ctx, agents...)

	s.logger.Info("workflow planned",
		zap.String("workflow_id", workflowID),
		zap.String("project_id", project.ProjectID),
		zap.Int("tasks", len(plan.Tasks)))

	graph, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load planned task graph: %w", err)
	}
	return graph, nil
}

// resolveProject attaches the workflow to the requested existing project,
// or mints a new one when no project_id was supplied.
func (s *PlannerService) resolveProject(ctx context.Context, req *models.TaskGraphRequest, name string) (*models.Project, error) {
	if req.ProjectID != "" {
		project, err := s.projects.GetByProjectID(ctx, req.ProjectID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown project_id %s", apperrors.ErrValidation, req.ProjectID)
			}
			return nil, err
		}
		return project, nil
	}

	projectID, err := s.ids.NextProjectID(ctx)
	if err != nil {
		return nil, err
	}
	project := &models.Project{
		ProjectID: projectID,
		Name:      name,
		Metadata:  map[string]interface{}{"user_request": req.UserRequest},
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// buildSteps assigns sequential task IDs, rewrites dependencies to them,
// and marks dependency-free steps READY.
func (s *PlannerService) buildSteps(ctx context.Context, workflowID string, plan *plannedGraph) ([]*models.TaskStep, error) {
	idByPlanStep := make(map[string]string, len(plan.Tasks))
	for _, t := range plan.Tasks {
		taskID, err := s.ids.NextTaskID(ctx)
		if err != nil {
			return nil, err
		}
		idByPlanStep[t.StepID] = taskID
	}

	steps := make([]*models.TaskStep, 0, len(plan.Tasks))
	now := time.Now()
	for i, t := range plan.Tasks {
		deps := make([]string, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			deps = append(deps, idByPlanStep[d])
		}

		status := models.TaskStatusPending
		if len(deps) == 0 {
			status = models.TaskStatusReady
		}

		// Pre-compute which files the task will touch so workers can
		// request the right locks without re-parsing the description.
		fileDeps := filelock.ExtractPaths(t.TaskDescription)
		access := filelock.ClassifyAccess(t.TaskDescription)
		accessTypes := make(map[string]string, len(fileDeps))
		for _, f := range fileDeps {
			accessTypes[f] = string(access)
		}

		steps = append(steps, &models.TaskStep{
			StepID:           idByPlanStep[t.StepID],
			WorkflowID:       workflowID,
			TaskDescription:  t.TaskDescription,
			AssignedAgent:    t.AssignedAgent,
			Dependencies:     deps,
			FileDependencies: fileDeps,
			FileAccessTypes:  accessTypes,
			Status:           status,
			// Spread creation stamps so FIFO claiming follows plan order.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		})
	}
	return steps, nil
}

// prepareProjectDir creates the on-disk project folder and records its
// path. An existing project keeps its directory. Disk problems are logged,
// not fatal: the graph is already saved.
func (s *PlannerService) prepareProjectDir(ctx context.Context, project *models.Project, workflowID string, req *models.TaskGraphRequest) {
	dir := project.Path
	if dir == "" {
		var err error
		dir, err = s.workspace.ProjectDir(project.ProjectID, project.Name)
		if err != nil {
			s.logger.Warn("failed to create project directory", zap.Error(err))
			return
		}
		if err := s.projects.UpdatePath(ctx, project.ID, dir); err != nil {
			s.logger.Warn("failed to record project path", zap.Error(err))
		}
	}
	if err := s.tasks.SetProjectPath(ctx, workflowID, dir); err != nil {
		s.logger.Warn("failed to stamp tasks with project path", zap.Error(err))
	}
	if err := s.workspace.SaveRequest(dir, workflowID, project.Name, req.UserRequest, req.Metadata); err != nil {
		s.logger.Warn("failed to save request snapshot", zap.Error(err))
	}
}

// validatePlan rejects graphs the executor could never finish: no tasks,
// duplicate or empty step IDs, unknown or self dependencies, cycles.
func validatePlan(plan *plannedGraph) error {
	if len(plan.Tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}

	known := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.StepID == "" {
			return fmt.Errorf("plan has a task without step_id")
		}
		if t.TaskDescription == "" {
			return fmt.Errorf("task %s has no description", t.StepID)
		}
		if known[t.StepID] {
			return fmt.Errorf("duplicate step_id %s", t.StepID)
		}
		known[t.StepID] = true
	}

	indegree := make(map[string]int, len(plan.Tasks))
	dependents := make(map[string][]string)
	for _, t := range plan.Tasks {
		for _, d := range t.Dependencies {
			if d == t.StepID {
				return fmt.Errorf("task %s depends on itself", t.StepID)
			}
			if !known[d] {
				return fmt.Errorf("task %s depends on unknown step %s", t.StepID, d)
			}
			indegree[t.StepID]++
			dependents[d] = append(dependents[d], t.StepID)
		}
	}

	// Kahn's algorithm: every task must be reachable once its
	// dependencies resolve, otherwise the graph has a cycle.
	var queue []string
	for _, t := range plan.Tasks {
		if indegree[t.StepID] == 0 {
			queue = append(queue, t.StepID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(plan.Tasks) {
		return fmt.Errorf("plan contains a dependency cycle")
	}
	return nil
}

// normalizeAgents maps invented role names onto the valid set.
func normalizeAgents(plan *plannedGraph) {
	for i := range plan.Tasks {
		agent := plan.Tasks[i].AssignedAgent
		if models.IsValidAgent(agent) {
			continue
		}
		if mapped, ok := agentRemap[agent]; ok {
			plan.Tasks[i].AssignedAgent = mapped
		} else {
			plan.Tasks[i].AssignedAgent = models.AgentAnalyst
		}
	}
}

// singleTaskPlan runs the whole request as one analyst task.
func singleTaskPlan(userRequest string) plannedGraph {
	return plannedGraph{
		WorkflowName: truncateRequest(userRequest),
		Tasks: []plannedTask{
			{
				StepID:          "fallback_task",
				TaskName:        "Complete Request",
				TaskDescription: "Complete the user request: " + userRequest,
				AssignedAgent:   models.AgentAnalyst,
			},
		},
	}
}

// fallbackPlan is the degenerate single-task plan used when the model
// cannot produce a usable graph.
func fallbackPlan(userRequest string) plannedGraph {
	plan := singleTaskPlan(userRequest)
	plan.Metadata = map[string]interface{}{"fallback": true}
	return plan
}

// truncateRequest shortens long requests for use as names, cutting on a
// rune boundary so multi-byte input never yields a broken string.
func truncateRequest(request string) string {
	runes := []rune(request)
	if len(runes) > 50 {
		return string(runes[:50]) + "..."
	}
	return request
}
