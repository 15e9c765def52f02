package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/apperrors"
	"github.com/agentmesh/agentmesh-server/pkg/cache"
	"github.com/agentmesh/agentmesh-server/pkg/models"
	"github.com/agentmesh/agentmesh-server/pkg/repositories"
)

// finishTimeout bounds the background audit and synthesis of a workflow
// that just completed its last task.
const finishTimeout = 10 * time.Minute

// CoordinatorService is the hub the HTTP surface talks to: workers poll it
// for tasks and submit results, and clients query workflow progress. Task
// state transitions run inside database transactions so concurrent workers
// never double-claim or double-complete.
type CoordinatorService struct {
	db          TxRunner
	tasks       repositories.TaskRepository
	workflows   repositories.WorkflowRepository
	projects    repositories.ProjectRepository
	results     repositories.ResultRepository
	reports     repositories.AuditReportRepository
	auditor     *AuditService
	synthesizer *SynthesisService
	cache       *cache.Cache
	logger      *zap.Logger
}

// NewCoordinatorService creates a new coordinator service.
func NewCoordinatorService(
	db TxRunner,
	tasks repositories.TaskRepository,
	workflows repositories.WorkflowRepository,
	projects repositories.ProjectRepository,
	results repositories.ResultRepository,
	reports repositories.AuditReportRepository,
	auditor *AuditService,
	synthesizer *SynthesisService,
	c *cache.Cache,
	logger *zap.Logger,
) *CoordinatorService {
	return &CoordinatorService{
		db:          db,
		tasks:       tasks,
		workflows:   workflows,
		projects:    projects,
		results:     results,
		reports:     reports,
		auditor:     auditor,
		synthesizer: synthesizer,
		cache:       c,
		logger:      logger.Named("coordinator"),
	}
}

// PollTask claims the next task for a polling worker. Returns (nil, nil)
// when no matching READY task exists.
func (s *CoordinatorService) PollTask(ctx context.Context, req *models.ClientPollRequest) (*models.TaskStep, error) {
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", apperrors.ErrValidation)
	}
	if len(req.Capabilities) == 0 {
		return nil, fmt.Errorf("%w: at least one capability is required", apperrors.ErrValidation)
	}
	for _, capability := range req.Capabilities {
		if !models.IsValidAgent(capability) {
			return nil, fmt.Errorf("%w: unknown agent type %q", apperrors.ErrValidation, capability)
		}
	}

	// When every polled role is known to have nothing READY, skip the
	// claim transaction entirely.
	if req.PreferredTaskID == "" && s.allRolesIdle(ctx, req.Capabilities) {
		s.cache.IncrReadyTaskCacheHits(ctx)
		return nil, nil
	}

	step, err := s.tasks.ClaimReady(ctx, req)
	if err != nil {
		return nil, err
	}
	if step == nil {
		for _, capability := range req.Capabilities {
			s.cache.MarkReadyTasks(ctx, capability, 0)
		}
		return nil, nil
	}

	s.logger.Info("task claimed",
		zap.String("workflow_id", step.WorkflowID),
		zap.String("task_id", step.StepID),
		zap.String("client_id", req.ClientID),
		zap.String("agent", step.AssignedAgent))
	return step, nil
}

func (s *CoordinatorService) allRolesIdle(ctx context.Context, roles []string) bool {
	if !s.cache.Enabled() {
		return false
	}
	for _, role := range roles {
		n, ok := s.cache.ReadyTaskHint(ctx, role)
		if !ok || n > 0 {
			return false
		}
	}
	return true
}

// SaveResult records a task's execution history and completes the task.
// In the same transaction it promotes newly unblocked tasks and, when the
// last task finished, flips the workflow to COMPLETED. The audit and
// synthesis of a completed workflow run in the background.
func (s *CoordinatorService) SaveResult(ctx context.Context, result *models.TaskResult) error {
	if result.WorkflowID == "" || result.TaskID == "" {
		return fmt.Errorf("%w: workflow_id and task_id are required", apperrors.ErrValidation)
	}

	completedAt := time.Now()
	if result.CompletedAt != nil {
		completedAt = *result.CompletedAt
	} else {
		result.CompletedAt = &completedAt
	}

	var workflowDone bool
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		if err := s.tasks.MarkCompleted(ctx, result.WorkflowID, result.TaskID, completedAt); err != nil {
			return err
		}
		if err := s.results.Save(ctx, result); err != nil {
			return err
		}
		promoted, err := s.tasks.DispatchReady(ctx, result.WorkflowID)
		if err != nil {
			return err
		}
		if promoted > 0 {
			s.logger.Debug("tasks promoted to READY",
				zap.String("workflow_id", result.WorkflowID), zap.Int("count", promoted))
		}
		workflowDone, err = s.workflows.MarkCompletedIfAllTasksDone(ctx, result.WorkflowID)
		return err
	})
	if err != nil {
		return err
	}

	s.cache.IncrTasksCompleted(ctx)
	s.cache.InvalidateWorkflowStatus(ctx, result.WorkflowID)
	s.cache.InvalidateReadyTasks(ctx, models.ValidAgents...)

	s.logger.Info("task result saved",
		zap.String("workflow_id", result.WorkflowID),
		zap.String("task_id", result.TaskID),
		zap.Bool("workflow_complete", workflowDone))

	if workflowDone {
		go s.finishWorkflow(result.WorkflowID)
	}
	return nil
}

// finishWorkflow audits a completed workflow and, when it passes, writes
// the final deliverable and cascades completion up to the project. Runs
// detached from the request that completed the last task.
func (s *CoordinatorService) finishWorkflow(workflowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	report, err := s.auditor.Run(ctx, workflowID)
	if err != nil {
		s.logger.Error("workflow audit failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}
	s.cache.InvalidateWorkflowStatus(ctx, workflowID)

	if !report.IsSuccessful {
		// The auditor already reset the tasks; workers will pick the
		// rework up on their next poll.
		s.cache.InvalidateReadyTasks(ctx, models.ValidAgents...)
		return
	}

	graph, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		s.logger.Error("failed to load completed workflow",
			zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}

	taskResults, err := s.results.ListByWorkflow(ctx, workflowID)
	if err != nil {
		s.logger.Error("failed to load results for synthesis",
			zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}
	histories := make([]models.RAHistory, 0, len(taskResults))
	for _, r := range taskResults {
		histories = append(histories, r.RAHistory)
	}

	if _, err := s.synthesizer.SynthesizeAndSave(ctx, workflowID, projectDir(graph), histories); err != nil {
		s.logger.Error("failed to synthesize workflow output",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}

	if graph.ProjectID != nil {
		flipped, err := s.projects.MarkCompletedIfAllWorkflowsDone(ctx, *graph.ProjectID)
		if err != nil {
			s.logger.Error("failed to cascade project completion",
				zap.String("workflow_id", workflowID), zap.Error(err))
		} else if flipped {
			s.logger.Info("project completed", zap.String("workflow_id", workflowID))
		}
	}
}

// projectDir returns the workflow's on-disk project directory, if any.
func projectDir(graph *models.TaskGraph) string {
	for _, step := range graph.Steps {
		if step.ProjectPath != "" {
			return step.ProjectPath
		}
	}
	return ""
}

// GetWorkflowStatus returns the workflow's task counts, served from cache
// when fresh.
func (s *CoordinatorService) GetWorkflowStatus(ctx context.Context, workflowID string) (*models.WorkflowStatus, error) {
	if status, ok := s.cache.GetWorkflowStatus(ctx, workflowID); ok {
		return status, nil
	}
	status, err := s.workflows.GetStatus(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	s.cache.SetWorkflowStatus(ctx, status)
	return status, nil
}

// GetWorkflowResult returns the final deliverable of a completed workflow.
// An incomplete workflow yields ("", false, nil): not an error, just not
// done yet.
func (s *CoordinatorService) GetWorkflowResult(ctx context.Context, workflowID string) (string, bool, error) {
	graph, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return "", false, err
	}
	if graph.Status != models.WorkflowStateCompleted {
		return "", false, nil
	}

	if dir := projectDir(graph); dir != "" {
		if raw, err := os.ReadFile(filepath.Join(dir, "FINAL_OUTPUT.md")); err == nil {
			return string(raw), true, nil
		}
	}

	// No saved artifact; synthesize on demand.
	taskResults, err := s.results.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return "", false, err
	}
	if len(taskResults) == 0 {
		return "", false, fmt.Errorf("%w: workflow %s completed without results", apperrors.ErrNotFound, workflowID)
	}
	histories := make([]models.RAHistory, 0, len(taskResults))
	for _, r := range taskResults {
		histories = append(histories, r.RAHistory)
	}
	return s.synthesizer.Synthesize(ctx, workflowID, histories), true, nil
}

// GetAuditReports returns every audit verdict recorded for a workflow.
func (s *CoordinatorService) GetAuditReports(ctx context.Context, workflowID string) ([]*models.AuditReport, error) {
	if _, err := s.workflows.GetStatus(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.reports.ListByWorkflow(ctx, workflowID)
}

// ResetWorkflow manually puts a workflow back into rework, recording the
// caller's suggestions for the next round.
func (s *CoordinatorService) ResetWorkflow(ctx context.Context, workflowID string, suggestions []string) error {
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.tasks.ResetForRework(ctx, workflowID); err != nil {
			return err
		}
		// The redone tasks will submit fresh results; stale ones would
		// double up in the next audit and synthesis.
		if _, err := s.results.DeleteByWorkflow(ctx, workflowID); err != nil {
			return err
		}
		if err := s.workflows.SetStatus(ctx, workflowID, models.WorkflowStateActive); err != nil {
			return err
		}
		if len(suggestions) > 0 {
			return s.workflows.MergeMetadata(ctx, workflowID, map[string]interface{}{
				"rework_suggestions": suggestions,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.InvalidateWorkflowStatus(ctx, workflowID)
	s.cache.InvalidateReadyTasks(ctx, models.ValidAgents...)
	s.logger.Info("workflow reset",
		zap.String("workflow_id", workflowID),
		zap.Strings("suggestions", suggestions))
	return nil
}

// WorkerStatus reports which clients currently hold claimed tasks.
func (s *CoordinatorService) WorkerStatus(ctx context.Context) (*models.WorkerStatus, error) {
	steps, err := s.tasks.ListInProgress(ctx)
	if err != nil {
		return nil, err
	}

	status := &models.WorkerStatus{WorkerTasks: map[string]models.WorkerTask{}}
	for _, step := range steps {
		if step.ClientID == nil {
			continue
		}
		status.WorkerTasks[*step.ClientID] = models.WorkerTask{
			TaskID:          step.StepID,
			TaskDescription: step.TaskDescription,
			WorkflowID:      step.WorkflowID,
			AssignedAgent:   step.AssignedAgent,
			StartedAt:       step.StartedAt,
		}
		status.TotalActive++
	}
	return status, nil
}
