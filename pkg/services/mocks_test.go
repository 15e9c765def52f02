package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh-server/pkg/models"
)

// passthroughTx satisfies TxRunner without a database: the callback runs
// directly against the mocks.
type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// mockIDRepo hands out sequential identifiers in the production formats.
type mockIDRepo struct {
	projectSeq  int
	workflowSeq int
	taskSeq     int
}

func (m *mockIDRepo) NextProjectID(ctx context.Context) (string, error) {
	m.projectSeq++
	return fmt.Sprintf("PID%06d", m.projectSeq), nil
}

func (m *mockIDRepo) NextWorkflowID(ctx context.Context) (string, error) {
	m.workflowSeq++
	return fmt.Sprintf("WID%08d", m.workflowSeq), nil
}

func (m *mockIDRepo) NextTaskID(ctx context.Context) (string, error) {
	m.taskSeq++
	return fmt.Sprintf("TID%010d", m.taskSeq), nil
}

type mockProjectRepo struct {
	CreateFunc                          func(ctx context.Context, project *models.Project) error
	GetFunc                             func(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetByProjectIDFunc                  func(ctx context.Context, projectID string) (*models.Project, error)
	UpdatePathFunc                      func(ctx context.Context, id uuid.UUID, path string) error
	SetStatusFunc                       func(ctx context.Context, id uuid.UUID, status models.WorkflowState) error
	MarkCompletedIfAllWorkflowsDoneFunc func(ctx context.Context, id uuid.UUID) (bool, error)
}

func (m *mockProjectRepo) Create(ctx context.Context, project *models.Project) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, project)
	}
	project.ID = uuid.New()
	return nil
}

func (m *mockProjectRepo) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockProjectRepo) GetByProjectID(ctx context.Context, projectID string) (*models.Project, error) {
	if m.GetByProjectIDFunc != nil {
		return m.GetByProjectIDFunc(ctx, projectID)
	}
	return nil, nil
}

func (m *mockProjectRepo) UpdatePath(ctx context.Context, id uuid.UUID, path string) error {
	if m.UpdatePathFunc != nil {
		return m.UpdatePathFunc(ctx, id, path)
	}
	return nil
}

func (m *mockProjectRepo) SetStatus(ctx context.Context, id uuid.UUID, status models.WorkflowState) error {
	if m.SetStatusFunc != nil {
		return m.SetStatusFunc(ctx, id, status)
	}
	return nil
}

func (m *mockProjectRepo) MarkCompletedIfAllWorkflowsDone(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.MarkCompletedIfAllWorkflowsDoneFunc != nil {
		return m.MarkCompletedIfAllWorkflowsDoneFunc(ctx, id)
	}
	return false, nil
}

type mockWorkflowRepo struct {
	CreateFunc                      func(ctx context.Context, graph *models.TaskGraph) error
	GetFunc                         func(ctx context.Context, workflowID string) (*models.TaskGraph, error)
	GetStatusFunc                   func(ctx context.Context, workflowID string) (*models.WorkflowStatus, error)
	SetStatusFunc                   func(ctx context.Context, workflowID string, status models.WorkflowState) error
	MergeMetadataFunc               func(ctx context.Context, workflowID string, patch map[string]interface{}) error
	MarkCompletedIfAllTasksDoneFunc func(ctx context.Context, workflowID string) (bool, error)
}

func (m *mockWorkflowRepo) Create(ctx context.Context, graph *models.TaskGraph) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, graph)
	}
	return nil
}

func (m *mockWorkflowRepo) Get(ctx context.Context, workflowID string) (*models.TaskGraph, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, workflowID)
	}
	return &models.TaskGraph{WorkflowID: workflowID, Status: models.WorkflowStateActive}, nil
}

func (m *mockWorkflowRepo) GetStatus(ctx context.Context, workflowID string) (*models.WorkflowStatus, error) {
	if m.GetStatusFunc != nil {
		return m.GetStatusFunc(ctx, workflowID)
	}
	return &models.WorkflowStatus{WorkflowID: workflowID}, nil
}

func (m *mockWorkflowRepo) SetStatus(ctx context.Context, workflowID string, status models.WorkflowState) error {
	if m.SetStatusFunc != nil {
		return m.SetStatusFunc(ctx, workflowID, status)
	}
	return nil
}

func (m *mockWorkflowRepo) MergeMetadata(ctx context.Context, workflowID string, patch map[string]interface{}) error {
	if m.MergeMetadataFunc != nil {
		return m.MergeMetadataFunc(ctx, workflowID, patch)
	}
	return nil
}

func (m *mockWorkflowRepo) MarkCompletedIfAllTasksDone(ctx context.Context, workflowID string) (bool, error) {
	if m.MarkCompletedIfAllTasksDoneFunc != nil {
		return m.MarkCompletedIfAllTasksDoneFunc(ctx, workflowID)
	}
	return false, nil
}

type mockTaskRepo struct {
	InsertStepsFunc    func(ctx context.Context, steps []*models.TaskStep) error
	ListByWorkflowFunc func(ctx context.Context, workflowID string) ([]*models.TaskStep, error)
	GetFunc            func(ctx context.Context, workflowID, stepID string) (*models.TaskStep, error)
	ClaimReadyFunc     func(ctx context.Context, req *models.ClientPollRequest) (*models.TaskStep, error)
	DispatchReadyFunc  func(ctx context.Context, workflowID string) (int, error)
	ResetForReworkFunc func(ctx context.Context, workflowID string) (int, error)
	MarkCompletedFunc  func(ctx context.Context, workflowID, stepID string, completedAt time.Time) error
	ListInProgressFunc func(ctx context.Context) ([]*models.TaskStep, error)
	SetProjectPathFunc func(ctx context.Context, workflowID, path string) error
}

func (m *mockTaskRepo) InsertSteps(ctx context.Context, steps []*models.TaskStep) error {
	if m.InsertStepsFunc != nil {
		return m.InsertStepsFunc(ctx, steps)
	}
	return nil
}

func (m *mockTaskRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.TaskStep, error) {
	if m.ListByWorkflowFunc != nil {
		return m.ListByWorkflowFunc(ctx, workflowID)
	}
	return nil, nil
}

func (m *mockTaskRepo) Get(ctx context.Context, workflowID, stepID string) (*models.TaskStep, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, workflowID, stepID)
	}
	return nil, nil
}

func (m *mockTaskRepo) ClaimReady(ctx context.Context, req *models.ClientPollRequest) (*models.TaskStep, error) {
	if m.ClaimReadyFunc != nil {
		return m.ClaimReadyFunc(ctx, req)
	}
	return nil, nil
}

func (m *mockTaskRepo) DispatchReady(ctx context.Context, workflowID string) (int, error) {
	if m.DispatchReadyFunc != nil {
		return m.DispatchReadyFunc(ctx, workflowID)
	}
	return 0, nil
}

func (m *mockTaskRepo) ResetForRework(ctx context.Context, workflowID string) (int, error) {
	if m.ResetForReworkFunc != nil {
		return m.ResetForReworkFunc(ctx, workflowID)
	}
	return 0, nil
}

func (m *mockTaskRepo) MarkCompleted(ctx context.Context, workflowID, stepID string, completedAt time.Time) error {
	if m.MarkCompletedFunc != nil {
		return m.MarkCompletedFunc(ctx, workflowID, stepID, completedAt)
	}
	return nil
}

func (m *mockTaskRepo) ListInProgress(ctx context.Context) ([]*models.TaskStep, error) {
	if m.ListInProgressFunc != nil {
		return m.ListInProgressFunc(ctx)
	}
	return nil, nil
}

func (m *mockTaskRepo) SetProjectPath(ctx context.Context, workflowID, path string) error {
	if m.SetProjectPathFunc != nil {
		return m.SetProjectPathFunc(ctx, workflowID, path)
	}
	return nil
}

type mockResultRepo struct {
	SaveFunc             func(ctx context.Context, result *models.TaskResult) error
	ListByWorkflowFunc   func(ctx context.Context, workflowID string) ([]*models.TaskResult, error)
	DeleteByWorkflowFunc func(ctx context.Context, workflowID string) (int, error)
}

func (m *mockResultRepo) Save(ctx context.Context, result *models.TaskResult) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, result)
	}
	return nil
}

func (m *mockResultRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.TaskResult, error) {
	if m.ListByWorkflowFunc != nil {
		return m.ListByWorkflowFunc(ctx, workflowID)
	}
	return nil, nil
}

func (m *mockResultRepo) DeleteByWorkflow(ctx context.Context, workflowID string) (int, error) {
	if m.DeleteByWorkflowFunc != nil {
		return m.DeleteByWorkflowFunc(ctx, workflowID)
	}
	return 0, nil
}

type mockReportRepo struct {
	SaveFunc           func(ctx context.Context, report *models.AuditReport) error
	ListByWorkflowFunc func(ctx context.Context, workflowID string) ([]*models.AuditReport, error)
}

func (m *mockReportRepo) Save(ctx context.Context, report *models.AuditReport) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, report)
	}
	return nil
}

func (m *mockReportRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.AuditReport, error) {
	if m.ListByWorkflowFunc != nil {
		return m.ListByWorkflowFunc(ctx, workflowID)
	}
	return nil, nil
}
