package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmesh/agentmesh-server/pkg/apperrors"
	"github.com/agentmesh/agentmesh-server/pkg/database"
	"github.com/agentmesh/agentmesh-server/pkg/models"
)

// WorkflowRepository defines data access for workflows (task graph headers).
// Task steps themselves live in TaskRepository.
type WorkflowRepository interface {
	Create(ctx context.Context, graph *models.TaskGraph) error
	Get(ctx context.Context, workflowID string) (*models.TaskGraph, error)
	GetStatus(ctx context.Context, workflowID string) (*models.WorkflowStatus, error)
	SetStatus(ctx context.Context, workflowID string, status models.WorkflowState) error
	// MergeMetadata folds patch into the workflow's metadata under a row lock.
	MergeMetadata(ctx context.Context, workflowID string, patch map[string]interface{}) error
	// MarkCompletedIfAllTasksDone flips the workflow to COMPLETED when every
	// task step is COMPLETED. Returns true if it flipped.
	MarkCompletedIfAllTasksDone(ctx context.Context, workflowID string) (bool, error)
}

type workflowRepository struct {
	db    *database.DB
	tasks TaskRepository
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *database.DB, tasks TaskRepository) WorkflowRepository {
	return &workflowRepository{db: db, tasks: tasks}
}

// Create inserts the workflow header row. Steps are inserted separately.
func (r *workflowRepository) Create(ctx context.Context, graph *models.TaskGraph) error {
	if graph.ID == uuid.Nil {
		graph.ID = uuid.New()
	}
	now := time.Now()
	graph.CreatedAt = now
	graph.UpdatedAt = now
	if graph.Status == "" {
		graph.Status = models.WorkflowStateActive
	}
	if graph.Metadata == nil {
		graph.Metadata = map[string]interface{}{}
	}

	metadata, err := json.Marshal(graph.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO workflows (id, workflow_id, project_id, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.Querier(ctx).Exec(ctx, query,
		graph.ID,
		graph.WorkflowID,
		graph.ProjectID,
		graph.Status,
		metadata,
		graph.CreatedAt,
		graph.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow with all its task steps.
func (r *workflowRepository) Get(ctx context.Context, workflowID string) (*models.TaskGraph, error) {
	query := `
		SELECT id, workflow_id, project_id, status, metadata, created_at, updated_at
		FROM workflows
		WHERE workflow_id = $1`

	var graph models.TaskGraph
	var metadata []byte
	err := r.db.Querier(ctx).QueryRow(ctx, query, workflowID).Scan(
		&graph.ID,
		&graph.WorkflowID,
		&graph.ProjectID,
		&graph.Status,
		&metadata,
		&graph.CreatedAt,
		&graph.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if err := json.Unmarshal(metadata, &graph.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	steps, err := r.tasks.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	graph.Steps = steps
	return &graph, nil
}

// GetStatus returns the per-status task counts for a workflow.
func (r *workflowRepository) GetStatus(ctx context.Context, workflowID string) (*models.WorkflowStatus, error) {
	q := r.db.Querier(ctx)

	status := &models.WorkflowStatus{
		WorkflowID:    workflowID,
		TasksByStatus: map[string]int{},
	}
	err := q.QueryRow(ctx,
		`SELECT status, created_at, updated_at FROM workflows WHERE workflow_id = $1`, workflowID).
		Scan(&status.Status, &status.CreatedAt, &status.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow status: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT status, count(*) FROM task_steps WHERE workflow_id = $1 GROUP BY status`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		status.TasksByStatus[s] = n
		status.TotalTasks += n
		if s == string(models.TaskStatusCompleted) {
			status.CompletedTasks = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task counts: %w", err)
	}
	return status, nil
}

// SetStatus updates the workflow lifecycle state.
func (r *workflowRepository) SetStatus(ctx context.Context, workflowID string, status models.WorkflowState) error {
	tag, err := r.db.Querier(ctx).Exec(ctx,
		`UPDATE workflows SET status = $2, updated_at = now() WHERE workflow_id = $1`,
		workflowID, status)
	if err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// MergeMetadata folds patch into the existing metadata map.
func (r *workflowRepository) MergeMetadata(ctx context.Context, workflowID string, patch map[string]interface{}) error {
	return r.db.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)

		var raw []byte
		err := q.QueryRow(ctx,
			`SELECT metadata FROM workflows WHERE workflow_id = $1 FOR UPDATE`, workflowID).Scan(&raw)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to lock workflow metadata: %w", err)
		}

		metadata := map[string]interface{}{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &metadata); err != nil {
				return fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		for k, v := range patch {
			metadata[k] = v
		}

		merged, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		_, err = q.Exec(ctx,
			`UPDATE workflows SET metadata = $2, updated_at = now() WHERE workflow_id = $1`,
			workflowID, merged)
		if err != nil {
			return fmt.Errorf("failed to update workflow metadata: %w", err)
		}
		return nil
	})
}

// MarkCompletedIfAllTasksDone flips the workflow to COMPLETED when no task
// step remains unfinished. The row lock serializes concurrent result saves.
func (r *workflowRepository) MarkCompletedIfAllTasksDone(ctx context.Context, workflowID string) (bool, error) {
	q := r.db.Querier(ctx)

	var status models.WorkflowState
	err := q.QueryRow(ctx,
		`SELECT status FROM workflows WHERE workflow_id = $1 FOR UPDATE`, workflowID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperrors.ErrNotFound
		}
		return false, fmt.Errorf("failed to lock workflow: %w", err)
	}
	if status == models.WorkflowStateCompleted {
		return false, nil
	}

	var remaining int
	err = q.QueryRow(ctx,
		`SELECT count(*) FROM task_steps WHERE workflow_id = $1 AND status <> 'COMPLETED'`,
		workflowID).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("failed to count unfinished tasks: %w", err)
	}
	if remaining > 0 {
		return false, nil
	}

	_, err = q.Exec(ctx,
		`UPDATE workflows SET status = 'COMPLETED', updated_at = now() WHERE workflow_id = $1`,
		workflowID)
	if err != nil {
		return false, fmt.Errorf("failed to complete workflow: %w", err)
	}
	return true, nil
}

// Ensure workflowRepository implements WorkflowRepository at compile time.
var _ WorkflowRepository = (*workflowRepository)(nil)
