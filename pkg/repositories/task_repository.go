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

// TaskRepository defines data access for task steps, including the atomic
// claim used by polling workers.
type TaskRepository interface {
	InsertSteps(ctx context.Context, steps []*models.TaskStep) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.TaskStep, error)
	Get(ctx context.Context, workflowID, stepID string) (*models.TaskStep, error)
	// ClaimReady atomically claims the oldest READY task matching the
	// worker's capabilities. Returns (nil, nil) when nothing is claimable.
	ClaimReady(ctx context.Context, req *models.ClientPollRequest) (*models.TaskStep, error)
	// DispatchReady promotes PENDING tasks whose dependencies are all
	// COMPLETED to READY. Returns how many were promoted.
	DispatchReady(ctx context.Context, workflowID string) (int, error)
	// ResetForRework returns COMPLETED tasks to PENDING (clearing claim
	// fields) and re-promotes dependency-free tasks to READY.
	ResetForRework(ctx context.Context, workflowID string) (int, error)
	// MarkCompleted flips a task to COMPLETED under a row lock.
	MarkCompleted(ctx context.Context, workflowID, stepID string, completedAt time.Time) error
	ListInProgress(ctx context.Context) ([]*models.TaskStep, error)
	SetProjectPath(ctx context.Context, workflowID, path string) error
}

type taskRepository struct {
	db *database.DB
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db *database.DB) TaskRepository {
	return &taskRepository{db: db}
}

const taskColumns = `
	id, step_id, workflow_id, task_description, assigned_agent,
	dependencies, file_dependencies, file_access_types,
	status, client_id, COALESCE(project_path, ''), started_at, completed_at, created_at`

func scanTaskStep(row pgx.Row) (*models.TaskStep, error) {
	var step models.TaskStep
	var deps, fileDeps, accessTypes []byte
	err := row.Scan(
		&step.ID,
		&step.StepID,
		&step.WorkflowID,
		&step.TaskDescription,
		&step.AssignedAgent,
		&deps,
		&fileDeps,
		&accessTypes,
		&step.Status,
		&step.ClientID,
		&step.ProjectPath,
		&step.StartedAt,
		&step.CompletedAt,
		&step.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(deps, &step.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
	}
	if err := json.Unmarshal(fileDeps, &step.FileDependencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file dependencies: %w", err)
	}
	if err := json.Unmarshal(accessTypes, &step.FileAccessTypes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file access types: %w", err)
	}
	return &step, nil
}

// InsertSteps inserts the task steps of a freshly planned workflow.
func (r *taskRepository) InsertSteps(ctx context.Context, steps []*models.TaskStep) error {
	q := r.db.Querier(ctx)

	query := `
		INSERT INTO task_steps (
			id, step_id, workflow_id, task_description, assigned_agent,
			dependencies, file_dependencies, file_access_types,
			status, project_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	for _, step := range steps {
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
		if step.CreatedAt.IsZero() {
			step.CreatedAt = time.Now()
		}
		if step.Status == "" {
			step.Status = models.TaskStatusPending
		}
		if step.Dependencies == nil {
			step.Dependencies = []string{}
		}
		if step.FileDependencies == nil {
			step.FileDependencies = []string{}
		}
		if step.FileAccessTypes == nil {
			step.FileAccessTypes = map[string]string{}
		}

		deps, err := json.Marshal(step.Dependencies)
		if err != nil {
			return fmt.Errorf("failed to marshal dependencies: %w", err)
		}
		fileDeps, err := json.Marshal(step.FileDependencies)
		if err != nil {
			return fmt.Errorf("failed to marshal file dependencies: %w", err)
		}
		accessTypes, err := json.Marshal(step.FileAccessTypes)
		if err != nil {
			return fmt.Errorf("failed to marshal file access types: %w", err)
		}

		_, err = q.Exec(ctx, query,
			step.ID,
			step.StepID,
			step.WorkflowID,
			step.TaskDescription,
			step.AssignedAgent,
			deps,
			fileDeps,
			accessTypes,
			step.Status,
			step.ProjectPath,
			step.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert task step %s: %w", step.StepID, err)
		}
	}
	return nil
}

// ListByWorkflow returns all steps of a workflow in creation order.
func (r *taskRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.TaskStep, error) {
	query := `SELECT ` + taskColumns + ` FROM task_steps WHERE workflow_id = $1 ORDER BY created_at, step_id`

	rows, err := r.db.Querier(ctx).Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.TaskStep
	for rows.Next() {
		step, err := scanTaskStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task steps: %w", err)
	}
	return steps, nil
}

// Get retrieves a single step by workflow and step ID.
func (r *taskRepository) Get(ctx context.Context, workflowID, stepID string) (*models.TaskStep, error) {
	query := `SELECT ` + taskColumns + ` FROM task_steps WHERE workflow_id = $1 AND step_id = $2`

	step, err := scanTaskStep(r.db.Querier(ctx).QueryRow(ctx, query, workflowID, stepID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task step: %w", err)
	}
	return step, nil
}

const claimPreferredQuery = `
	SELECT ` + taskColumns + `
	FROM task_steps
	WHERE step_id = $1
	  AND status = 'READY'
	  AND client_id IS NULL
	  AND assigned_agent = ANY($2)
	FOR UPDATE SKIP LOCKED`

const claimOldestQuery = `
	SELECT ` + taskColumns + `
	FROM task_steps
	WHERE status = 'READY'
	  AND client_id IS NULL
	  AND assigned_agent = ANY($1)
	ORDER BY created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED`

// ClaimReady claims a task for the polling worker. A preferred task, if
// requested and still eligible, wins over the FIFO scan; otherwise the
// oldest READY task matching the worker's capabilities is taken. The row
// lock plus SKIP LOCKED guarantees at most one winner per task under
// concurrent polls.
func (r *taskRepository) ClaimReady(ctx context.Context, req *models.ClientPollRequest) (*models.TaskStep, error) {
	if req.PreferredTaskID != "" {
		step, err := r.claimOne(ctx, req.ClientID, claimPreferredQuery, req.PreferredTaskID, req.Capabilities)
		if err != nil {
			return nil, err
		}
		if step != nil {
			return step, nil
		}
	}
	return r.claimOne(ctx, req.ClientID, claimOldestQuery, req.Capabilities)
}

func (r *taskRepository) claimOne(ctx context.Context, clientID, query string, args ...any) (*models.TaskStep, error) {
	var claimed *models.TaskStep

	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)

		step, err := scanTaskStep(q.QueryRow(ctx, query, args...))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to select claimable task: %w", err)
		}

		// READY should already imply satisfied dependencies; re-verify
		// inside the claiming transaction so a stale promotion can never
		// hand out a task whose inputs are missing. The row stays READY
		// either way: readiness transitions are one-way, the worker just
		// gets no task.
		ok, err := r.dependenciesCompleted(ctx, step)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		now := time.Now()
		_, err = q.Exec(ctx, `
			UPDATE task_steps
			SET status = 'IN_PROGRESS', client_id = $2, started_at = $3
			WHERE id = $1`,
			step.ID, clientID, now)
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}

		step.Status = models.TaskStatusInProgress
		step.ClientID = &clientID
		step.StartedAt = &now
		claimed = step
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *taskRepository) dependenciesCompleted(ctx context.Context, step *models.TaskStep) (bool, error) {
	if len(step.Dependencies) == 0 {
		return true, nil
	}

	var completed int
	err := r.db.Querier(ctx).QueryRow(ctx, `
		SELECT count(*)
		FROM task_steps
		WHERE workflow_id = $1 AND step_id = ANY($2) AND status = 'COMPLETED'`,
		step.WorkflowID, step.Dependencies).Scan(&completed)
	if err != nil {
		return false, fmt.Errorf("failed to verify dependencies: %w", err)
	}
	return completed == len(step.Dependencies), nil
}

// DispatchReady promotes every PENDING task whose dependencies are all
// COMPLETED. The workflow row lock serializes concurrent dispatches: two
// result saves finishing sibling dependencies at once would otherwise each
// run against a snapshot where the other's completion is not yet visible,
// and a task unblocked only by their union would never be promoted.
func (r *taskRepository) DispatchReady(ctx context.Context, workflowID string) (int, error) {
	var promoted int
	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)

		var id uuid.UUID
		err := q.QueryRow(ctx,
			`SELECT id FROM workflows WHERE workflow_id = $1 FOR UPDATE`, workflowID).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to lock workflow for dispatch: %w", err)
		}

		tag, err := q.Exec(ctx, `
			UPDATE task_steps t
			SET status = 'READY'
			WHERE t.workflow_id = $1
			  AND t.status = 'PENDING'
			  AND NOT EXISTS (
				SELECT 1
				FROM jsonb_array_elements_text(t.dependencies) AS dep(step_id)
				LEFT JOIN task_steps d
				  ON d.workflow_id = t.workflow_id AND d.step_id = dep.step_id
				WHERE d.id IS NULL OR d.status <> 'COMPLETED'
			  )`,
			workflowID)
		if err != nil {
			return fmt.Errorf("failed to dispatch ready tasks: %w", err)
		}
		promoted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return promoted, nil
}

// ResetForRework puts a failed workflow's COMPLETED tasks back to PENDING,
// clears their claim fields, then re-promotes dependency-free tasks so
// workers can start over immediately.
func (r *taskRepository) ResetForRework(ctx context.Context, workflowID string) (int, error) {
	var reset int
	err := r.db.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)

		tag, err := q.Exec(ctx, `
			UPDATE task_steps
			SET status = 'PENDING', client_id = NULL, started_at = NULL, completed_at = NULL
			WHERE workflow_id = $1 AND status = 'COMPLETED'`,
			workflowID)
		if err != nil {
			return fmt.Errorf("failed to reset completed tasks: %w", err)
		}
		reset = int(tag.RowsAffected())

		_, err = q.Exec(ctx, `
			UPDATE task_steps
			SET status = 'READY'
			WHERE workflow_id = $1
			  AND status = 'PENDING'
			  AND jsonb_array_length(dependencies) = 0`,
			workflowID)
		if err != nil {
			return fmt.Errorf("failed to promote dependency-free tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// MarkCompleted flips a task to COMPLETED under a row lock.
func (r *taskRepository) MarkCompleted(ctx context.Context, workflowID, stepID string, completedAt time.Time) error {
	return r.db.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)

		var id uuid.UUID
		err := q.QueryRow(ctx,
			`SELECT id FROM task_steps WHERE workflow_id = $1 AND step_id = $2 FOR UPDATE`,
			workflowID, stepID).Scan(&id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to lock task step: %w", err)
		}

		_, err = q.Exec(ctx,
			`UPDATE task_steps SET status = 'COMPLETED', completed_at = $2 WHERE id = $1`,
			id, completedAt)
		if err != nil {
			return fmt.Errorf("failed to complete task step: %w", err)
		}
		return nil
	})
}

// ListInProgress returns every claimed task across all workflows.
func (r *taskRepository) ListInProgress(ctx context.Context) ([]*models.TaskStep, error) {
	query := `SELECT ` + taskColumns + ` FROM task_steps WHERE status = 'IN_PROGRESS' ORDER BY started_at`

	rows, err := r.db.Querier(ctx).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress tasks: %w", err)
	}
	defer rows.Close()

	var steps []*models.TaskStep
	for rows.Next() {
		step, err := scanTaskStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate in-progress tasks: %w", err)
	}
	return steps, nil
}

// SetProjectPath stamps every step of a workflow with the project directory.
func (r *taskRepository) SetProjectPath(ctx context.Context, workflowID, path string) error {
	_, err := r.db.Querier(ctx).Exec(ctx,
		`UPDATE task_steps SET project_path = $2 WHERE workflow_id = $1`, workflowID, path)
	if err != nil {
		return fmt.Errorf("failed to set project path: %w", err)
	}
	return nil
}

// Ensure taskRepository implements TaskRepository at compile time.
var _ TaskRepository = (*taskRepository)(nil)
