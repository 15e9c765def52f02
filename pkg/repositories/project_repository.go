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

// ProjectRepository defines data access for projects.
type ProjectRepository interface {
	Create(ctx context.Context, project *models.Project) error
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetByProjectID(ctx context.Context, projectID string) (*models.Project, error)
	UpdatePath(ctx context.Context, id uuid.UUID, path string) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.WorkflowState) error
	// MarkCompletedIfAllWorkflowsDone flips the project to COMPLETED when
	// every workflow attached to it is COMPLETED. Returns true if it flipped.
	MarkCompletedIfAllWorkflowsDone(ctx context.Context, id uuid.UUID) (bool, error)
}

type projectRepository struct {
	db *database.DB
}

// NewProjectRepository creates a new project repository.
func NewProjectRepository(db *database.DB) ProjectRepository {
	return &projectRepository{db: db}
}

// Create inserts a new project row.
func (r *projectRepository) Create(ctx context.Context, project *models.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now()
	project.CreatedAt = now
	project.UpdatedAt = now
	if project.Status == "" {
		project.Status = models.WorkflowStateActive
	}
	if project.Metadata == nil {
		project.Metadata = map[string]interface{}{}
	}

	metadata, err := json.Marshal(project.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO projects (id, project_id, name, path, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.Querier(ctx).Exec(ctx, query,
		project.ID,
		project.ProjectID,
		project.Name,
		project.Path,
		project.Status,
		metadata,
		project.CreatedAt,
		project.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

const projectColumns = `id, project_id, name, COALESCE(path, ''), status, metadata, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var project models.Project
	var metadata []byte
	err := row.Scan(
		&project.ID,
		&project.ProjectID,
		&project.Name,
		&project.Path,
		&project.Status,
		&metadata,
		&project.CreatedAt,
		&project.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	if err := json.Unmarshal(metadata, &project.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &project, nil
}

// Get retrieves a project by internal ID.
func (r *projectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.db.Querier(ctx).QueryRow(ctx, query, id))
}

// GetByProjectID retrieves a project by its public PID.
func (r *projectRepository) GetByProjectID(ctx context.Context, projectID string) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE project_id = $1`
	return scanProject(r.db.Querier(ctx).QueryRow(ctx, query, projectID))
}

// UpdatePath records the project's output directory.
func (r *projectRepository) UpdatePath(ctx context.Context, id uuid.UUID, path string) error {
	tag, err := r.db.Querier(ctx).Exec(ctx,
		`UPDATE projects SET path = $2, updated_at = now() WHERE id = $1`, id, path)
	if err != nil {
		return fmt.Errorf("failed to update project path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// SetStatus updates the project lifecycle state.
func (r *projectRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.WorkflowState) error {
	tag, err := r.db.Querier(ctx).Exec(ctx,
		`UPDATE projects SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// MarkCompletedIfAllWorkflowsDone flips the project to COMPLETED when no
// attached workflow remains unfinished. The row lock keeps two concurrent
// result saves from racing on the flip.
func (r *projectRepository) MarkCompletedIfAllWorkflowsDone(ctx context.Context, id uuid.UUID) (bool, error) {
	q := r.db.Querier(ctx)

	var status models.WorkflowState
	err := q.QueryRow(ctx, `SELECT status FROM projects WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperrors.ErrNotFound
		}
		return false, fmt.Errorf("failed to lock project: %w", err)
	}
	if status == models.WorkflowStateCompleted {
		return false, nil
	}

	var remaining int
	err = q.QueryRow(ctx,
		`SELECT count(*) FROM workflows WHERE project_id = $1 AND status <> 'COMPLETED'`, id).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("failed to count unfinished workflows: %w", err)
	}
	if remaining > 0 {
		return false, nil
	}

	_, err = q.Exec(ctx,
		`UPDATE projects SET status = 'COMPLETED', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to complete project: %w", err)
	}
	return true, nil
}

// Ensure projectRepository implements ProjectRepository at compile time.
var _ ProjectRepository = (*projectRepository)(nil)
