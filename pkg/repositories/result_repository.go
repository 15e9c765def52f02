package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentmesh/agentmesh-server/pkg/apperrors"
	"github.com/agentmesh/agentmesh-server/pkg/database"
	"github.com/agentmesh/agentmesh-server/pkg/models"
)

// ResultRepository defines data access for task results.
type ResultRepository interface {
	Save(ctx context.Context, result *models.TaskResult) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.TaskResult, error)
	// DeleteByWorkflow removes every result of a workflow. Called when the
	// workflow is reset for rework so stale histories never mix with the
	// redone work. Returns how many rows were removed.
	DeleteByWorkflow(ctx context.Context, workflowID string) (int, error)
}

type resultRepository struct {
	db *database.DB
}

// NewResultRepository creates a new result repository.
func NewResultRepository(db *database.DB) ResultRepository {
	return &resultRepository{db: db}
}

// Save inserts a task result row.
func (r *resultRepository) Save(ctx context.Context, result *models.TaskResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now()
	}

	history, err := json.Marshal(result.RAHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal reasoning history: %w", err)
	}

	_, err = r.db.Querier(ctx).Exec(ctx, `
		INSERT INTO results (id, workflow_id, task_id, ra_history, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		result.ID,
		result.WorkflowID,
		result.TaskID,
		history,
		result.CompletedAt,
		result.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: result for task %s already recorded", apperrors.ErrConflict, result.TaskID)
		}
		return fmt.Errorf("failed to save task result: %w", err)
	}
	return nil
}

// DeleteByWorkflow removes a workflow's results ahead of rework.
func (r *resultRepository) DeleteByWorkflow(ctx context.Context, workflowID string) (int, error) {
	tag, err := r.db.Querier(ctx).Exec(ctx,
		`DELETE FROM results WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete workflow results: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListByWorkflow returns a workflow's results in submission order.
func (r *resultRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.TaskResult, error) {
	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT id, workflow_id, task_id, ra_history, completed_at, created_at
		FROM results
		WHERE workflow_id = $1
		ORDER BY created_at`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*models.TaskResult
	for rows.Next() {
		var result models.TaskResult
		var history []byte
		err := rows.Scan(
			&result.ID,
			&result.WorkflowID,
			&result.TaskID,
			&history,
			&result.CompletedAt,
			&result.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := json.Unmarshal(history, &result.RAHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reasoning history: %w", err)
		}
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate results: %w", err)
	}
	return results, nil
}

// Ensure resultRepository implements ResultRepository at compile time.
var _ ResultRepository = (*resultRepository)(nil)
