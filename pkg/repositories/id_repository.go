package repositories

import (
	"context"
	"fmt"

	"github.com/agentmesh/agentmesh-server/pkg/database"
)

// IDRepository hands out sequential, zero-padded public identifiers backed
// by per-type counter rows. Values survive restarts and are unique across
// concurrent callers.
type IDRepository interface {
	NextProjectID(ctx context.Context) (string, error)
	NextWorkflowID(ctx context.Context) (string, error)
	NextTaskID(ctx context.Context) (string, error)
}

type idRepository struct {
	db *database.DB
}

// NewIDRepository creates a new ID repository.
func NewIDRepository(db *database.DB) IDRepository {
	return &idRepository{db: db}
}

// nextIDQuery increments the counter atomically, creating it at 1 on first
// use. A single UPSERT keeps concurrent generators from ever observing the
// same value.
const nextIDQuery = `
	INSERT INTO id_counters (counter_type, current_value)
	VALUES ($1, 1)
	ON CONFLICT (counter_type)
	DO UPDATE SET current_value = id_counters.current_value + 1
	RETURNING current_value`

func (r *idRepository) next(ctx context.Context, counterType, prefix string, padding int) (string, error) {
	var value int64
	err := r.db.Querier(ctx).QueryRow(ctx, nextIDQuery, counterType).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("failed to advance %s counter: %w", counterType, err)
	}
	return fmt.Sprintf("%s%0*d", prefix, padding, value), nil
}

// NextProjectID returns PID000001, PID000002, ...
func (r *idRepository) NextProjectID(ctx context.Context) (string, error) {
	return r.next(ctx, "project", "PID", 6)
}

// NextWorkflowID returns WID00000001, WID00000002, ...
func (r *idRepository) NextWorkflowID(ctx context.Context) (string, error) {
	return r.next(ctx, "workflow", "WID", 8)
}

// NextTaskID returns TID0000000001, TID0000000002, ...
func (r *idRepository) NextTaskID(ctx context.Context) (string, error) {
	return r.next(ctx, "task", "TID", 10)
}

var _ IDRepository = (*idRepository)(nil)
