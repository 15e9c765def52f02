package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh-server/pkg/apperrors"
	"github.com/agentmesh/agentmesh-server/pkg/database"
	"github.com/agentmesh/agentmesh-server/pkg/models"
)

// FileLockRepository defines data access for durable file access records.
// These rows mirror the in-process registry so operators can inspect who
// holds what, and so abandoned locks survive a server restart for cleanup.
type FileLockRepository interface {
	// Acquire records a grant if it is compatible with every active holder
	// of the same path. Returns apperrors.ErrConflict otherwise.
	Acquire(ctx context.Context, record *models.FileLockRecord) error
	// Release closes the caller's active record for the path.
	Release(ctx context.Context, filePath, clientID, taskID string) error
	ListActive(ctx context.Context) ([]*models.FileLockRecord, error)
	// ReleaseExpired closes records older than maxAge. Returns the count.
	ReleaseExpired(ctx context.Context, maxAge time.Duration) (int, error)
}

type fileLockRepository struct {
	db *database.DB
}

// NewFileLockRepository creates a new file lock repository.
func NewFileLockRepository(db *database.DB) FileLockRepository {
	return &fileLockRepository{db: db}
}

// Acquire checks compatibility against active holders under row locks and
// inserts the new record in the same transaction. Two workers racing on
// the same path serialize here.
func (r *fileLockRepository) Acquire(ctx context.Context, record *models.FileLockRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.AcquiredAt.IsZero() {
		record.AcquiredAt = time.Now()
	}

	return r.db.WithTx(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)

		rows, err := q.Query(ctx, `
			SELECT access_type
			FROM file_access
			WHERE file_path = $1 AND released_at IS NULL
			FOR UPDATE`,
			record.FilePath)
		if err != nil {
			return fmt.Errorf("failed to inspect active holders: %w", err)
		}

		var holders []models.AccessType
		for rows.Next() {
			var t models.AccessType
			if err := rows.Scan(&t); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan holder: %w", err)
			}
			holders = append(holders, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate holders: %w", err)
		}

		for _, held := range holders {
			if !held.CompatibleWith(record.AccessType) {
				return apperrors.ErrConflict
			}
		}

		_, err = q.Exec(ctx, `
			INSERT INTO file_access (id, file_path, access_type, task_id, client_id, acquired_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			record.ID,
			record.FilePath,
			record.AccessType,
			record.TaskID,
			record.ClientID,
			record.AcquiredAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record file access: %w", err)
		}
		return nil
	})
}

// Release closes the caller's active record for the path.
func (r *fileLockRepository) Release(ctx context.Context, filePath, clientID, taskID string) error {
	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE file_access
		SET released_at = now()
		WHERE file_path = $1 AND client_id = $2 AND task_id = $3 AND released_at IS NULL`,
		filePath, clientID, taskID)
	if err != nil {
		return fmt.Errorf("failed to release file access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ListActive returns every open file access record.
func (r *fileLockRepository) ListActive(ctx context.Context) ([]*models.FileLockRecord, error) {
	rows, err := r.db.Querier(ctx).Query(ctx, `
		SELECT id, file_path, access_type, task_id, client_id, acquired_at, released_at
		FROM file_access
		WHERE released_at IS NULL
		ORDER BY acquired_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active file locks: %w", err)
	}
	defer rows.Close()

	var records []*models.FileLockRecord
	for rows.Next() {
		var record models.FileLockRecord
		err := rows.Scan(
			&record.ID,
			&record.FilePath,
			&record.AccessType,
			&record.TaskID,
			&record.ClientID,
			&record.AcquiredAt,
			&record.ReleasedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file lock: %w", err)
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file locks: %w", err)
	}
	return records, nil
}

// ReleaseExpired closes records older than maxAge.
func (r *fileLockRepository) ReleaseExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	tag, err := r.db.Querier(ctx).Exec(ctx, `
		UPDATE file_access
		SET released_at = now()
		WHERE released_at IS NULL AND acquired_at < $1`,
		time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to release expired file locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ensure fileLockRepository implements FileLockRepository at compile time.
var _ FileLockRepository = (*fileLockRepository)(nil)
