package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/apperrors"
	"github.com/agentmesh/agentmesh-server/pkg/filelock"
	"github.com/agentmesh/agentmesh-server/pkg/models"
	"github.com/agentmesh/agentmesh-server/pkg/repositories"
)

// FileAccessService grants workers coordinated access to files. A grant is
// three things held together: the in-process registry entry, the OS
// advisory lock, and the durable file_access row. All three are taken on
// acquire and released together.
type FileAccessService struct {
	manager     *filelock.Manager
	records     repositories.FileLockRepository
	lockTimeout time.Duration
	lockExpiry  time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	handles map[string]*filelock.Handle
}

// NewFileAccessService creates a new file access service.
func NewFileAccessService(
	manager *filelock.Manager,
	records repositories.FileLockRepository,
	lockTimeout, lockExpiry time.Duration,
	logger *zap.Logger,
) *FileAccessService {
	return &FileAccessService{
		manager:     manager,
		records:     records,
		lockTimeout: lockTimeout,
		lockExpiry:  lockExpiry,
		logger:      logger.Named("file-access"),
		handles:     make(map[string]*filelock.Handle),
	}
}

func handleKey(path, clientID, taskID string) string {
	return path + "\x00" + clientID + "\x00" + taskID
}

// Acquire grants clientID access to path for taskID, waiting up to the
// configured timeout for conflicting holders. Only read grants coexist;
// any write or exclusive holder blocks everyone else.
func (s *FileAccessService) Acquire(ctx context.Context, path string, access models.AccessType, clientID, taskID string) (*models.FileLockRecord, error) {
	handle, err := s.manager.Acquire(ctx, path, access, clientID, taskID, s.lockTimeout)
	if err != nil {
		return nil, err
	}

	record := &models.FileLockRecord{
		FilePath:   handle.Path(),
		AccessType: access,
		TaskID:     taskID,
		ClientID:   clientID,
	}
	if err := s.records.Acquire(ctx, record); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to record file access grant: %w", err)
	}

	s.mu.Lock()
	s.handles[handleKey(handle.Path(), clientID, taskID)] = handle
	s.mu.Unlock()

	s.logger.Info("file access granted",
		zap.String("path", handle.Path()),
		zap.String("access", string(access)),
		zap.String("client_id", clientID),
		zap.String("task_id", taskID))
	return record, nil
}

// Release gives back a grant. Unknown grants return apperrors.ErrNotFound.
func (s *FileAccessService) Release(ctx context.Context, path, clientID, taskID string) error {
	normalized := path
	if abs, err := filepath.Abs(path); err == nil {
		normalized = filepath.Clean(abs)
	}

	s.mu.Lock()
	key := handleKey(normalized, clientID, taskID)
	handle := s.handles[key]
	delete(s.handles, key)
	s.mu.Unlock()

	if handle == nil {
		return apperrors.ErrNotFound
	}
	if err := handle.Close(); err != nil {
		s.logger.Warn("failed to close file handle", zap.String("path", normalized), zap.Error(err))
	}
	if err := s.records.Release(ctx, normalized, clientID, taskID); err != nil {
		return err
	}
	s.logger.Info("file access released",
		zap.String("path", normalized),
		zap.String("client_id", clientID),
		zap.String("task_id", taskID))
	return nil
}

// ListActive returns the durable view of open grants.
func (s *FileAccessService) ListActive(ctx context.Context) ([]*models.FileLockRecord, error) {
	return s.records.ListActive(ctx)
}

// Sweep drops grants older than the configured expiry from both the
// registry and the database. Meant for abandoned locks whose holder died.
func (s *FileAccessService) Sweep(ctx context.Context) {
	swept := s.manager.SweepExpired(s.lockExpiry)
	released, err := s.records.ReleaseExpired(ctx, s.lockExpiry)
	if err != nil {
		s.logger.Error("failed to release expired lock records", zap.Error(err))
		return
	}
	if swept > 0 || released > 0 {
		s.logger.Info("expired file locks cleaned up",
			zap.Int("registry", swept),
			zap.Int("records", released))
	}
}

// RunSweeper sweeps on the given interval until ctx is cancelled.
func (s *FileAccessService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
