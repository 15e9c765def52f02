// Package filelock coordinates concurrent file access between worker
// agents. A grant combines an in-process registry entry (fast conflict
// checks), an OS advisory lock on the file itself, and a durable record
// kept by the caller.
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/apperrors"
	"github.com/agentmesh/agentmesh-server/pkg/models"
)

// retryInterval is how often a blocked acquire re-checks for release.
const retryInterval = 100 * time.Millisecond

type holder struct {
	clientID   string
	taskID     string
	access     models.AccessType
	acquiredAt time.Time
}

// Manager is the in-process side of the file-access coordinator. The
// registry keeps one entry per holder per path, so several readers can
// hold the same path at once and each release removes exactly one grant.
type Manager struct {
	mu      sync.Mutex
	holders map[string][]holder
	logger  *zap.Logger
}

// NewManager creates an empty lock manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		holders: make(map[string][]holder),
		logger:  logger.Named("filelock"),
	}
}

// Handle represents one granted file access. Close releases the OS lock
// and the registry entry.
type Handle struct {
	m        *Manager
	path     string
	clientID string
	taskID   string
	file     *os.File
	once     sync.Once
}

// Path returns the normalized path the handle covers.
func (h *Handle) Path() string { return h.path }

// Close releases the OS advisory lock and the registry entry. Safe to call
// more than once.
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() {
		if h.file != nil {
			if unlockErr := unlockFile(h.file); unlockErr != nil {
				err = fmt.Errorf("failed to unlock file: %w", unlockErr)
			}
			if closeErr := h.file.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("failed to close file: %w", closeErr)
			}
		}
		h.m.remove(h.path, h.clientID, h.taskID)
	})
	return err
}

// Acquire grants access to path, waiting up to timeout for conflicting
// holders to release. Returns apperrors.ErrLockTimeout when the wait
// expires and ctx.Err() when the context is cancelled first.
func (m *Manager) Acquire(ctx context.Context, path string, access models.AccessType, clientID, taskID string, timeout time.Duration) (*Handle, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		granted := m.tryRegister(normalized, access, clientID, taskID)
		if granted {
			file, err := openAndFlock(normalized, access)
			if err == nil {
				m.logger.Debug("file lock acquired",
					zap.String("path", normalized),
					zap.String("access", string(access)),
					zap.String("client_id", clientID))
				return &Handle{
					m:        m,
					path:     normalized,
					clientID: clientID,
					taskID:   taskID,
					file:     file,
				}, nil
			}

			// Another process holds the OS lock, or the open itself
			// failed. Undo the registry entry before deciding.
			m.remove(normalized, clientID, taskID)
			if !isWouldBlock(err) {
				return nil, fmt.Errorf("failed to lock %s: %w", normalized, err)
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s (%s access)", apperrors.ErrLockTimeout, normalized, access)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// tryRegister adds a holder entry if the request is compatible with every
// current holder of the path.
func (m *Manager) tryRegister(path string, access models.AccessType, clientID, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.holders[path] {
		if !h.access.CompatibleWith(access) {
			return false
		}
	}
	m.holders[path] = append(m.holders[path], holder{
		clientID:   clientID,
		taskID:     taskID,
		access:     access,
		acquiredAt: time.Now(),
	})
	return true
}

// remove deletes one matching holder entry for the path.
func (m *Manager) remove(path, clientID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.holders[path]
	for i, h := range entries {
		if h.clientID == clientID && h.taskID == taskID {
			m.holders[path] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(m.holders[path]) == 0 {
		delete(m.holders, path)
	}
}

// ActiveHolders returns a snapshot of current grants per path.
func (m *Manager) ActiveHolders() map[string][]models.FileLockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]models.FileLockRecord, len(m.holders))
	for path, entries := range m.holders {
		records := make([]models.FileLockRecord, 0, len(entries))
		for _, h := range entries {
			records = append(records, models.FileLockRecord{
				FilePath:   path,
				AccessType: h.access,
				TaskID:     h.taskID,
				ClientID:   h.clientID,
				AcquiredAt: h.acquiredAt,
			})
		}
		out[path] = records
	}
	return out
}

// SweepExpired drops registry entries older than maxAge. The OS lock of a
// swept entry is owned by the vanished holder's file descriptor and dies
// with its process; only the bookkeeping needs cleanup here.
func (m *Manager) SweepExpired(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for path, entries := range m.holders {
		kept := entries[:0]
		for _, h := range entries {
			if h.acquiredAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(m.holders, path)
		} else {
			m.holders[path] = kept
		}
	}
	if removed > 0 {
		m.logger.Info("swept expired file locks", zap.Int("count", removed))
	}
	return removed
}

// normalizePath resolves path to a clean absolute form so two spellings of
// the same file conflict properly. Symlinks are resolved when the path
// exists; a write target that does not exist yet keeps its literal form.
func normalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to normalize path %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

// openAndFlock opens the file in the mode the access type needs and takes
// a non-blocking advisory lock: shared for readers, exclusive otherwise.
// Writers get parent directories created for them.
func openAndFlock(path string, access models.AccessType) (*os.File, error) {
	var file *os.File
	var err error

	if access == models.AccessRead {
		file, err = os.Open(path)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create parent directory: %w", mkErr)
		}
		file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	}
	if err != nil {
		return nil, err
	}

	if err := flockFile(file, access == models.AccessRead); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}
