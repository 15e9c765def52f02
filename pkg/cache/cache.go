// Package cache is a best-effort Redis layer in front of Postgres reads.
// Every operation degrades to a miss or a no-op on failure; the database
// stays the source of truth and the server runs fine with no Redis at all
// (nil client).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh-server/pkg/models"
)

const (
	readyTasksTTL     = 5 * time.Minute
	workflowStatusTTL = 10 * time.Minute
	countersTTL       = time.Hour
)

// Cache wraps an optional Redis client.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// New creates a cache over client. A nil client disables caching.
func New(client *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{client: client, logger: logger.Named("cache")}
}

// Enabled reports whether a Redis client is configured.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

func readyTasksKey(role string) string {
	return "ready_tasks:" + role
}

func workflowStatusKey(workflowID string) string {
	return "workflow_status:" + workflowID
}

// GetWorkflowStatus returns a cached status summary, or (nil, false).
func (c *Cache) GetWorkflowStatus(ctx context.Context, workflowID string) (*models.WorkflowStatus, bool) {
	if !c.Enabled() {
		return nil, false
	}
	raw, err := c.client.Get(ctx, workflowStatusKey(workflowID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("workflow status cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var status models.WorkflowStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		c.logger.Warn("workflow status cache entry corrupt", zap.Error(err))
		return nil, false
	}
	return &status, true
}

// SetWorkflowStatus caches a status summary.
func (c *Cache) SetWorkflowStatus(ctx context.Context, status *models.WorkflowStatus) {
	if !c.Enabled() {
		return
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, workflowStatusKey(status.WorkflowID), raw, workflowStatusTTL).Err(); err != nil {
		c.logger.Warn("workflow status cache write failed", zap.Error(err))
	}
}

// InvalidateWorkflowStatus drops the cached status after a state change.
func (c *Cache) InvalidateWorkflowStatus(ctx context.Context, workflowID string) {
	if !c.Enabled() {
		return
	}
	if err := c.client.Del(ctx, workflowStatusKey(workflowID)).Err(); err != nil {
		c.logger.Warn("workflow status cache invalidation failed", zap.Error(err))
	}
}

// ReadyTaskHint returns the cached READY count for a role. The second
// return is false on a miss.
func (c *Cache) ReadyTaskHint(ctx context.Context, role string) (int, bool) {
	if !c.Enabled() {
		return 0, false
	}
	n, err := c.client.Get(ctx, readyTasksKey(role)).Int()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("ready tasks cache read failed", zap.Error(err))
		}
		return 0, false
	}
	return n, true
}

// MarkReadyTasks notes that a role has claimable work. The hint saves a
// claim transaction when nothing is READY for the polling role.
func (c *Cache) MarkReadyTasks(ctx context.Context, role string, count int) {
	if !c.Enabled() {
		return
	}
	if err := c.client.Set(ctx, readyTasksKey(role), fmt.Sprintf("%d", count), readyTasksTTL).Err(); err != nil {
		c.logger.Warn("ready tasks cache write failed", zap.Error(err))
	}
}

// InvalidateReadyTasks drops the ready hints for the given roles.
func (c *Cache) InvalidateReadyTasks(ctx context.Context, roles ...string) {
	if !c.Enabled() || len(roles) == 0 {
		return
	}
	keys := make([]string, len(roles))
	for i, role := range roles {
		keys[i] = readyTasksKey(role)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("ready tasks cache invalidation failed", zap.Error(err))
	}
}

// IncrTasksCompleted bumps the completed-task counter.
func (c *Cache) IncrTasksCompleted(ctx context.Context) {
	c.incr(ctx, "tasks_completed")
}

// IncrReadyTaskCacheHits bumps the ready-task cache hit counter.
func (c *Cache) IncrReadyTaskCacheHits(ctx context.Context) {
	c.incr(ctx, "cache_hits:ready_tasks")
}

func (c *Cache) incr(ctx context.Context, key string) {
	if !c.Enabled() {
		return
	}
	pipe := c.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, countersTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("counter update failed", zap.String("key", key), zap.Error(err))
	}
}
