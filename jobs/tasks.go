package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthCleanup sweeps expired auth state: blacklist rows, stale
	// challenges, dead sessions and old permission snapshots.
	TaskAuthCleanup = "auth:cleanup"
	// TaskCacheSweep invalidates permission caches for everyone affected by
	// a role, used when bulk mutations touch large membership lists.
	TaskCacheSweep = "auth:cache_sweep"
)

// CacheSweepPayload names the role whose members need cache invalidation.
type CacheSweepPayload struct {
	RoleID int64 `json:"role_id"`
}

// NewAuthCleanupTask constructs the periodic cleanup task.
func NewAuthCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskAuthCleanup, nil)
}

// NewCacheSweepTask constructs a cache sweep task for one role.
func NewCacheSweepTask(payload CacheSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCacheSweep, data), nil
}
