package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const taskLockPrefix = "aurea:tasklock:"

// TaskLocker serializes execution of one task across workers. Acquire is
// best effort: a lost lock race means another worker already runs the task.
type TaskLocker interface {
	Acquire(ctx context.Context, taskID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, taskID string)
}

// RedisLocker implements TaskLocker with SET NX keys.
type RedisLocker struct {
	rdb   redis.UniversalClient
	owner string
}

// NewRedisLocker builds a locker; owner tags lock values for debugging.
func NewRedisLocker(rdb redis.UniversalClient, owner string) *RedisLocker {
	return &RedisLocker{rdb: rdb, owner: owner}
}

func (l *RedisLocker) Acquire(ctx context.Context, taskID string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, taskLockPrefix+taskID, l.owner, ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, taskID string) {
	_ = l.rdb.Del(ctx, taskLockPrefix+taskID).Err()
}
