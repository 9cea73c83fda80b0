package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RunLocker serializes assignment runs: at most one run may process a
// given assignment at a time. Acquire returns ErrRunInProgress when
// the lock is held elsewhere.
type RunLocker interface {
	Acquire(ctx context.Context, assignmentID uint) (release func(context.Context), err error)
}

type redisRunLock struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisRunLock builds a Redis-backed run lock. The TTL bounds how
// long a crashed run can keep an assignment blocked.
func NewRedisRunLock(client *redis.Client, ttl time.Duration, logger zerolog.Logger) RunLocker {
	return &redisRunLock{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "run_lock").Logger(),
	}
}

// Release compares the stored value before deleting so an expired lock
// reacquired by a newer run is never released by the older one.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

func runLockKey(assignmentID uint) string {
	return fmt.Sprintf("peereval:run_lock:%d", assignmentID)
}

func (l *redisRunLock) Acquire(ctx context.Context, assignmentID uint) (func(context.Context), error) {
	key := runLockKey(assignmentID)
	value := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, value, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	release := func(ctx context.Context) {
		deleted, err := releaseScript.Run(ctx, l.client, []string{key}, value).Result()
		if err != nil {
			l.logger.Error().Err(err).Uint("assignment_id", assignmentID).Msg("failed to release run lock")
			return
		}
		if n, ok := deleted.(int64); !ok || n == 0 {
			l.logger.Warn().Uint("assignment_id", assignmentID).Msg("run lock already expired or taken over")
		}
	}

	return release, nil
}
