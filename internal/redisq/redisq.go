// Package redisq holds the Redis-backed coordination primitives: the run
// dispatch queue, per-run cancel markers, and implementation branch locks.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	queueKey = "runs.queue"

	// Cancel markers outlive any plausible worker step so a dispatched run
	// cannot miss its own cancellation.
	cancelTTL = 24 * time.Hour

	// Branch locks expire on their own as a backstop against a crashed
	// controller; normal release happens on terminal states.
	lockTTL = 12 * time.Hour
)

// Queue wraps a Redis client with the run coordination commands.
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// NewFromURL connects using a redis:// URL and verifies the connection.
func NewFromURL(ctx context.Context, url string) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Queue{rdb: rdb}, nil
}

func (q *Queue) Close() error { return q.rdb.Close() }

// Ping reports connectivity for health checks.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue pushes a run id onto the dispatch queue.
func (q *Queue) Enqueue(ctx context.Context, runID uuid.UUID) error {
	if err := q.rdb.LPush(ctx, queueKey, runID.String()).Err(); err != nil {
		return fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next run id. A zero uuid with nil
// error means the wait timed out with an empty queue.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	vals, err := q.rdb.BRPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("dequeue run: %w", err)
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return uuid.Nil, fmt.Errorf("dequeue run: unexpected reply %v", vals)
	}
	id, err := uuid.Parse(vals[1])
	if err != nil {
		return uuid.Nil, fmt.Errorf("dequeue run: bad id %q: %w", vals[1], err)
	}
	return id, nil
}

// QueueDepth returns the number of queued run ids.
func (q *Queue) QueueDepth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, queueKey).Result()
}

func cancelKey(runID uuid.UUID) string {
	return "runs.cancel." + runID.String()
}

// MarkCanceled sets the cancel marker for a run. Workers poll it at step
// boundaries; the TTL bounds marker lifetime, not cancellation validity.
func (q *Queue) MarkCanceled(ctx context.Context, runID uuid.UUID) error {
	if err := q.rdb.Set(ctx, cancelKey(runID), "1", cancelTTL).Err(); err != nil {
		return fmt.Errorf("set cancel marker for run %s: %w", runID, err)
	}
	return nil
}

// IsCanceled reports whether a cancel marker exists for the run.
func (q *Queue) IsCanceled(ctx context.Context, runID uuid.UUID) (bool, error) {
	n, err := q.rdb.Exists(ctx, cancelKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel marker for run %s: %w", runID, err)
	}
	return n > 0, nil
}

// ClearCanceled removes the cancel marker, used when a run reaches a
// terminal state and the marker is no longer meaningful.
func (q *Queue) ClearCanceled(ctx context.Context, runID uuid.UUID) error {
	return q.rdb.Del(ctx, cancelKey(runID)).Err()
}

func branchLockKey(projectID uuid.UUID, targetBranch string) string {
	return "runs.lock." + projectID.String() + "." + targetBranch
}

// AcquireBranchLock takes the implementation branch lock for a run. When the
// lock is already held, the holding run id and false are returned. force
// steals the lock unconditionally.
func (q *Queue) AcquireBranchLock(ctx context.Context, projectID uuid.UUID, targetBranch string, runID uuid.UUID, force bool) (uuid.UUID, bool, error) {
	key := branchLockKey(projectID, targetBranch)

	if force {
		if err := q.rdb.Set(ctx, key, runID.String(), lockTTL).Err(); err != nil {
			return uuid.Nil, false, fmt.Errorf("force branch lock %s: %w", key, err)
		}
		return runID, true, nil
	}

	ok, err := q.rdb.SetNX(ctx, key, runID.String(), lockTTL).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("acquire branch lock %s: %w", key, err)
	}
	if ok {
		return runID, true, nil
	}

	holder, err := q.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Holder expired between SETNX and GET; caller retries.
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("read branch lock %s: %w", key, err)
	}
	holderID, err := uuid.Parse(holder)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("branch lock %s holds bad id %q: %w", key, holder, err)
	}
	return holderID, false, nil
}

// ReleaseBranchLock drops the lock only while the given run still holds it,
// so a forced successor's lock is never released by its predecessor.
func (q *Queue) ReleaseBranchLock(ctx context.Context, projectID uuid.UUID, targetBranch string, runID uuid.UUID) error {
	key := branchLockKey(projectID, targetBranch)
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`
	if err := q.rdb.Eval(ctx, script, []string{key}, runID.String()).Err(); err != nil {
		return fmt.Errorf("release branch lock %s: %w", key, err)
	}
	return nil
}

// BranchLockHolder returns the run currently holding the lock, or uuid.Nil.
func (q *Queue) BranchLockHolder(ctx context.Context, projectID uuid.UUID, targetBranch string) (uuid.UUID, error) {
	holder, err := q.rdb.Get(ctx, branchLockKey(projectID, targetBranch)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(holder)
	if err != nil {
		return uuid.Nil, fmt.Errorf("branch lock holds bad id %q: %w", holder, err)
	}
	return id, nil
}
