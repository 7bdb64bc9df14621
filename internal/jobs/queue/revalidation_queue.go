package queue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey        = "corvid:revalidation_queue"
	emptyQueueSleep = 1 * time.Second
	batchSize       = 500
)

//go:embed pop.lua
var luaPopScript string

// RevalidationQueue spreads candidate revalidations over time using a
// redis sorted set: member is the candidate key, score is the unix
// time the next check is due. Popping is atomic via a lua script, so
// several workers can share one queue without double-checking a
// candidate.
type RevalidationQueue struct {
	client    *redis.Client
	popScript *redis.Script
}

func NewRevalidationQueue(client *redis.Client) *RevalidationQueue {
	return &RevalidationQueue{
		client:    client,
		popScript: redis.NewScript(luaPopScript),
	}
}

// Schedule enqueues the candidate keys with due times spread evenly
// across one interval, so a large pool does not revalidate in one
// burst. Existing schedules are kept (NX).
func (q *RevalidationQueue) Schedule(ctx context.Context, keys []string, interval time.Duration) error {
	if len(keys) == 0 {
		return nil
	}

	now := time.Now()
	total := time.Duration(len(keys))
	pipe := q.client.Pipeline()

	for i, key := range keys {
		offset := (interval * time.Duration(i)) / total
		due := now.Add(offset)

		pipe.ZAddArgs(ctx, queueKey, redis.ZAddArgs{
			NX: true,
			Members: []redis.Z{{
				Score:  float64(due.Unix()),
				Member: key,
			}},
		})

		if i%batchSize == 0 && i > 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("schedule batch failed: %w", err)
			}
			pipe = q.client.Pipeline()
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule exec failed: %w", err)
	}
	return nil
}

// PopDue blocks until a candidate is due for revalidation or ctx is
// cancelled. Returns the candidate key and the time it was scheduled
// for.
func (q *RevalidationQueue) PopDue(ctx context.Context) (string, time.Time, error) {
	for {
		select {
		case <-ctx.Done():
			return "", time.Time{}, ctx.Err()
		default:
		}

		result, err := q.popScript.Run(ctx, q.client, []string{queueKey}, time.Now().Unix()).Result()
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return "", time.Time{}, ctx.Err()
			case <-time.After(emptyQueueSleep):
			}
			continue
		} else if err != nil {
			return "", time.Time{}, fmt.Errorf("lua script failed: %w", err)
		}

		resSlice, ok := result.([]interface{})
		if !ok || len(resSlice) != 2 {
			return "", time.Time{}, fmt.Errorf("unexpected pop result %v", result)
		}

		key, ok := resSlice[0].(string)
		if !ok {
			return "", time.Time{}, fmt.Errorf("unexpected pop member %v", resSlice[0])
		}
		score, err := toUnix(resSlice[1])
		if err != nil {
			return "", time.Time{}, err
		}

		return key, time.Unix(score, 0), nil
	}
}

// Requeue schedules the next check one interval after the last one,
// clamped to now so overdue candidates do not hog the queue.
func (q *RevalidationQueue) Requeue(ctx context.Context, key string, lastCheck time.Time, interval time.Duration) error {
	base := lastCheck
	if now := time.Now(); now.After(base) {
		base = now
	}

	return q.client.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(base.Add(interval).Unix()),
		Member: key,
	}).Err()
}

// Remove drops candidates from the schedule, typically after
// retirement.
func (q *RevalidationQueue) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	members := make([]interface{}, len(keys))
	for i, key := range keys {
		members[i] = key
	}
	return q.client.ZRem(ctx, queueKey, members...).Err()
}

// Len reports how many candidates are scheduled.
func (q *RevalidationQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queueKey).Result()
}

func toUnix(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unexpected pop score %q", v)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("unexpected pop score type %T", raw)
	}
}
