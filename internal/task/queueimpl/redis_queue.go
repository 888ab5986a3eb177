package queueimpl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentq/agentq/internal/task"
	"github.com/agentq/agentq/pkg/cerr"
)

const (
	enqueueAttempts = 3
	enqueueBackoff  = 200 * time.Millisecond
	claimAttempts   = 5
)

// RedisQueue is the shared queue store. Multiple worker processes may run
// against the same Redis instance; status writes go through WATCH/MULTI
// transactions so racing slots cannot both claim or complete a task.
//
// Keys (under prefix):
//
//	queue:<priority>   list of pending task IDs, RPUSH on enqueue, BLPOP on dequeue
//	task:<id>          JSON task record
//	task:<id>:output   list of sanitized output chunks
//	tasks              sorted set of all task IDs scored by creation time
type RedisQueue struct {
	client *redis.Client
	prefix string
}

func NewRedisQueue(addr, password string, db int, prefix string) *RedisQueue {
	return &RedisQueue{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
	}
}

// Ping verifies connectivity at startup.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return task.NewStoreUnavailableError(err)
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) taskKey(id string) string {
	return fmt.Sprintf("%stask:%s", q.prefix, id)
}

func (q *RedisQueue) outputKey(id string) string {
	return fmt.Sprintf("%stask:%s:output", q.prefix, id)
}

func (q *RedisQueue) queueKey(p task.Priority) string {
	return fmt.Sprintf("%squeue:%s", q.prefix, p)
}

func (q *RedisQueue) indexKey() string {
	return q.prefix + "tasks"
}

// queueKeys returns the pending lists in pop-priority order.
func (q *RedisQueue) queueKeys() []string {
	return []string{
		q.queueKey(task.PriorityHigh),
		q.queueKey(task.PriorityDefault),
		q.queueKey(task.PriorityLow),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, t *task.Task) error {
	t.Status = task.StatusPending
	data, err := json.Marshal(t)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return task.NewStoreUnavailableError(ctx.Err())
			case <-time.After(enqueueBackoff << (attempt - 1)):
			}
		}
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.taskKey(t.ID), data, 0)
		pipe.ZAdd(ctx, q.indexKey(), &redis.Z{
			Score:  float64(t.CreatedAt.UnixNano()),
			Member: t.ID,
		})
		pipe.RPush(ctx, q.queueKey(t.Priority), t.ID)
		if _, lastErr = pipe.Exec(ctx); lastErr == nil {
			return nil
		}
	}
	return task.NewStoreUnavailableError(lastErr)
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	res, err := q.client.BLPop(ctx, timeout, q.queueKeys()...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, task.NewStoreUnavailableError(err)
	}
	// res is [key, id].
	if len(res) != 2 {
		return nil, task.NewStoreUnavailableError(fmt.Errorf("unexpected BLPOP reply of length %d", len(res)))
	}
	return q.claim(ctx, res[1])
}

// claim atomically flips a popped task from pending to running. A task whose
// record vanished or is no longer pending is skipped by returning nil.
func (q *RedisQueue) claim(ctx context.Context, id string) (*task.Task, error) {
	var claimed *task.Task
	for attempt := 0; attempt < claimAttempts; attempt++ {
		err := q.client.Watch(ctx, func(tx *redis.Tx) error {
			t, err := q.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if t.Status != task.StatusPending {
				return nil
			}
			now := time.Now().UTC()
			t.Status = task.StatusRunning
			t.StartedAt = &now
			data, err := json.Marshal(t)
			if err != nil {
				return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, q.taskKey(id), data, 0)
				return nil
			})
			if err != nil {
				return err
			}
			claimed = t
			return nil
		}, q.taskKey(id))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if cerr.IsCode(err, cerr.NotFound) {
				return nil, nil
			}
			return nil, task.NewStoreUnavailableError(err)
		}
		return claimed, nil
	}
	return nil, task.NewStoreUnavailableError(fmt.Errorf("could not claim task %s after %d attempts", id, claimAttempts))
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := q.client.Get(ctx, q.taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, task.NewNotFoundError(id)
	}
	if err != nil {
		return nil, task.NewStoreUnavailableError(err)
	}
	return unmarshalTask(data)
}

func (q *RedisQueue) getTx(ctx context.Context, tx *redis.Tx, id string) (*task.Task, error) {
	data, err := tx.Get(ctx, q.taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, task.NewNotFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalTask(data)
}

func (q *RedisQueue) List(ctx context.Context, limit int) ([]*task.Task, error) {
	ids, err := q.client.ZRevRange(ctx, q.indexKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, task.NewStoreUnavailableError(err)
	}
	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (q *RedisQueue) SetStatus(ctx context.Context, id string, status task.Status, result *task.ExecutionResult) error {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		err := q.client.Watch(ctx, func(tx *redis.Tx) error {
			t, err := q.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := task.ValidateTransition(id, t.Status, status); err != nil {
				return err
			}
			t.Status = status
			if status.Terminal() {
				now := time.Now().UTC()
				t.CompletedAt = &now
				t.Result = result
			}
			data, err := json.Marshal(t)
			if err != nil {
				return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, q.taskKey(id), data, 0)
				return nil
			})
			return err
		}, q.taskKey(id))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if callerFault(err) {
				return err
			}
			return task.NewStoreUnavailableError(err)
		}
		return nil
	}
	return task.NewStoreUnavailableError(fmt.Errorf("could not update task %s after %d attempts", id, claimAttempts))
}

// callerFault reports whether a status-write error is the caller's fault
// (unknown task, rejected or malformed transition). Those pass through as is;
// everything else is a store outage.
func callerFault(err error) bool {
	return cerr.IsCode(err, cerr.NotFound) ||
		cerr.IsCode(err, cerr.FailedPrecondition) ||
		cerr.IsCode(err, cerr.InvalidArgument)
}

func (q *RedisQueue) AppendOutputChunk(ctx context.Context, id string, chunk string) error {
	if err := q.client.RPush(ctx, q.outputKey(id), chunk).Err(); err != nil {
		return task.NewStoreUnavailableError(err)
	}
	return nil
}

func (q *RedisQueue) OutputChunks(ctx context.Context, id string) ([]string, error) {
	chunks, err := q.client.LRange(ctx, q.outputKey(id), 0, -1).Result()
	if err != nil {
		return nil, task.NewStoreUnavailableError(err)
	}
	return chunks, nil
}

func (q *RedisQueue) Size(ctx context.Context) (int64, error) {
	var total int64
	for _, key := range q.queueKeys() {
		n, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			return 0, task.NewStoreUnavailableError(err)
		}
		total += n
	}
	return total, nil
}

func (q *RedisQueue) RequeueStale(ctx context.Context, grace time.Duration) (int, error) {
	ids, err := q.client.ZRange(ctx, q.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, task.NewStoreUnavailableError(err)
	}
	moved := 0
	now := time.Now().UTC()
	for _, id := range ids {
		t, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		if t.Status != task.StatusRunning || t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) <= t.Timeout()+grace {
			continue
		}
		requeued := false
		err = q.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := q.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if cur.Status != task.StatusRunning {
				return nil
			}
			requeued = true
			cur.Status = task.StatusPending
			cur.StartedAt = nil
			data, err := json.Marshal(cur)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, q.taskKey(id), data, 0)
				pipe.RPush(ctx, q.queueKey(cur.Priority), id)
				return nil
			})
			return err
		}, q.taskKey(id))
		if err == nil && requeued {
			moved++
		}
	}
	return moved, nil
}

func unmarshalTask(data []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal task: %w", err))
	}
	return &t, nil
}
