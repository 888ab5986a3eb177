package queueimpl

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentq/agentq/internal/task"
)

// MemoryQueue implements task.Queue in process memory. It backs local
// single-process deployments and tests; semantics match RedisQueue, including
// the write-once terminal transition.
type MemoryQueue struct {
	mu      sync.Mutex
	records map[string]*task.Task
	pending map[task.Priority][]string
	outputs map[string][]string
	signal  chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		records: make(map[string]*task.Task),
		pending: make(map[task.Priority][]string),
		outputs: make(map[string][]string),
		signal:  make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, t *task.Task) error {
	q.mu.Lock()
	cp := *t
	cp.Status = task.StatusPending
	q.records[cp.ID] = &cp
	q.pending[cp.Priority] = append(q.pending[cp.Priority], cp.ID)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if t := q.tryClaim(); t != nil {
			// Wake another waiter if work remains; a single buffered signal
			// can under-count bursts of enqueues.
			if n, _ := q.Size(ctx); n > 0 {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.signal:
		}
	}
}

func (q *MemoryQueue) tryClaim() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range []task.Priority{task.PriorityHigh, task.PriorityDefault, task.PriorityLow} {
		ids := q.pending[p]
		for len(ids) > 0 {
			id := ids[0]
			ids = ids[1:]
			q.pending[p] = ids
			t, ok := q.records[id]
			if !ok || t.Status != task.StatusPending {
				continue
			}
			now := time.Now().UTC()
			t.Status = task.StatusRunning
			t.StartedAt = &now
			cp := *t
			return &cp
		}
	}
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.records[id]
	if !ok {
		return nil, task.NewNotFoundError(id)
	}
	cp := *t
	return &cp, nil
}

func (q *MemoryQueue) List(ctx context.Context, limit int) ([]*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]*task.Task, 0, len(q.records))
	for _, t := range q.records {
		cp := *t
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].ID > tasks[j].ID
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (q *MemoryQueue) SetStatus(ctx context.Context, id string, status task.Status, result *task.ExecutionResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.records[id]
	if !ok {
		return task.NewNotFoundError(id)
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
	return nil
}

func (q *MemoryQueue) AppendOutputChunk(ctx context.Context, id string, chunk string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outputs[id] = append(q.outputs[id], chunk)
	return nil
}

func (q *MemoryQueue) OutputChunks(ctx context.Context, id string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	chunks := make([]string, len(q.outputs[id]))
	copy(chunks, q.outputs[id])
	return chunks, nil
}

func (q *MemoryQueue) Size(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total int64
	for _, ids := range q.pending {
		total += int64(len(ids))
	}
	return total, nil
}

func (q *MemoryQueue) RequeueStale(ctx context.Context, grace time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	moved := 0
	now := time.Now().UTC()
	for id, t := range q.records {
		if t.Status != task.StatusRunning || t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) <= t.Timeout()+grace {
			continue
		}
		t.Status = task.StatusPending
		t.StartedAt = nil
		q.pending[t.Priority] = append(q.pending[t.Priority], id)
		moved++
	}

	if moved > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return moved, nil
}
