package queueimpl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq/agentq/internal/task"
)

func enqueue(t *testing.T, q *MemoryQueue, prompt string, priority task.Priority) *task.Task {
	t.Helper()
	tk := task.New(prompt)
	tk.Priority = priority
	require.NoError(t, q.Enqueue(context.Background(), tk))
	return tk
}

func TestMemoryQueue_FIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	first := enqueue(t, q, "first", task.PriorityDefault)
	second := enqueue(t, q, "second", task.PriorityDefault)
	third := enqueue(t, q, "third", task.PriorityDefault)

	for _, want := range []*task.Task{first, second, third} {
		got, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, task.StatusRunning, got.Status)
		assert.NotNil(t, got.StartedAt)
	}
}

func TestMemoryQueue_PriorityBeatsArrivalOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	low := enqueue(t, q, "low", task.PriorityLow)
	def := enqueue(t, q, "default", task.PriorityDefault)
	high := enqueue(t, q, "high", task.PriorityHigh)

	for _, want := range []*task.Task{high, def, low} {
		got, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
	}
}

func TestMemoryQueue_DequeueTimeoutReturnsNil(t *testing.T) {
	q := NewMemoryQueue()

	start := time.Now()
	got, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryQueue_DequeueWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	done := make(chan *task.Task, 1)
	go func() {
		got, _ := q.Dequeue(ctx, 5*time.Second)
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	tk := enqueue(t, q, "late arrival", task.PriorityDefault)

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, tk.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake on enqueue")
	}
}

func TestMemoryQueue_EachTaskClaimedOnce(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	const n = 20
	for i := 0; i < n; i++ {
		enqueue(t, q, "work", task.PriorityDefault)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := q.Dequeue(ctx, 100*time.Millisecond)
				if err != nil || got == nil {
					return
				}
				mu.Lock()
				claimed[got.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, n)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "task %s claimed %d times", id, count)
	}
}

func TestMemoryQueue_TerminalTransitionIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	tk := enqueue(t, q, "finish me", task.PriorityDefault)
	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	result := &task.ExecutionResult{Success: true, RawOutput: "done"}
	require.NoError(t, q.SetStatus(ctx, tk.ID, task.StatusCompleted, result))

	// Any later terminal write must be rejected, whatever the status.
	err = q.SetStatus(ctx, tk.ID, task.StatusFailed, &task.ExecutionResult{Success: false})
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)

	err = q.SetStatus(ctx, tk.ID, task.StatusCompleted, result)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)

	// The first result stands.
	final, err := q.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.True(t, final.Result.Success)
	assert.NotNil(t, final.CompletedAt)
}

func TestMemoryQueue_ConcurrentTerminalWrites_ExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	tk := enqueue(t, q, "contended", task.PriorityDefault)
	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		status := task.StatusCompleted
		if i%2 == 1 {
			status = task.StatusFailed
		}
		wg.Add(1)
		go func(s task.Status) {
			defer wg.Done()
			errs <- q.SetStatus(ctx, tk.ID, s, &task.ExecutionResult{Success: s == task.StatusCompleted})
		}(status)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, task.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestMemoryQueue_OutputChunksKeepAppendOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	tk := enqueue(t, q, "chunky", task.PriorityDefault)

	want := []string{"alpha\n", "beta\n", "gamma\n"}
	for _, c := range want {
		require.NoError(t, q.AppendOutputChunk(ctx, tk.ID, c))
	}

	got, err := q.OutputChunks(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMemoryQueue_GetUnknownID(t *testing.T) {
	q := NewMemoryQueue()
	_, err := q.Get(context.Background(), "01UNKNOWN")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestMemoryQueue_Size(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	enqueue(t, q, "a", task.PriorityHigh)
	enqueue(t, q, "b", task.PriorityLow)

	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	n, err = q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryQueue_RequeueStale(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	tk := task.New("stale")
	tk.TimeoutSeconds = 1
	require.NoError(t, q.Enqueue(ctx, tk))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Backdate the claim beyond timeout plus grace.
	q.mu.Lock()
	past := time.Now().UTC().Add(-time.Hour)
	q.records[tk.ID].StartedAt = &past
	q.mu.Unlock()

	moved, err := q.RequeueStale(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	back, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, tk.ID, back.ID)

	// Nothing stale anymore.
	moved, err = q.RequeueStale(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
}
