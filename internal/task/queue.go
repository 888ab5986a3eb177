package task

import (
	"context"
	"time"
)

// Queue is the durable, shared store of task descriptors. It is the only
// state shared across worker slots and across worker processes, so every
// status mutation must be atomic at the store level.
type Queue interface {
	// Enqueue appends t with status pending. The implementation retries a
	// bounded number of times before failing with ErrStoreUnavailable.
	Enqueue(ctx context.Context, t *Task) error

	// Dequeue blocks up to timeout for the next task in priority-then-FIFO
	// order, atomically marks it running and records StartedAt. A nil task
	// with nil error means the timeout elapsed with no work available.
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)

	// Get returns the current descriptor for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns up to limit descriptors, newest first. Observability only.
	List(ctx context.Context, limit int) ([]*Task, error)

	// SetStatus transitions the task's status with compare-and-set semantics.
	// A transition to a terminal status records CompletedAt and attaches
	// result; it fails with ErrInvalidTransition if the task already holds a
	// terminal status, so double completion is impossible.
	SetStatus(ctx context.Context, id string, status Status, result *ExecutionResult) error

	// AppendOutputChunk appends to the task's live output buffer. Best
	// effort: a failure here must never fail the owning task.
	AppendOutputChunk(ctx context.Context, id string, chunk string) error

	// OutputChunks returns the appended chunks in append order.
	OutputChunks(ctx context.Context, id string) ([]string, error)

	// Size reports the number of pending tasks. Eventually consistent.
	Size(ctx context.Context) (int64, error)

	// RequeueStale returns tasks that have been running longer than their
	// timeout plus grace back to pending, and reports how many were moved.
	// Nothing in the worker calls this; it exists for an external reaper.
	RequeueStale(ctx context.Context, grace time.Duration) (int, error)
}
