package task

import "context"

// Archive persists terminal task records durably, outside the queue store.
// This is the record downstream analytics or billing reads after completion.
type Archive interface {
	Save(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, limit, offset int) ([]*Task, int, error)
}
