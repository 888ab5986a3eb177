package tasklog

import "context"

type Repository interface {
	Create(ctx context.Context, e *Event) error
	List(ctx context.Context, taskID string, limit, offset int) ([]*Event, int, error)
}
