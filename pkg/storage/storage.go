// Package storage backs the durable side channels of the queue: archived
// terminal task records and persisted task log events. The queue store itself
// never lives here.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested path does not exist in storage.
var ErrNotFound = errors.New("not found")

// Storage is key-value style file storage. Paths are forward-slash relative
// keys, e.g. "tasks/<id>.yaml" or "tasklogs/<task-id>.yaml".
type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}
