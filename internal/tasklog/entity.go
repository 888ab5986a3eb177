package tasklog

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type Category string

const (
	CategoryChunk  Category = "chunk"  // sanitized subprocess output
	CategoryStatus Category = "status" // lifecycle transitions
	CategoryError  Category = "error"  // failure detail
)

// Event is one entry in a task's append-only observability stream. Event IDs
// are ULIDs, so the lexical order of IDs is the append order.
type Event struct {
	ID        string            `json:"id" yaml:"id"`
	TaskID    string            `json:"task_id" yaml:"task_id"`
	Category  Category          `json:"category" yaml:"category"`
	Message   string            `json:"message" yaml:"message"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
}

func NewEvent(taskID string, category Category, message string) *Event {
	return &Event{
		ID:        ulid.Make().String(),
		TaskID:    taskID,
		Category:  category,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}
