package tasklog

import (
	"context"
	"log/slog"
)

// Sink is the write side of the observability stream. Every write is best
// effort: a failed persist is logged and dropped, never surfaced to the
// execution path.
type Sink struct {
	repo   Repository
	broker *Broker
}

func NewSink(repo Repository, broker *Broker) *Sink {
	return &Sink{
		repo:   repo,
		broker: broker,
	}
}

// Broker exposes the live-subscription side for the HTTP surface.
func (s *Sink) Broker() *Broker {
	return s.broker
}

// Open starts a task's event stream.
func (s *Sink) Open(taskID string) {
	s.broker.Register(taskID)
}

// Chunk records one sanitized output chunk.
func (s *Sink) Chunk(ctx context.Context, taskID, chunk string) {
	s.record(ctx, NewEvent(taskID, CategoryChunk, chunk))
}

// Status records a lifecycle transition.
func (s *Sink) Status(ctx context.Context, taskID, status string) {
	s.record(ctx, NewEvent(taskID, CategoryStatus, status))
}

// Error records failure detail.
func (s *Sink) Error(ctx context.Context, taskID, message string) {
	s.record(ctx, NewEvent(taskID, CategoryError, message))
}

// Close ends the task's stream with a final status event.
func (s *Sink) Close(ctx context.Context, taskID, status string) {
	final := NewEvent(taskID, CategoryStatus, status)
	s.persist(ctx, final)
	s.broker.Complete(taskID, final)
}

func (s *Sink) record(ctx context.Context, e *Event) {
	s.persist(ctx, e)
	s.broker.Publish(e)
}

func (s *Sink) persist(ctx context.Context, e *Event) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Create(ctx, e); err != nil {
		slog.WarnContext(ctx, "failed to persist task log event", "task_id", e.TaskID, "error", err)
	}
}
