package task

import (
	"errors"
	"fmt"

	"github.com/agentq/agentq/pkg/cerr"
)

// Failure categories. Each terminal task carries an error message built from
// one of these so task history distinguishes "the tool failed" from "we never
// got to run it" from "we ran it but couldn't tell anyone". The sentinels are
// wrapped into cerr coded errors by the constructors below, so callers can
// classify with errors.Is and still get HTTP/log-level mapping from the code.
var (
	ErrStoreUnavailable  = errors.New("queue store unavailable")
	ErrSpawnFailure      = errors.New("process spawn failure")
	ErrTimeoutExceeded   = errors.New("timeout exceeded")
	ErrProtocolError     = errors.New("no parseable final record")
	ErrDeliveryFailure   = errors.New("result delivery failure")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("task not found")
)

func NewStoreUnavailableError(err error) error {
	return cerr.NewError(cerr.Unavailable, "queue store unreachable", join(ErrStoreUnavailable, err))
}

func NewSpawnFailureError(err error) error {
	return cerr.NewError(cerr.FailedPrecondition, "failed to start process", join(ErrSpawnFailure, err))
}

func NewTimeoutExceededError(timeoutSeconds int) error {
	return cerr.NewError(cerr.DeadlineExceeded,
		fmt.Sprintf("process exceeded timeout of %ds and was killed", timeoutSeconds),
		ErrTimeoutExceeded)
}

func NewProtocolError(err error) error {
	return cerr.NewError(cerr.DataLoss, "process exited without a parseable final record", join(ErrProtocolError, err))
}

func NewDeliveryFailureError(kind ProvenanceKind, err error) error {
	return cerr.NewError(cerr.Unavailable,
		fmt.Sprintf("failed to deliver result to %s", kind),
		join(ErrDeliveryFailure, err))
}

func NewInvalidTransitionError(id string, from, to Status) error {
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("task %s cannot transition from %s to %s", id, from, to),
		ErrInvalidTransition)
}

func NewNotFoundError(id string) error {
	return cerr.NewError(cerr.NotFound, fmt.Sprintf("task %s not found", id), ErrNotFound)
}

func join(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// ValidateTransition enforces the monotonically-forward status machine.
// Re-asserting the current non-terminal status is a no-op for idempotent
// callers; any write to a task already holding a terminal status is rejected.
func ValidateTransition(id string, from, to Status) error {
	if !to.Valid() {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", to), nil)
	}
	if from.Terminal() {
		return NewInvalidTransitionError(id, from, to)
	}
	switch from {
	case StatusPending:
		if to == StatusPending || to == StatusRunning || to == StatusCancelled {
			return nil
		}
	case StatusRunning:
		if to == StatusRunning || to.Terminal() {
			return nil
		}
	}
	return NewInvalidTransitionError(id, from, to)
}
