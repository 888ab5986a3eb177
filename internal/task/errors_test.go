package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentq/agentq/pkg/cerr"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"pending to running", StatusPending, StatusRunning, false},
		{"pending to cancelled", StatusPending, StatusCancelled, false},
		{"pending reassert", StatusPending, StatusPending, false},
		{"pending to completed skips running", StatusPending, StatusCompleted, true},
		{"running to completed", StatusRunning, StatusCompleted, false},
		{"running to failed", StatusRunning, StatusFailed, false},
		{"running to cancelled", StatusRunning, StatusCancelled, false},
		{"running reassert", StatusRunning, StatusRunning, false},
		{"running back to pending", StatusRunning, StatusPending, true},
		{"completed to failed", StatusCompleted, StatusFailed, true},
		{"completed to completed", StatusCompleted, StatusCompleted, true},
		{"failed to running", StatusFailed, StatusRunning, true},
		{"cancelled to completed", StatusCancelled, StatusCompleted, true},
		{"unknown target", StatusRunning, Status("exploded"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition("01TEST", tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTransition_TerminalIsWriteOnce(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, to := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
			err := ValidateTransition("01TEST", from, to)
			require.Error(t, err, "from=%s to=%s", from, to)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
}

func TestErrorConstructors_CarrySentinelAndCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		code     cerr.Code
	}{
		{"store unavailable", NewStoreUnavailableError(errors.New("dial tcp")), ErrStoreUnavailable, cerr.Unavailable},
		{"spawn failure", NewSpawnFailureError(errors.New("no such file")), ErrSpawnFailure, cerr.FailedPrecondition},
		{"timeout", NewTimeoutExceededError(3600), ErrTimeoutExceeded, cerr.DeadlineExceeded},
		{"protocol", NewProtocolError(nil), ErrProtocolError, cerr.DataLoss},
		{"delivery", NewDeliveryFailureError(ProvenanceSlack, errors.New("503")), ErrDeliveryFailure, cerr.Unavailable},
		{"invalid transition", NewInvalidTransitionError("01TEST", StatusCompleted, StatusFailed), ErrInvalidTransition, cerr.FailedPrecondition},
		{"not found", NewNotFoundError("01TEST"), ErrNotFound, cerr.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.True(t, cerr.IsCode(tt.err, tt.code), "want code %s, got %s", tt.code, cerr.CodeOf(tt.err))
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	tk := New("summarize the build failure")

	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, PriorityDefault, tk.Priority)
	assert.Equal(t, DefaultTimeoutSeconds, tk.TimeoutSeconds)
	assert.False(t, tk.CreatedAt.IsZero())
}

func TestTask_TimeoutFallback(t *testing.T) {
	tk := New("x")
	tk.TimeoutSeconds = 0
	assert.Equal(t, DefaultTimeoutSeconds*time.Second, tk.Timeout())
}
