package task

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultTimeoutSeconds bounds total subprocess lifetime when a task does not
// carry its own timeout.
const DefaultTimeoutSeconds = 3600

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type ProvenanceKind string

const (
	ProvenanceNone   ProvenanceKind = ""
	ProvenanceGitHub ProvenanceKind = "github"
	ProvenanceJira   ProvenanceKind = "jira"
	ProvenanceSlack  ProvenanceKind = "slack"
	ProvenanceSentry ProvenanceKind = "sentry"
)

func (k ProvenanceKind) Valid() bool {
	switch k {
	case ProvenanceNone, ProvenanceGitHub, ProvenanceJira, ProvenanceSlack, ProvenanceSentry:
		return true
	}
	return false
}

// Provenance names the external system a task originated from and carries the
// source-specific routing metadata (issue key, channel, PR number) the result
// poster needs to deliver the outcome.
type Provenance struct {
	Kind     ProvenanceKind    `json:"kind" yaml:"kind"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityDefault, PriorityLow:
		return true
	}
	return false
}

// Task is the unit of work dispatched to a single subprocess invocation.
type Task struct {
	ID                  string           `json:"id" yaml:"id"`
	Prompt              string           `json:"prompt" yaml:"prompt"`
	WorkingDirectory    string           `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	Provenance          Provenance       `json:"provenance" yaml:"provenance"`
	Model               string           `json:"model,omitempty" yaml:"model,omitempty"`
	AllowedCapabilities []string         `json:"allowed_capabilities,omitempty" yaml:"allowed_capabilities,omitempty"`
	TimeoutSeconds      int              `json:"timeout_seconds" yaml:"timeout_seconds"`
	Priority            Priority         `json:"priority" yaml:"priority"`
	Status              Status           `json:"status" yaml:"status"`
	Result              *ExecutionResult `json:"result,omitempty" yaml:"result,omitempty"`
	CreatedAt           time.Time        `json:"created_at" yaml:"created_at"`
	StartedAt           *time.Time       `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// New builds a pending task with defaults filled in. The ULID id doubles as
// the enqueue-order tiebreak because it is lexically sortable by creation time.
func New(prompt string) *Task {
	return &Task{
		ID:             ulid.Make().String(),
		Prompt:         prompt,
		TimeoutSeconds: DefaultTimeoutSeconds,
		Priority:       PriorityDefault,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// Timeout returns the task's timeout as a duration, falling back to the
// system default for zero or negative values.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// ExecutionResult is the outcome of one finished subprocess invocation.
// Usage metrics default to zero when the tool did not report them.
type ExecutionResult struct {
	Success         bool    `json:"success" yaml:"success"`
	RawOutput       string  `json:"raw_output" yaml:"raw_output"`
	SanitizedOutput string  `json:"sanitized_output" yaml:"sanitized_output"`
	CostUnits       float64 `json:"cost_units" yaml:"cost_units"`
	InputUnits      int64   `json:"input_units" yaml:"input_units"`
	OutputUnits     int64   `json:"output_units" yaml:"output_units"`
	ErrorMessage    string  `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}
