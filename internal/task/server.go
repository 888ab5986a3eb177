package task

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentq/agentq/pkg/cerr"
)

// Server exposes the enqueue API and the read-only task observability API.
// Reads go straight to the queue store and never touch the execution path.
type Server struct {
	queue          Queue
	archive        Archive
	defaultTimeout time.Duration
}

// NewServer builds the task API. defaultTimeout is the configured subprocess
// lifetime for tasks that do not request their own; zero falls back to the
// built-in default.
func NewServer(queue Queue, archive Archive, defaultTimeout time.Duration) *Server {
	return &Server{
		queue:          queue,
		archive:        archive,
		defaultTimeout: defaultTimeout,
	}
}

type createTaskRequest struct {
	Prompt              string            `json:"prompt"`
	ProvenanceKind      ProvenanceKind    `json:"provenance_kind"`
	ProvenanceMetadata  map[string]string `json:"provenance_metadata"`
	Model               string            `json:"model"`
	AllowedCapabilities []string          `json:"allowed_capabilities"`
	TimeoutSeconds      int               `json:"timeout_seconds"`
	Priority            Priority          `json:"priority"`
}

type taskResponse struct {
	Task *Task `json:"task"`
}

func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if req.Prompt == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "prompt is required", nil)
		return
	}
	if !req.ProvenanceKind.Valid() {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "unknown provenance kind", nil)
		return
	}

	t := New(req.Prompt)
	t.Provenance = Provenance{Kind: req.ProvenanceKind, Metadata: req.ProvenanceMetadata}
	t.Model = req.Model
	t.AllowedCapabilities = req.AllowedCapabilities
	if s.defaultTimeout > 0 {
		t.TimeoutSeconds = int(s.defaultTimeout / time.Second)
	}
	if req.TimeoutSeconds > 0 {
		t.TimeoutSeconds = req.TimeoutSeconds
	}
	if req.Priority != "" {
		if !req.Priority.Valid() {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "unknown priority", nil)
			return
		}
		t.Priority = req.Priority
	}

	if err := s.queue.Enqueue(ctx, t); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, taskResponse{Task: t})
}

func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	t, err := s.queue.Get(ctx, id)
	if err != nil {
		// Terminal tasks may have been evicted from the queue store but
		// still live in the archive.
		if errors.Is(err, ErrNotFound) && s.archive != nil {
			if archived, aerr := s.archive.Get(ctx, id); aerr == nil {
				cerr.SetJSONResponse(ctx, taskResponse{Task: archived})
				return
			}
		}
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, taskResponse{Task: t})
}

func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid limit", err)
			return
		}
		limit = n
	}

	tasks, err := s.queue.List(ctx, limit)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"tasks": tasks})
}

// ListArchivedTasks pages through the durable terminal records, the history
// that survives queue store eviction.
func (s *Server) ListArchivedTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid limit", err)
			return
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid offset", err)
			return
		}
		offset = n
	}

	tasks, total, err := s.archive.List(ctx, limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) GetTaskOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := s.queue.Get(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	chunks, err := s.queue.OutputChunks(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"task_id": id, "chunks": chunks})
}

func (s *Server) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	size, err := s.queue.Size(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"pending": size})
}
