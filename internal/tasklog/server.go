package tasklog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentq/agentq/pkg/cerr"
)

// Server exposes the per-task event history and a live SSE stream.
type Server struct {
	repo   Repository
	broker *Broker
}

func NewServer(repo Repository, broker *Broker) *Server {
	return &Server{
		repo:   repo,
		broker: broker,
	}
}

func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")

	limit, offset := 200, 0
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

	events, total, err := s.repo.List(ctx, taskID, limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"events": events, "total": total})
}

// StreamEvents serves a Server-Sent Events stream of live task events.
// Tasks with no live stream in this process fall back to replaying the
// persisted history, so observers can still read streams of tasks executed
// by another worker process.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := s.broker.Subscribe(taskID)
	defer unsubscribe()

	if ch == nil {
		events, _, err := s.repo.List(ctx, taskID, 0, 0)
		if err != nil {
			return
		}
		for _, e := range events {
			writeSSE(w, e)
		}
		flusher.Flush()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e *Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Category, data)
}
