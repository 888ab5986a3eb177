package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/agentq/agentq/internal/poster"
	"github.com/agentq/agentq/internal/runner"
	"github.com/agentq/agentq/internal/task"
	"github.com/agentq/agentq/internal/tasklog"
	"github.com/agentq/agentq/pkg/panicerr"
	"github.com/agentq/agentq/pkg/sanitize"
)

const (
	// DefaultConcurrency is the number of tasks a worker executes at once.
	DefaultConcurrency = 5

	// DefaultDrainTimeout bounds how long shutdown waits for in-flight
	// tasks to finish before cancelling their subprocesses.
	DefaultDrainTimeout = 30 * time.Second

	defaultPollTimeout = 5 * time.Second

	// Store outage backoff bounds. The backoff doubles per consecutive
	// failure and resets on the first successful dequeue.
	backoffMin = 5 * time.Second
	backoffMax = 5 * time.Minute

	workDirPrefix = "task-"
)

type Config struct {
	Concurrency  int
	PollTimeout  time.Duration
	DrainTimeout time.Duration
	WorkDir      string
}

// Worker pulls tasks off the queue and executes them on a fixed number of
// slots. Each slot runs at most one subprocess at a time, so at most
// Concurrency subprocesses are alive across the worker.
type Worker struct {
	queue   task.Queue
	archive task.Archive
	runner  runner.Runner
	sink    *tasklog.Sink
	poster  poster.Poster
	cfg     Config
}

func New(queue task.Queue, archive task.Archive, r runner.Runner, sink *tasklog.Sink, p poster.Poster, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "agentq")
	}
	return &Worker{
		queue:   queue,
		archive: archive,
		runner:  r,
		sink:    sink,
		poster:  p,
		cfg:     cfg,
	}
}

// Start runs the worker slots until ctx is cancelled, then drains: dequeuing
// stops immediately, but in-flight tasks keep running on their own context
// and get up to DrainTimeout to finish before they are cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.sweepWorkDirs(ctx); err != nil {
		slog.WarnContext(ctx, "failed to sweep leftover working directories", "error", err)
	}

	slog.InfoContext(ctx, "worker starting", "concurrency", w.cfg.Concurrency)

	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-stopped:
			return
		case <-ctx.Done():
		}
		slog.Info("worker draining in-flight tasks", "timeout", w.cfg.DrainTimeout)
		select {
		case <-stopped:
		case <-time.After(w.cfg.DrainTimeout):
			slog.Warn("drain timeout elapsed, cancelling in-flight tasks")
			cancelExec()
		}
	}()

	wg := conc.NewWaitGroup()
	for i := 0; i < w.cfg.Concurrency; i++ {
		slot := i
		wg.Go(func() {
			if err := panicerr.Safe(func() error { return w.runSlot(ctx, execCtx) })(); err != nil {
				slog.ErrorContext(ctx, "worker slot exited with error", "slot", slot, "error", err)
			}
		})
	}
	wg.Wait()
	close(stopped)

	slog.Info("worker stopped")
	return nil
}

// runSlot loops on ctx, which ends the loop on shutdown. Claimed tasks run
// under execCtx so a shutdown signal does not abort work already paid for.
func (w *Worker) runSlot(ctx, execCtx context.Context) error {
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}

		t, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, task.ErrStoreUnavailable) {
				slog.WarnContext(ctx, "queue store unavailable, backing off",
					"backoff", backoff, "error", err)
				if !sleep(ctx, backoff) {
					return nil
				}
				backoff = min(backoff*2, backoffMax)
				continue
			}
			slog.ErrorContext(ctx, "dequeue failed", "error", err)
			if !sleep(ctx, backoffMin) {
				return nil
			}
			continue
		}
		backoff = backoffMin
		if t == nil {
			continue
		}

		w.execute(execCtx, t)
	}
}

// execute drives a single claimed task to a terminal status. It never
// returns an error: every outcome, including panics caught upstream, ends in
// exactly one terminal transition.
func (w *Worker) execute(ctx context.Context, t *task.Task) {
	slog.InfoContext(ctx, "task started", "task_id", t.ID, "priority", t.Priority)

	w.sink.Open(t.ID)
	w.sink.Status(ctx, t.ID, string(task.StatusRunning))

	workDir, cleanup, err := w.prepareWorkDir(t)
	if err != nil {
		w.settle(t, failedResult(fmt.Sprintf("failed to prepare working directory: %v", err)), task.StatusFailed)
		return
	}
	defer cleanup()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := func(chunk string) {
		clean := sanitize.Sanitize(chunk)
		// Output persistence is best effort and must not slow the task down.
		if err := w.queue.AppendOutputChunk(runCtx, t.ID, clean); err != nil {
			slog.WarnContext(runCtx, "failed to persist output chunk", "task_id", t.ID, "error", err)
		}
		w.sink.Chunk(runCtx, t.ID, clean)
	}

	result, runErr := w.runner.Run(runCtx, runner.Request{
		TaskID:              t.ID,
		Prompt:              t.Prompt,
		WorkingDirectory:    workDir,
		Model:               t.Model,
		AllowedCapabilities: t.AllowedCapabilities,
		Timeout:             t.Timeout(),
	}, sink)

	status := task.StatusFailed
	switch {
	case runErr == nil && result != nil && result.Success:
		status = task.StatusCompleted
	case ctx.Err() != nil:
		status = task.StatusCancelled
	}

	if result == nil {
		result = failedResult("")
	}
	if runErr != nil && result.ErrorMessage == "" {
		result.ErrorMessage = runErr.Error()
	}
	result.SanitizedOutput = sanitize.Sanitize(result.RawOutput)
	result.ErrorMessage = sanitize.Sanitize(result.ErrorMessage)

	if runErr != nil {
		w.sink.Error(ctx, t.ID, result.ErrorMessage)
	}

	w.settle(t, result, status)
}

// settle records the terminal outcome: one status transition, the archive
// copy, the final log event, and the delivery attempt. It runs on a fresh
// context so shutdown cannot leave a claimed task without a terminal status.
func (w *Worker) settle(t *task.Task, result *task.ExecutionResult, status task.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.queue.SetStatus(ctx, t.ID, status, result); err != nil {
		// An invalid transition means someone else already finished the
		// task, for example a reaper that requeued it after a long stall.
		// The first terminal write wins; do not deliver a duplicate result.
		if errors.Is(err, task.ErrInvalidTransition) {
			slog.WarnContext(ctx, "task already settled elsewhere, dropping outcome",
				"task_id", t.ID, "status", status)
			w.sink.Close(ctx, t.ID, string(status))
			return
		}
		slog.ErrorContext(ctx, "failed to record terminal status",
			"task_id", t.ID, "status", status, "error", err)
	}

	slog.InfoContext(ctx, "task finished", "task_id", t.ID, "status", status,
		"success", result.Success, "cost_units", result.CostUnits)

	now := time.Now().UTC()
	t.Status = status
	t.Result = result
	t.CompletedAt = &now
	if w.archive != nil {
		if err := w.archive.Save(ctx, t); err != nil {
			slog.WarnContext(ctx, "failed to archive task", "task_id", t.ID, "error", err)
		}
	}

	w.sink.Close(ctx, t.ID, string(status))

	if w.poster != nil {
		// Delivery is at most once and strictly after the terminal write.
		// Whatever happens here, the recorded status stands.
		if err := w.poster.Post(ctx, t); err != nil {
			slog.ErrorContext(ctx, "failed to deliver task result",
				"task_id", t.ID, "kind", t.Provenance.Kind, "error", err)
		}
	}
}

// prepareWorkDir gives the subprocess a working directory. Tasks that name
// their own directory keep it; everything else gets a fresh per-task
// directory that is removed when the task settles.
func (w *Worker) prepareWorkDir(t *task.Task) (string, func(), error) {
	if t.WorkingDirectory != "" {
		return t.WorkingDirectory, func() {}, nil
	}

	dir := filepath.Join(w.cfg.WorkDir, workDirPrefix+t.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", func() {}, err
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("failed to remove task working directory", "dir", dir, "error", err)
		}
	}
	return dir, cleanup, nil
}

// sweepWorkDirs removes per-task directories left behind by a previous
// process that died without cleaning up.
func (w *Worker) sweepWorkDirs(ctx context.Context) error {
	entries, err := os.ReadDir(w.cfg.WorkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workDirPrefix) {
			continue
		}
		dir := filepath.Join(w.cfg.WorkDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			slog.WarnContext(ctx, "failed to remove stale working directory", "dir", dir, "error", err)
			continue
		}
		slog.InfoContext(ctx, "removed stale working directory", "dir", dir)
	}
	return nil
}

func failedResult(msg string) *task.ExecutionResult {
	return &task.ExecutionResult{
		Success:      false,
		ErrorMessage: msg,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
