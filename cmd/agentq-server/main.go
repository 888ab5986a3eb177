package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentq/agentq/internal/config"
	"github.com/agentq/agentq/internal/task"
	taskqueue "github.com/agentq/agentq/internal/task/queueimpl"
	taskrepo "github.com/agentq/agentq/internal/task/repositoryimpl"
	"github.com/agentq/agentq/internal/tasklog"
	tasklogrepo "github.com/agentq/agentq/internal/tasklog/repositoryimpl"
	"github.com/agentq/agentq/pkg/clog"
	"github.com/agentq/agentq/pkg/storage"

	server "github.com/agentq/agentq/internal"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "sentinel" {
		runSentinel()
		return
	}
	run()
}

func run() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup queue store
	var queue task.Queue
	switch env.QueueEnv.Type {
	case "memory":
		queue = taskqueue.NewMemoryQueue()
	default:
		rq := taskqueue.NewRedisQueue(env.QueueEnv.RedisAddr, env.QueueEnv.RedisPassword, env.QueueEnv.RedisDB, env.QueueEnv.KeyPrefix)
		if err := rq.Ping(context.Background()); err != nil {
			slog.Error("failed to connect to redis", "addr", env.QueueEnv.RedisAddr, "error", err)
			os.Exit(1)
		}
		queue = rq
	}

	// Setup repositories
	archive := taskrepo.NewYAMLArchive(store)
	taskLogRepo := tasklogrepo.NewYAMLRepository(store)

	// The server has no live execution in this process; SSE subscriptions
	// fall back to replaying the persisted event history.
	broker := tasklog.NewBroker()

	taskServer := task.NewServer(queue, archive, env.RunnerEnv.DefaultTimeout)
	taskLogServer := tasklog.NewServer(taskLogRepo, broker)

	srv := server.NewServer(env, taskServer, taskLogServer)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	// Give active connections time to finish after stream contexts are cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
