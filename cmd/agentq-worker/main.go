package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentq/agentq/internal/config"
	"github.com/agentq/agentq/internal/poster"
	"github.com/agentq/agentq/internal/runner"
	"github.com/agentq/agentq/internal/task"
	taskqueue "github.com/agentq/agentq/internal/task/queueimpl"
	taskrepo "github.com/agentq/agentq/internal/task/repositoryimpl"
	"github.com/agentq/agentq/internal/tasklog"
	tasklogrepo "github.com/agentq/agentq/internal/tasklog/repositoryimpl"
	"github.com/agentq/agentq/internal/worker"
	"github.com/agentq/agentq/pkg/clog"
	"github.com/agentq/agentq/pkg/storage"
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

	archive := taskrepo.NewYAMLArchive(store)
	taskLogRepo := tasklogrepo.NewYAMLRepository(store)
	sink := tasklog.NewSink(taskLogRepo, tasklog.NewBroker())

	cliRunner := runner.NewCLIRunner(env.RunnerEnv.Binary)
	resultPoster := poster.NewHTTPPoster(poster.Config{
		GitHubToken:     env.PosterEnv.GitHubToken,
		JiraBaseURL:     env.PosterEnv.JiraBaseURL,
		JiraEmail:       env.PosterEnv.JiraEmail,
		JiraAPIToken:    env.PosterEnv.JiraAPIToken,
		SlackBotToken:   env.PosterEnv.SlackBotToken,
		SentryAuthToken: env.PosterEnv.SentryAuthToken,
	})

	w := worker.New(queue, archive, cliRunner, sink, resultPoster, worker.Config{
		Concurrency:  env.RunnerEnv.Concurrency,
		PollTimeout:  env.QueueEnv.PollTimeout,
		DrainTimeout: env.RunnerEnv.DrainTimeout,
		WorkDir:      env.RunnerEnv.WorkDir,
	})

	// Graceful shutdown: cancel slots on SIGTERM/SIGINT and let in-flight
	// tasks settle before exiting.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := w.Start(ctx); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
}
