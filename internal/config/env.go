package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3100"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type QueueEnv struct {
	// Type selects the queue backing store: "redis" or "memory". The memory
	// queue is process local and intended for development and tests.
	Type          string        `envconfig:"QUEUE_TYPE" default:"redis"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix     string        `envconfig:"QUEUE_KEY_PREFIX" default:"agentq:"`
	PollTimeout   time.Duration `envconfig:"QUEUE_POLL_TIMEOUT" default:"5s"`
}

type RunnerEnv struct {
	Binary         string        `envconfig:"RUNNER_BINARY" default:"claude"`
	Concurrency    int           `envconfig:"RUNNER_CONCURRENCY" default:"5"`
	DefaultTimeout time.Duration `envconfig:"RUNNER_DEFAULT_TIMEOUT" default:"1h"`
	DrainTimeout   time.Duration `envconfig:"RUNNER_DRAIN_TIMEOUT" default:"30s"`
	WorkDir        string        `envconfig:"RUNNER_WORK_DIR" default:".agentq/work"`
}

type PosterEnv struct {
	GitHubToken     string `envconfig:"GITHUB_TOKEN"`
	JiraBaseURL     string `envconfig:"JIRA_BASE_URL"`
	JiraEmail       string `envconfig:"JIRA_EMAIL"`
	JiraAPIToken    string `envconfig:"JIRA_API_TOKEN"`
	SlackBotToken   string `envconfig:"SLACK_BOT_TOKEN"`
	SentryAuthToken string `envconfig:"SENTRY_AUTH_TOKEN"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".agentq/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"agentq/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type Env struct {
	BaseEnv
	QueueEnv
	RunnerEnv
	PosterEnv
	StorageEnv
}

const namespace = "AGENTQ"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func QueueEnvFromEnv(env *Env) *QueueEnv {
	return &env.QueueEnv
}

func RunnerEnvFromEnv(env *Env) *RunnerEnv {
	return &env.RunnerEnv
}

func PosterEnvFromEnv(env *Env) *PosterEnv {
	return &env.PosterEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}
