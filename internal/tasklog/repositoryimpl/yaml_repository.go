package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/agentq/agentq/internal/tasklog"
	"github.com/agentq/agentq/pkg/cerr"
	"github.com/agentq/agentq/pkg/storage"
)

const taskLogsPrefix = "task_logs"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(taskID, id string) string {
	return fmt.Sprintf("%s/%s/%s.yaml", taskLogsPrefix, taskID, id)
}

func (r *YAMLRepository) Create(ctx context.Context, e *tasklog.Event) error {
	data, err := yaml.Marshal(e)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task log event: %w", err))
	}
	if err := r.storage.Write(ctx, path(e.TaskID, e.ID), data); err != nil {
		return cerr.WrapStorageWriteError("task_log", err)
	}
	return nil
}

func (r *YAMLRepository) List(ctx context.Context, taskID string, limit, offset int) ([]*tasklog.Event, int, error) {
	paths, err := r.storage.List(ctx, taskLogsPrefix+"/"+taskID)
	if err != nil {
		return nil, 0, cerr.WrapStorageReadError("task_logs", err)
	}

	// ULID filenames sort in append order.
	sort.Strings(paths)

	var all []*tasklog.Event
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var e tasklog.Event
		if err := yaml.Unmarshal(data, &e); err != nil {
			continue
		}
		all = append(all, &e)
	}

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}
