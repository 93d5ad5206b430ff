package task

import (
	"context"
	"sort"

	xerrors "vector-llm/internal/errors"
)

// ListOptions 控制 List 查询的过滤条件。
type ListOptions struct {
	Limit    int
	Statuses []Status
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	filtered := opts.Statuses[:0]
	for _, status := range opts.Statuses {
		if IsValidStatus(status) {
			filtered = append(filtered, status)
		}
	}
	opts.Statuses = filtered
}

// Stats 聚合了任务状态的统计信息。
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Started   int `json:"started"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Store 抽象了任务状态与结果的持久化接口。
// 它是任务结局的唯一可信来源；状态迁移必须保持单向，
// 终态一经写入不可回退。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// MarkStarted 记录任务开始执行以及解析得到的 provider。
	// 任务已处于终态时返回 ErrTaskTerminal。
	MarkStarted(ctx context.Context, id string, provider string) error
	MarkSucceeded(ctx context.Context, id string, result Result) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// sortTasksByUpdated 按更新时间倒序排列，时间相同时按 ID 保证稳定。
func sortTasksByUpdated(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].UpdatedAt == tasks[j].UpdatedAt {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].UpdatedAt > tasks[j].UpdatedAt
	})
}
