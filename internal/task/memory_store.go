package task

import (
	"context"
	"sync"
	"time"

	xerrors "vector-llm/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，用于测试与免依赖部署。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeValidation, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// MarkStarted 将任务状态更新为执行中，并记录解析出的 provider。
func (m *MemoryStore) MarkStarted(_ context.Context, id string, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return ErrTaskTerminal
	}
	task.Status = StatusStarted
	task.Provider = provider
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return ErrTaskTerminal
	}
	task.Status = StatusSuccess
	task.Result = &result
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记任务失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		return ErrTaskTerminal
	}
	task.Status = StatusFailure
	task.Result = nil
	task.LastError = lastError
	task.ErrorCode = string(code)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回最近更新的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesStatuses(task, opts.Statuses) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sortTasksByUpdated(results)

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计各状态下的任务数量。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{}
	for _, task := range m.tasks {
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusStarted:
			stats.Started++
		case StatusSuccess:
			stats.Succeeded++
		case StatusFailure:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesStatuses(task *Task, statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, status := range statuses {
		if task.Status == status {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
