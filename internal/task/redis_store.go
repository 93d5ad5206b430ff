package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "vector-llm/internal/errors"
)

// RedisStoreConfig 描述 Redis 结果存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// TTL 大于零时，终态任务在该时长后过期清理。
	TTL time.Duration
}

// RedisStore 把任务状态与结果序列化为 JSON 存入 Redis，
// 入队方重启后仍可按 task_id 查询结局。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 结果存储。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "vector:llm:task:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Create 写入新任务，已存在时返回冲突。
func (s *RedisStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeValidation, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "任务 ID 不能为空")
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	encoded, err := json.Marshal(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务失败")
	}
	ok, err := s.client.SetNX(ctx, s.key(task.ID), encoded, 0).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败")
	}
	if !ok {
		return ErrTaskConflict
	}
	return nil
}

// Get 返回任务快照。存储内容无法解析时视为结果载荷损坏。
func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedResult, err,
			fmt.Sprintf("任务 %s 的存储内容无法解析", id))
	}
	return &task, nil
}

// MarkStarted 将任务状态更新为执行中。
func (s *RedisStore) MarkStarted(ctx context.Context, id string, provider string) error {
	return s.update(ctx, id, func(task *Task) {
		task.Status = StatusStarted
		task.Provider = provider
	})
}

// MarkSucceeded 记录成功结果。
func (s *RedisStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	return s.update(ctx, id, func(task *Task) {
		task.Status = StatusSuccess
		task.Result = &result
		task.LastError = ""
		task.ErrorCode = ""
	})
}

// MarkFailed 标记任务失败。
func (s *RedisStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	return s.update(ctx, id, func(task *Task) {
		task.Status = StatusFailure
		task.Result = nil
		task.LastError = lastError
		task.ErrorCode = string(code)
	})
}

// update 读改写任务状态。执行任务的 worker 是唯一写入方，
// 因此无需乐观锁。
func (s *RedisStore) update(ctx context.Context, id string, mutate func(*Task)) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return ErrTaskTerminal
	}
	mutate(task)
	task.UpdatedAt = time.Now().Unix()

	encoded, err := json.Marshal(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务失败")
	}
	ttl := time.Duration(0)
	if s.ttl > 0 && task.Status.Terminal() {
		ttl = s.ttl
	}
	if err := s.client.Set(ctx, s.key(id), encoded, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	return nil
}

// List 使用 SCAN 遍历任务键。仅用于低频的运维查询。
func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	var (
		cursor uint64
		tasks  []*Task
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 256).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务键失败")
		}
		for _, key := range keys {
			raw, err := s.client.Get(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
			}
			var task Task
			if err := json.Unmarshal([]byte(raw), &task); err != nil {
				continue
			}
			if !matchesStatuses(&task, opts.Statuses) {
				continue
			}
			tasks = append(tasks, &task)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sortTasksByUpdated(tasks)
	if len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// Stats 统计各状态下的任务数量。
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	tasks, err := s.List(ctx, ListOptions{Limit: 100})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{}
	for _, task := range tasks {
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

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

var _ Store = (*RedisStore)(nil)
