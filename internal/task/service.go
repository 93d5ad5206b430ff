package task

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "vector-llm/internal/errors"
	"vector-llm/pkg/logger"
)

// SubmitRequest 描述一次任务提交。
type SubmitRequest struct {
	RunID    string `json:"run_id"`
	PhaseID  string `json:"phase_id"`
	Prompt   string `json:"prompt"`
	Provider string `json:"provider,omitempty"`
}

// Validate 校验提交参数。校验消息直接回传给调用方，保持英文。
func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return xerrors.New(xerrors.CodeValidation, "run_id is required")
	}
	if strings.TrimSpace(r.PhaseID) == "" {
		return xerrors.New(xerrors.CodeValidation, "phase_id is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return xerrors.New(xerrors.CodeValidation, "prompt is required")
	}
	return nil
}

// Snapshot 是一次轮询看到的任务视图。
type Snapshot struct {
	TaskID string
	Status Status
	Result *Result
	Error  string
}

// Service 封装任务的提交与查询：写入存储、投递队列、
// 维护轮询簿记。执行本身由 Worker 负责。
type Service struct {
	store    Store
	producer Producer
	tracker  *Tracker
	log      *slog.Logger
}

// NewService 创建任务服务。
func NewService(store Store, producer Producer) *Service {
	return &Service{
		store:    store,
		producer: producer,
		tracker:  NewTracker(),
		log:      logger.Named("task"),
	}
}

// Submit 接收任务并异步投递。任务先以 PENDING 写入存储，
// 再进入队列；投递失败时任务被标记为 FAILURE，错误原样返回。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	t := &Task{
		ID:           uuid.NewString(),
		RunID:        req.RunID,
		PhaseID:      req.PhaseID,
		Prompt:       req.Prompt,
		ProviderHint: req.Provider,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建任务失败")
	}

	if err := s.producer.Publish(ctx, t.ID); err != nil {
		publishErr := xerrors.Wrap(CodeTaskPublish, err, "任务投递失败")
		if markErr := s.store.MarkFailed(ctx, t.ID, CodeTaskPublish, publishErr.Error()); markErr != nil {
			s.log.Error("任务投递失败且无法落盘",
				"task_id", t.ID, "publish_error", err, "mark_error", markErr)
		}
		return nil, publishErr
	}

	s.log.Info("任务已入队",
		"task_id", t.ID, "run_id", t.RunID, "phase_id", t.PhaseID,
		"provider_hint", t.ProviderHint, "prompt_len", len(t.Prompt))
	return cloneTask(t), nil
}

// Poll 查询任务当前状态。轮询是只读且幂等的：重复调用
// 返回同一视图，不会推动任务前进。SUCCESS 却没有结果体
// 说明结果存储损坏，按错误处理。
func (s *Service) Poll(ctx context.Context, taskID string) (Snapshot, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return Snapshot{}, err
	}

	obs := s.tracker.Observe(taskID, t.Status)
	if obs.ShouldLog {
		s.log.Info("任务轮询",
			"task_id", taskID, "status", t.Status,
			"poll_count", obs.PollCount, "status_changed", obs.StatusChanged)
	}

	snap := Snapshot{TaskID: t.ID, Status: t.Status}
	switch t.Status {
	case StatusSuccess:
		if t.Result == nil {
			return Snapshot{}, xerrors.New(xerrors.CodeMalformedResult,
				"任务标记成功但结果缺失")
		}
		snap.Result = cloneResult(t.Result)
	case StatusFailure:
		snap.Error = t.LastError
		if snap.Error == "" {
			snap.Error = t.ErrorCode
		}
	}
	return snap, nil
}

// List 返回满足过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	return s.store.List(ctx, opts)
}

// Stats 返回任务状态统计。
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx)
}

// TrackerLen 返回当前轮询簿记条目数。
func (s *Service) TrackerLen() int {
	return s.tracker.Len()
}

// Close 依次关闭队列生产端与存储。
func (s *Service) Close() error {
	var errs []error
	if err := s.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func cloneResult(r *Result) *Result {
	clone := *r
	return &clone
}
