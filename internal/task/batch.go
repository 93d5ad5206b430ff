package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "vector-llm/internal/errors"
	"vector-llm/pkg/logger"
)

// BatchItem 是批量提交中的一个条目。Key 由调用方指定，
// 用于在结果中对应回各自的条目。
type BatchItem struct {
	Key      string `json:"key"`
	RunID    string `json:"run_id"`
	PhaseID  string `json:"phase_id"`
	Prompt   string `json:"prompt"`
	Provider string `json:"provider,omitempty"`
}

// BatchOutcome 是批量等待结束后单个条目的结局。
type BatchOutcome struct {
	Key    string  `json:"key"`
	TaskID string  `json:"taskId"`
	Status Status  `json:"status"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// BatchResult 汇总整个批次。Tasks 的顺序与提交顺序一致。
type BatchResult struct {
	GroupID string         `json:"groupId"`
	Tasks   []BatchOutcome `json:"tasks"`
}

// Coordinator 负责批量任务的扇出与聚合：一次性提交全部条目，
// 然后在限定时间内等待它们到达终态。等待超时不影响任务本身，
// 任务继续在后台执行，之后仍可单独轮询。
type Coordinator struct {
	service *Service
	store   Store
	wait    time.Duration
	poll    time.Duration
	log     *slog.Logger
}

// NewCoordinator 创建批量协调器。
func NewCoordinator(service *Service, store Store, wait, poll time.Duration) *Coordinator {
	if wait <= 0 {
		wait = 180 * time.Second
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Coordinator{
		service: service,
		store:   store,
		wait:    wait,
		poll:    poll,
		log:     logger.Named("batch"),
	}
}

// Run 提交一批任务并等待结果。校验是全量先行的：任何条目
// 不合法时整批拒绝，不会有部分任务入队。空批次立即返回空结果。
func (c *Coordinator) Run(ctx context.Context, items []BatchItem) (BatchResult, error) {
	if len(items) == 0 {
		return BatchResult{GroupID: "", Tasks: []BatchOutcome{}}, nil
	}
	if err := validateBatch(items); err != nil {
		return BatchResult{}, err
	}

	groupID := uuid.NewString()
	outcomes := make([]BatchOutcome, len(items))
	for i, item := range items {
		t, err := c.service.Submit(ctx, SubmitRequest{
			RunID:    item.RunID,
			PhaseID:  item.PhaseID,
			Prompt:   item.Prompt,
			Provider: item.Provider,
		})
		if err != nil {
			// 校验已整体通过，这里的失败来自存储或队列。
			// 已入队的任务继续执行，本批次整体报错。
			return BatchResult{}, xerrors.Wrap(xerrors.CodeQueueFailure, err,
				fmt.Sprintf("批量提交第 %d 个任务失败", i))
		}
		outcomes[i] = BatchOutcome{Key: item.Key, TaskID: t.ID, Status: t.Status}
	}
	c.log.Info("批量任务已入队",
		"group_id", groupID, "count", len(items), "wait", c.wait.String())

	c.await(ctx, outcomes)

	finished := 0
	for i := range outcomes {
		if outcomes[i].Status.Terminal() {
			finished++
		} else {
			outcomes[i].Error = fmt.Sprintf("timed out after %gs", c.wait.Seconds())
		}
	}
	c.log.Info("批量等待结束",
		"group_id", groupID, "finished", finished, "total", len(outcomes))
	return BatchResult{GroupID: groupID, Tasks: outcomes}, nil
}

// await 为每个任务启动一个观察协程，轮询结果存储直到终态。
// 全部到达终态或等待窗口耗尽时返回；返回前等所有协程退出，
// 保证 outcomes 的写入对调用方可见。
func (c *Coordinator) await(ctx context.Context, outcomes []BatchOutcome) {
	waitCtx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	var wg sync.WaitGroup
	for i := range outcomes {
		wg.Add(1)
		go func(out *BatchOutcome) {
			defer wg.Done()
			c.watch(waitCtx, out)
		}(&outcomes[i])
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-waitCtx.Done():
		<-done
	}
}

// watch 轮询单个任务直到它到达终态或 ctx 结束。
func (c *Coordinator) watch(ctx context.Context, out *BatchOutcome) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		t, err := c.store.Get(ctx, out.TaskID)
		if err == nil {
			out.Status = t.Status
			if t.Status.Terminal() {
				if t.Status == StatusSuccess && t.Result != nil {
					out.Result = cloneResult(t.Result)
				}
				if t.Status == StatusFailure {
					out.Error = t.LastError
				}
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// validateBatch 逐条校验，任何一条不合法都使整批被拒绝。
func validateBatch(items []BatchItem) error {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.Key) == "" {
			return xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("items[%d] key is required", i))
		}
		if _, dup := seen[item.Key]; dup {
			return xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("items[%d] key %q is duplicated", i, item.Key))
		}
		seen[item.Key] = struct{}{}
		if strings.TrimSpace(item.RunID) == "" {
			return xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("items[%d] run_id is required", i))
		}
		if strings.TrimSpace(item.PhaseID) == "" {
			return xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("items[%d] phase_id is required", i))
		}
		if strings.TrimSpace(item.Prompt) == "" {
			return xerrors.New(xerrors.CodeValidation,
				fmt.Sprintf("items[%d] prompt is required", i))
		}
	}
	return nil
}
