package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	xerrors "vector-llm/internal/errors"
	"vector-llm/internal/provider"
	"vector-llm/pkg/logger"
)

// Invoker 执行一次大模型调用并返回文本结果。
type Invoker interface {
	Invoke(ctx context.Context, prompt string, id provider.ID) (string, error)
}

// Resolver 将任务携带的 provider 提示解析为具体的服务商。
type Resolver interface {
	Resolve(hint string) provider.ID
}

// FailureHook 在任务进入 FAILURE 终态时被调用，用于告警等旁路动作。
type FailureHook func(ctx context.Context, t *Task, cause error)

// Worker 消费队列中的任务 ID 并驱动任务走完生命周期：
// PENDING → STARTED → SUCCESS | FAILURE。执行失败属于正常结局，
// 记录后向队列返回 nil；只有存储不可用才向队列返回错误、
// 触发消息重投。
type Worker struct {
	store       Store
	consumer    Consumer
	resolver    Resolver
	invoker     Invoker
	workerCount int
	failureHook FailureHook
	log         *slog.Logger
}

// WorkerOption 配置 Worker 的可选行为。
type WorkerOption func(*Worker)

// WithWorkerCount 设置并发处理协程数。
func WithWorkerCount(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workerCount = n
		}
	}
}

// WithWorkerLogger 替换默认日志器。
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// WithFailureHook 注册任务失败时的旁路回调。
func WithFailureHook(hook FailureHook) WorkerOption {
	return func(w *Worker) {
		w.failureHook = hook
	}
}

// NewWorker 创建任务执行器。
func NewWorker(store Store, consumer Consumer, resolver Resolver, invoker Invoker, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       store,
		consumer:    consumer,
		resolver:    resolver,
		invoker:     invoker,
		workerCount: 4,
		log:         logger.Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start 阻塞消费队列直到 ctx 取消。
func (w *Worker) Start(ctx context.Context) error {
	w.log.Info("任务执行器启动", "worker_count", w.workerCount)
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

// handle 处理一条队列消息。队列保证至少一次投递，
// 这里通过终态检查与存储侧的单向迁移保证重复消息无害。
func (w *Worker) handle(ctx context.Context, taskID string) error {
	t, err := w.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			w.log.Warn("队列中的任务不存在，丢弃", "task_id", taskID)
			return nil
		}
		return err
	}
	if t.Status.Terminal() {
		w.log.Info("任务已是终态，跳过重复投递", "task_id", taskID, "status", t.Status)
		return nil
	}

	resolved := w.resolver.Resolve(t.ProviderHint)
	if err := w.store.MarkStarted(ctx, taskID, string(resolved)); err != nil {
		if errors.Is(err, ErrTaskTerminal) || errors.Is(err, ErrTaskConflict) {
			w.log.Info("任务状态已被并发推进，跳过", "task_id", taskID)
			return nil
		}
		return err
	}
	w.log.Info("任务开始执行",
		"task_id", taskID, "run_id", t.RunID, "phase_id", t.PhaseID,
		"provider", resolved)

	content, invokeErr := w.invoke(ctx, t.Prompt, resolved)
	if invokeErr != nil {
		return w.finishFailed(ctx, t, resolved, invokeErr)
	}
	return w.finishSucceeded(ctx, t, resolved, content)
}

// invoke 包装一层 panic 恢复：单个任务的崩溃转为 FAILURE，
// 不拖垮工作协程。
func (w *Worker) invoke(ctx context.Context, prompt string, id provider.ID) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(CodeTaskExecute, fmt.Sprintf("任务执行发生 panic: %v", r))
		}
	}()
	return w.invoker.Invoke(ctx, prompt, id)
}

func (w *Worker) finishSucceeded(ctx context.Context, t *Task, id provider.ID, content string) error {
	result := Result{
		RunID:    t.RunID,
		PhaseID:  t.PhaseID,
		Provider: string(id),
		Content:  content,
	}
	if err := w.store.MarkSucceeded(ctx, t.ID, result); err != nil {
		if errors.Is(err, ErrTaskTerminal) {
			return nil
		}
		return err
	}
	w.log.Info("任务执行成功",
		"task_id", t.ID, "run_id", t.RunID, "phase_id", t.PhaseID,
		"provider", id, "content_len", len(content))
	logger.Audit().Info("task finished",
		"task_id", t.ID, "status", StatusSuccess, "provider", id)
	return nil
}

// finishFailed 把执行失败落为 FAILURE 终态。失败是数据而非异常：
// 落盘成功后对队列返回 nil，消息不再重投。
func (w *Worker) finishFailed(ctx context.Context, t *Task, id provider.ID, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTaskExecute
	}
	if err := w.store.MarkFailed(ctx, t.ID, code, cause.Error()); err != nil {
		if errors.Is(err, ErrTaskTerminal) {
			return nil
		}
		return err
	}
	w.log.Error("任务执行失败",
		"task_id", t.ID, "run_id", t.RunID, "phase_id", t.PhaseID,
		"provider", id, "error_code", code, "error", cause)
	logger.Audit().Error("task finished",
		"task_id", t.ID, "status", StatusFailure, "provider", id, "error_code", code)
	if w.failureHook != nil && xerrors.AttributesOf(code).Alert {
		refreshed, err := w.store.Get(ctx, t.ID)
		if err == nil {
			w.failureHook(ctx, refreshed, cause)
		} else {
			w.failureHook(ctx, t, cause)
		}
	}
	return nil
}
