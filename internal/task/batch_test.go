package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	xerrors "vector-llm/internal/errors"
	"vector-llm/internal/provider"
)

func newBatchFixture(t *testing.T, invoker Invoker, wait, poll time.Duration) (*Coordinator, *Service, Store, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store := NewMemoryStore()
	queue := NewMemoryQueue(256)
	service := NewService(store, queue)
	worker := NewWorker(store, queue, testResolver(), invoker, WithWorkerCount(4))
	go func() { _ = worker.Start(ctx) }()

	coordinator := NewCoordinator(service, store, wait, poll)
	return coordinator, service, store, cancel
}

func batchItems(n int) []BatchItem {
	items := make([]BatchItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, BatchItem{
			Key:     fmt.Sprintf("key-%d", i),
			RunID:   "run",
			PhaseID: fmt.Sprintf("phase-%d", i),
			Prompt:  fmt.Sprintf("prompt-%d", i),
		})
	}
	return items
}

func TestBatchEmptyReturnsImmediately(t *testing.T) {
	coordinator, _, _, cancel := newBatchFixture(t, &fakeInvoker{}, time.Second, 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := coordinator.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("空批次不应报错: %v", err)
	}
	if result.GroupID != "" || len(result.Tasks) != 0 {
		t.Fatalf("unexpected empty-batch result: %+v", result)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("empty batch must not wait")
	}
}

func TestBatchRejectsInvalidItemBeforeEnqueue(t *testing.T) {
	coordinator, service, _, cancel := newBatchFixture(t, &fakeInvoker{}, time.Second, 10*time.Millisecond)
	defer cancel()

	items := batchItems(3)
	items[1].Prompt = "  "
	_, err := coordinator.Run(context.Background(), items)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "items[1]") {
		t.Fatalf("error should name the offending item: %v", err)
	}

	// 全量校验先行：不应有任何任务入队。
	stats, _ := service.Stats(context.Background())
	if stats.Total != 0 {
		t.Fatalf("invalid batch must not enqueue tasks: %+v", stats)
	}
}

func TestBatchRejectsDuplicateKeys(t *testing.T) {
	coordinator, _, _, cancel := newBatchFixture(t, &fakeInvoker{}, time.Second, 10*time.Millisecond)
	defer cancel()

	items := batchItems(2)
	items[1].Key = items[0].Key
	_, err := coordinator.Run(context.Background(), items)
	if err == nil || xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBatchPreservesSubmissionOrder(t *testing.T) {
	// 完成顺序被打乱：越靠前的条目执行越慢。
	invoker := &orderScrambler{}
	coordinator, _, _, cancel := newBatchFixture(t, invoker, 5*time.Second, 5*time.Millisecond)
	defer cancel()

	items := batchItems(6)
	result, err := coordinator.Run(context.Background(), items)
	if err != nil {
		t.Fatalf("批量执行失败: %v", err)
	}
	if result.GroupID == "" {
		t.Fatalf("group id missing")
	}
	if len(result.Tasks) != len(items) {
		t.Fatalf("expected %d outcomes, got %d", len(items), len(result.Tasks))
	}
	for i, outcome := range result.Tasks {
		if outcome.Key != items[i].Key {
			t.Fatalf("outcome %d out of order: got %s want %s", i, outcome.Key, items[i].Key)
		}
		if outcome.Status != StatusSuccess || outcome.Result == nil {
			t.Fatalf("outcome %d not successful: %+v", i, outcome)
		}
	}
}

// orderScrambler 让 phase 序号小的任务睡得更久，强行打乱完成顺序。
type orderScrambler struct{}

func (orderScrambler) Invoke(ctx context.Context, prompt string, id provider.ID) (string, error) {
	var index int
	_, _ = fmt.Sscanf(prompt, "prompt-%d", &index)
	delay := time.Duration(50-index*8) * time.Millisecond
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "done " + prompt, nil
}

type stalledInvoker struct {
	stall map[string]bool
}

func (s *stalledInvoker) Invoke(ctx context.Context, prompt string, id provider.ID) (string, error) {
	if s.stall[prompt] {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "quick " + prompt, nil
}

func TestBatchTimeoutMarksOnlyUnfinished(t *testing.T) {
	invoker := &stalledInvoker{stall: map[string]bool{"prompt-1": true}}
	coordinator, _, _, cancel := newBatchFixture(t, invoker, 300*time.Millisecond, 10*time.Millisecond)
	defer cancel()

	items := batchItems(3)
	result, err := coordinator.Run(context.Background(), items)
	if err != nil {
		t.Fatalf("批量执行失败: %v", err)
	}

	if result.Tasks[0].Status != StatusSuccess || result.Tasks[2].Status != StatusSuccess {
		t.Fatalf("finished tasks should be reported: %+v", result.Tasks)
	}
	timedOut := result.Tasks[1]
	if timedOut.Status.Terminal() {
		t.Fatalf("stalled task should not be terminal: %+v", timedOut)
	}
	// 亚秒级等待窗口不能被截断成 0s。
	if timedOut.Error != "timed out after 0.3s" {
		t.Fatalf("timeout entry should carry the wait message: %+v", timedOut)
	}
}

func TestBatchTimeoutDoesNotCancelTask(t *testing.T) {
	// 等待窗口结束只影响本次聚合，任务继续在后台执行。
	release := make(chan struct{})
	invoker := &gatedInvoker{release: release}
	coordinator, service, store, cancel := newBatchFixture(t, invoker, 100*time.Millisecond, 10*time.Millisecond)
	defer cancel()

	result, err := coordinator.Run(context.Background(), batchItems(1))
	if err != nil {
		t.Fatalf("批量执行失败: %v", err)
	}
	if result.Tasks[0].Status.Terminal() {
		t.Fatalf("task should still be running: %+v", result.Tasks[0])
	}

	close(release)
	done := waitForStatus(t, store, result.Tasks[0].TaskID, StatusSuccess)
	if done.Result == nil {
		t.Fatalf("late completion lost its result")
	}

	// 之后的单独轮询应能看到成功结局。
	snap, err := service.Poll(context.Background(), result.Tasks[0].TaskID)
	if err != nil {
		t.Fatalf("轮询失败: %v", err)
	}
	if snap.Status != StatusSuccess || snap.Result == nil {
		t.Fatalf("poll after batch timeout should see success: %+v", snap)
	}
}

type gatedInvoker struct {
	release chan struct{}
}

func (g *gatedInvoker) Invoke(ctx context.Context, prompt string, id provider.ID) (string, error) {
	select {
	case <-g.release:
		return "late " + prompt, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestBatchMixedOutcomes(t *testing.T) {
	invoker := &selectiveFailInvoker{failPrompt: "prompt-1"}
	coordinator, _, _, cancel := newBatchFixture(t, invoker, 5*time.Second, 5*time.Millisecond)
	defer cancel()

	result, err := coordinator.Run(context.Background(), batchItems(3))
	if err != nil {
		t.Fatalf("批量执行失败: %v", err)
	}
	if result.Tasks[0].Status != StatusSuccess || result.Tasks[2].Status != StatusSuccess {
		t.Fatalf("unexpected outcomes: %+v", result.Tasks)
	}
	failed := result.Tasks[1]
	if failed.Status != StatusFailure || failed.Error == "" || failed.Result != nil {
		t.Fatalf("failed outcome malformed: %+v", failed)
	}
}

type selectiveFailInvoker struct {
	failPrompt string
}

func (s *selectiveFailInvoker) Invoke(ctx context.Context, prompt string, id provider.ID) (string, error) {
	if prompt == s.failPrompt {
		return "", errors.New("provider melted down")
	}
	return "ok " + prompt, nil
}
