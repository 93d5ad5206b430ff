package task

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed 表示队列已关闭，不再接收新任务。
var ErrQueueClosed = errors.New("队列已关闭")

// MemoryQueue 使用 channel 模拟消息队列，用于测试与单机部署。
// 关闭通过独立的 done 信号广播，从不关闭数据 channel 本身，
// 因此并发中的 Publish 只会得到错误返回，不会触发 panic。
type MemoryQueue struct {
	ch   chan string
	done chan struct{}
	once sync.Once
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:   make(chan string, size),
		done: make(chan struct{}),
	}
}

// Publish 将任务投递到队列。队列已关闭或上下文取消时返回错误，
// 即使投递正阻塞在满缓冲上。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case taskID := <-q.ch:
					_ = handler(ctx, taskID)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
	case <-q.done:
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，可重复调用。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
