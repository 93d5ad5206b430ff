package task

import (
	"context"
)

// Handler 处理来自消息队列的任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务，投递立即返回、从不等待执行。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从队列中消费任务。队列提供至少一次投递语义，
// 处理方需要容忍重复的任务 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
