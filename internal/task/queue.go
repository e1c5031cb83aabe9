package task

import "context"

// Handler 消费一个任务 ID。返回错误表示本次处理失败，是否重投由存储层的
// 尝试计数决定，队列驱动不做重投。
type Handler func(ctx context.Context, taskID string) error

// Producer 向队列投递任务 ID。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个并发协程消费队列，直到上下文取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力，守护进程按驱动配置构造一个实例。
type Queue interface {
	Producer
	Consumer
}

// DepthReporter 由进程内队列实现，读取积压长度无需访问后端。
type DepthReporter interface {
	Depth() int
}

// RemoteDepthReporter 由远端队列驱动实现，读取积压长度需要一次后端调用。
type RemoteDepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}
