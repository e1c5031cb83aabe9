package task

import (
	"context"

	xerrors "CareerCopilot/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkCompleted(ctx context.Context, id string, result ExecutionResult) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	MarkCanceled(ctx context.Context, id string, reason string) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
