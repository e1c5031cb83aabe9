package task

import "context"

// RecoveryHandler 在任务遇到不可重试的失败时给出补偿结果。
type RecoveryHandler interface {
	// Recover 返回降级结果时，任务以该结果标记完成；返回 nil 结果则继续
	// 走失败流程；返回错误会触发补偿告警。
	Recover(ctx context.Context, task *Task, cause error) (*ExecutionResult, error)
}

// RecoveryFunc 将普通函数适配为 RecoveryHandler。
type RecoveryFunc func(ctx context.Context, task *Task, cause error) (*ExecutionResult, error)

// Recover 实现 RecoveryHandler。
func (f RecoveryFunc) Recover(ctx context.Context, task *Task, cause error) (*ExecutionResult, error) {
	return f(ctx, task, cause)
}
