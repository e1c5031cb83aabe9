package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"CareerCopilot/internal/agent"
	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/internal/observability/alerting"
	"CareerCopilot/internal/observability/metrics"
	"CareerCopilot/internal/protocol"
	"CareerCopilot/pkg/logger"
)

// Executor 定义了处理器所需的智能体执行能力。
// 执行过程中的增量进展通过 emit 上报，由处理器转发给事件订阅者。
type Executor interface {
	Execute(ctx context.Context, req agent.Request, emit agent.Emitter) (*agent.Result, error)
}

// Processor 负责从队列消费任务并交给智能体执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	broker      *Broker
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	collector   *metrics.Collector
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithMetricsCollector 配置指标收集器。
func WithMetricsCollector(collector *metrics.Collector) ProcessorOption {
	return func(p *Processor) {
		p.collector = collector
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, broker *Broker, opts ...ProcessorOption) *Processor {
	if broker == nil {
		broker = NewBroker(0)
	}
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		broker:      broker,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskCanceled) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	p.broker.Publish(StatusEvent(task.ID, protocol.TaskStatus{State: protocol.TaskStateWorking}, false))

	started := time.Now()
	result, execErr := p.executor.Execute(ctx, agent.Request{
		TaskID:              task.ID,
		SessionID:           task.SessionID,
		UserID:              task.UserID,
		Skill:               task.Skill,
		Message:             task.Message,
		AcceptedOutputModes: append([]string(nil), task.AcceptedOutputModes...),
		Metadata:            cloneMetadata(task.Metadata),
	}, p.emitterFor(task.ID))
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr, started)
	}

	var record ExecutionResult
	if result != nil {
		record = ExecutionResult{
			Thought:      result.Thought,
			Reply:        result.Reply,
			Skills:       result.Skills,
			Artifacts:    result.Artifacts,
			Observations: result.Observations,
		}
	}
	if err := p.store.MarkCompleted(ctx, task.ID, record); err != nil {
		if stdErrors.Is(err, ErrTaskCanceled) {
			p.logDebug("任务在执行期间被取消，丢弃结果", slog.String("task_id", task.ID))
			return nil
		}
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", task.ID))
		}
		logger.Audit().Warn("任务标记成功失败后重试",
			slog.String("task_id", task.ID),
			slog.String("skill", task.Skill),
			slog.String("error", err.Error()),
		)
		return nil
	}
	p.publishCompletion(task.ID, record)
	p.collector.TaskProcessed(task.Skill, string(StatusCompleted), time.Since(started))
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("skill", task.Skill),
		slog.String("session_id", task.SessionID),
	)
	return nil
}

// emitterFor 把智能体的增量进展转发到事件流。
func (p *Processor) emitterFor(taskID string) agent.Emitter {
	return func(update agent.Update) {
		if update.Artifact != nil {
			p.broker.Publish(ArtifactEvent(taskID, *update.Artifact))
		}
		if update.StatusText != "" || update.Progress > 0 {
			status := protocol.TaskStatus{
				State:    protocol.TaskStateWorking,
				Progress: update.Progress,
			}
			if update.StatusText != "" {
				msg := protocol.AgentMessage(update.StatusText)
				status.Message = &msg
			}
			p.broker.Publish(StatusEvent(taskID, status, false))
		}
	}
}

// publishCompletion 将最终结果转化为产物事件与终止状态事件。
func (p *Processor) publishCompletion(taskID string, record ExecutionResult) {
	for _, artifact := range record.Artifacts {
		p.broker.Publish(ArtifactEvent(taskID, artifact))
	}
	status := protocol.TaskStatus{State: protocol.TaskStateCompleted, Progress: 1}
	if record.Reply != "" {
		msg := protocol.AgentMessage(record.Reply)
		status.Message = &msg
	}
	p.broker.Publish(StatusEvent(taskID, status, true))
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error, started time.Time) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, task, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("task_id", task.ID))
			p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if fallback.Observations == "" {
				fallback.Observations = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkCompleted(ctx, task.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
				if storeErr := p.store.MarkFailed(ctx, task.ID, code, err.Error(), false); storeErr != nil {
					logger.L().Error("降级失败后的回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
					return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在降级失败后重投失败", task.ID))
				}
				return nil
			}
			p.publishCompletion(task.ID, *fallback)
			p.collector.TaskProcessed(task.Skill, string(StatusCompleted), time.Since(started))
			logger.Audit().Warn("任务降级完成",
				slog.String("task_id", task.ID),
				slog.String("skill", task.Skill),
				slog.String("observations", fallback.Observations),
			)
			p.emitAlert(ctx, task, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		if stdErrors.Is(storeErr, ErrTaskCanceled) {
			p.logDebug("任务在执行期间被取消", slog.String("task_id", task.ID))
			return nil
		}
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	p.broker.Publish(StatusEvent(task.ID, protocol.TaskStatus{
		State: protocol.TaskStateFailed,
		Error: execErr.Error(),
	}, terminal))
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("skill", task.Skill),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)
	if terminal {
		p.collector.TaskProcessed(task.Skill, string(StatusFailed), time.Since(started))
	}

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, task, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Skill:      task.Skill,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
