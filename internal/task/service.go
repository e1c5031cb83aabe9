package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/internal/protocol"
	"CareerCopilot/pkg/logger"
)

// ErrIncompatibleContent 表示客户端声明的输出模式与智能体能力不兼容。
var ErrIncompatibleContent = xerrors.New(CodeTaskValidation, "不支持客户端请求的输出模式")

// Service 负责任务的创建、查询与取消，是 JSON-RPC 前门背后的核心服务。
type Service struct {
	store      Store
	producer   Producer
	broker     *Broker
	maxRetries int

	pushMu      sync.RWMutex
	pushConfigs map[string]protocol.PushNotificationConfig
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, broker *Broker, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if broker == nil {
		broker = NewBroker(0)
	}
	return &Service{
		store:       store,
		producer:    producer,
		broker:      broker,
		maxRetries:  maxRetries,
		pushConfigs: make(map[string]protocol.PushNotificationConfig),
	}
}

// Broker 返回任务事件代理，供流式接口订阅。
func (s *Service) Broker() *Broker {
	return s.broker
}

// Submit 创建一个新的任务并推送到队列。
// 携带已存在任务 ID 的重复提交是幂等的，直接返回已有任务。
func (s *Service) Submit(ctx context.Context, params protocol.TaskSendParams, userID string) (*Task, error) {
	if len(params.Message.Parts) == 0 {
		return nil, xerrors.New(CodeTaskValidation, "任务消息不能为空")
	}
	if !protocol.CompatibleContentTypes(params.AcceptedOutputModes, protocol.SupportedContentTypes) {
		return nil, ErrIncompatibleContent
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(params.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}
	sessionID := strings.TrimSpace(params.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	task := &Task{
		ID:                  taskID,
		SessionID:           sessionID,
		UserID:              userID,
		Skill:               skillFromMetadata(params.Metadata),
		Message:             params.Message,
		AcceptedOutputModes: append([]string(nil), params.AcceptedOutputModes...),
		Metadata:            cloneMetadata(params.Metadata),
		Status:              StatusPending,
		Attempts:            0,
		MaxRetries:          s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	s.broker.Publish(StatusEvent(taskID, protocol.TaskStatus{State: protocol.TaskStatePending}, false))
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
		slog.String("skill", task.Skill),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Cancel 取消尚未终态的任务。
// 已完成的任务返回 ErrTaskCompleted，对已取消任务的重复取消是幂等的。
func (s *Service) Cancel(ctx context.Context, id string, reason string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if reason == "" {
		reason = "canceled by client"
	}
	if err := s.store.MarkCanceled(ctx, id, reason); err != nil {
		return nil, err
	}
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.broker.Finished(id) {
		s.broker.Publish(StatusEvent(id, protocol.TaskStatus{
			State: protocol.TaskStateCanceled,
			Error: reason,
		}, true))
	}
	logger.Audit().Info("任务已取消",
		slog.String("task_id", id),
		slog.String("reason", reason),
	)
	return task, nil
}

// SetPushNotification 记录任务的回调配置。配置仅存储，终态事件不会主动推送。
func (s *Service) SetPushNotification(ctx context.Context, id string, cfg protocol.PushNotificationConfig) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return xerrors.New(CodeTaskValidation, "回调地址不能为空")
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	s.pushMu.Lock()
	s.pushConfigs[id] = cfg
	s.pushMu.Unlock()
	return nil
}

// GetPushNotification 返回任务已记录的回调配置，未设置时为零值。
func (s *Service) GetPushNotification(ctx context.Context, id string) (protocol.PushNotificationConfig, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return protocol.PushNotificationConfig{}, err
	}
	s.pushMu.RLock()
	cfg := s.pushConfigs[id]
	s.pushMu.RUnlock()
	return cfg, nil
}

// Subscribe 订阅任务事件流。replay 为 true 时先回放历史事件。
func (s *Service) Subscribe(taskID string, replay bool) (<-chan Event, func()) {
	return s.broker.Subscribe(taskID, replay)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询任务状态，直到任务进入终态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch task.Status {
		case StatusCompleted, StatusFailed, StatusCanceled:
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func skillFromMetadata(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if skill, ok := metadata["skill"].(string); ok {
		return strings.TrimSpace(skill)
	}
	return ""
}
