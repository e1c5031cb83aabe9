package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Channel    Channel
	TaskID     string
	Skill      string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("task_id", event.TaskID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := fmt.Sprintf("告警时间: %s\n任务: %s\n技能: %s\n重试: %d/%d\n错误码: %s\n描述: %s",
		event.OccurredAt.Format(time.RFC3339), event.TaskID, event.Skill, event.Attempts, event.MaxRetries, event.Code, event.Message)
	if len(event.Metadata) > 0 {
		content += "\n详情:\n"
		for k, v := range event.Metadata {
			content += fmt.Sprintf("- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, content, n.To)
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("task_id", event.TaskID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (任务 %s, 重试 %d/%d)",
		event.Severity, event.Code, event.Message, event.TaskID, event.Attempts, event.MaxRetries)
	return n.Sender.Send(ctx, n.ChannelID, content)
}

// WebhookNotifier 将事件以 JSON 形式 POST 到外部回调地址。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送 Webhook。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("task_id", event.TaskID))
		return nil
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	payload, err := json.Marshal(map[string]any{
		"code":        event.Code,
		"message":     event.Message,
		"severity":    event.Severity,
		"task_id":     event.TaskID,
		"skill":       event.Skill,
		"attempts":    event.Attempts,
		"max_retries": event.MaxRetries,
		"metadata":    event.Metadata,
		"occurred_at": event.OccurredAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("序列化告警事件失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造 Webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("推送 Webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("Webhook 返回异常状态码 %d", resp.StatusCode)
	}
	return nil
}
