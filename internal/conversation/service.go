package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"CareerCopilot/internal/docstore"
	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/internal/protocol"
	"CareerCopilot/internal/task"
	"CareerCopilot/pkg/logger"
)

// 会话相关错误码。
const (
	CodeConversationNotFound xerrors.Code = "CONV_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeConversationNotFound, xerrors.Attributes{
		Message:  "会话不存在",
		Severity: xerrors.SeverityInfo,
	})
}

// ErrConversationNotFound 表示请求的会话不存在。
var ErrConversationNotFound = xerrors.New(CodeConversationNotFound, "会话不存在")

// Conversation 表示一次求职辅导会话及其累积的消息。
type Conversation struct {
	ID       string             `json:"conversation_id"`
	Name     string             `json:"name"`
	Active   bool               `json:"is_active"`
	TaskIDs  []string           `json:"task_ids"`
	Messages []protocol.Message `json:"messages"`
}

// clone 返回会话的浅拷贝，切片独立以免调用方持有内部状态。
func (c *Conversation) clone() *Conversation {
	return &Conversation{
		ID:       c.ID,
		Name:     c.Name,
		Active:   c.Active,
		TaskIDs:  append([]string(nil), c.TaskIDs...),
		Messages: append([]protocol.Message(nil), c.Messages...),
	}
}

// SendResult 描述一次异步消息投递：消息先挂起，任务完成后回填答复。
type SendResult struct {
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
}

// Service 维护会话与消息，消息异步派发为任务，事件流落到文档库。
type Service struct {
	docs        docstore.Store
	tasks       *task.Service
	waitTimeout time.Duration
	interval    time.Duration

	mu            sync.RWMutex
	conversations map[string]*Conversation
	order         []string
	pending       map[string][]string // conversationID -> 挂起的 message_id 列表

	wg sync.WaitGroup
}

// Option 配置会话服务。
type Option func(*Service)

// WithWaitTimeout 设置等待任务完成的最长时间。
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// WithPollInterval 设置轮询任务状态的间隔。
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewService 创建会话服务。
func NewService(docs docstore.Store, tasks *task.Service, opts ...Option) *Service {
	svc := &Service{
		docs:          docs,
		tasks:         tasks,
		waitTimeout:   5 * time.Minute,
		interval:      200 * time.Millisecond,
		conversations: make(map[string]*Conversation),
		pending:       make(map[string][]string),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Restore 从文档库重建会话与消息缓存，服务重启后调用一次。
// 挂起列表不持久化：重启时在途任务的答复协程已不存在，对应消息不再挂起。
func (s *Service) Restore(ctx context.Context) error {
	if s.docs == nil {
		return nil
	}
	stored, err := s.docs.ListConversations(ctx, 500)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range stored {
		if _, ok := s.conversations[record.ID]; ok {
			continue
		}
		conv := &Conversation{
			ID:      record.ID,
			Name:    record.Name,
			Active:  record.Active,
			TaskIDs: append([]string(nil), record.TaskIDs...),
		}
		messages, err := s.docs.ListMessages(ctx, record.ID, 500)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			conv.Messages = append(conv.Messages, rehydrateMessage(msg))
		}
		s.conversations[conv.ID] = conv
		s.order = append(s.order, conv.ID)
	}
	return nil
}

// rehydrateMessage 把持久化的消息记录还原为协议消息。
func rehydrateMessage(msg docstore.Message) protocol.Message {
	metadata := map[string]any{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
	}
	if msg.TaskID != "" {
		metadata["task_id"] = msg.TaskID
	}
	if msg.ReplyTo != "" {
		metadata["reply_to"] = msg.ReplyTo
	}
	return protocol.Message{
		Role:      msg.Role,
		Parts:     []protocol.Part{protocol.NewTextPart(msg.Content)},
		Metadata:  metadata,
		Timestamp: msg.CreatedAt,
	}
}

// Create 创建一个新会话。
func (s *Service) Create(ctx context.Context, name string) (*Conversation, error) {
	conv := &Conversation{
		ID:     uuid.NewString(),
		Name:   name,
		Active: true,
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.order = append(s.order, conv.ID)
	s.mu.Unlock()

	s.persistConversation(ctx, conv)
	s.appendEvent(ctx, conv.ID, "system", "会话已创建")
	return conv.clone(), nil
}

// List 按创建顺序返回全部会话。
func (s *Service) List(_ context.Context) []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Conversation, 0, len(s.order))
	for _, id := range s.order {
		if conv, ok := s.conversations[id]; ok {
			result = append(result, conv.clone())
		}
	}
	return result
}

// Get 返回指定会话。
func (s *Service) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv.clone(), nil
}

// SendMessage 把用户消息追加到会话并异步派发为任务。
// 消息立即进入挂起列表，任务终态后写回智能体答复并清除挂起标记。
func (s *Service) SendMessage(ctx context.Context, conversationID, userID string, message protocol.Message) (*SendResult, error) {
	s.mu.RLock()
	_, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrConversationNotFound
	}

	messageID := uuid.NewString()
	if message.Role == "" {
		message.Role = protocol.RoleUser
	}
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().Unix()
	}
	if message.Metadata == nil {
		message.Metadata = make(map[string]any, 2)
	}
	message.Metadata["message_id"] = messageID
	message.Metadata["conversation_id"] = conversationID

	submitted, err := s.tasks.Submit(ctx, protocol.TaskSendParams{
		SessionID: conversationID,
		Message:   message,
		Metadata: map[string]any{
			"conversation_id": conversationID,
			"message_id":      messageID,
			"history":         s.historySnapshot(conversationID),
		},
	}, userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	conv := s.conversations[conversationID]
	var snapshot *Conversation
	if conv != nil {
		conv.Messages = append(conv.Messages, message)
		conv.TaskIDs = append(conv.TaskIDs, submitted.ID)
		snapshot = conv.clone()
	}
	s.pending[conversationID] = append(s.pending[conversationID], messageID)
	s.mu.Unlock()

	if snapshot != nil {
		s.persistConversation(ctx, snapshot)
	}
	s.persistMessage(ctx, docstore.Message{
		ID:             messageID,
		ConversationID: conversationID,
		TaskID:         submitted.ID,
		Role:           message.Role,
		Content:        message.Text(),
		CreatedAt:      message.Timestamp,
	})
	s.appendEvent(ctx, conversationID, userID, message.Text())

	s.wg.Add(1)
	go s.await(conversationID, messageID, submitted.ID)

	return &SendResult{MessageID: messageID, TaskID: submitted.ID}, nil
}

// await 等待任务进入终态，把答复写回会话并清除挂起标记。
func (s *Service) await(conversationID, messageID, taskID string) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), s.waitTimeout)
	defer cancel()

	finished, err := s.tasks.WaitUntilCompleted(ctx, taskID, s.interval)
	reply := protocol.Message{Role: protocol.RoleAgent, Timestamp: time.Now().Unix()}
	actor := "agent"
	switch {
	case err != nil:
		logger.L().Warn("等待任务完成失败",
			"task_id", taskID,
			"conversation_id", conversationID,
			"error", err,
		)
		reply.Parts = []protocol.Part{protocol.NewTextPart("任务处理超时，请稍后查看任务状态。")}
	case finished.Status == task.StatusCompleted && finished.Result != nil:
		reply.Parts = []protocol.Part{protocol.NewTextPart(finished.Result.Reply)}
	case finished.Status == task.StatusCanceled:
		reply.Parts = []protocol.Part{protocol.NewTextPart("任务已取消。")}
	default:
		reply.Parts = []protocol.Part{protocol.NewTextPart("任务处理失败: " + finished.LastError)}
	}
	replyID := uuid.NewString()
	reply.Metadata = map[string]any{
		"conversation_id": conversationID,
		"message_id":      replyID,
		"reply_to":        messageID,
		"task_id":         taskID,
	}

	s.mu.Lock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.Messages = append(conv.Messages, reply)
	}
	ids := s.pending[conversationID]
	for i, id := range ids {
		if id == messageID {
			s.pending[conversationID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.persistMessage(context.Background(), docstore.Message{
		ID:             replyID,
		ConversationID: conversationID,
		TaskID:         taskID,
		ReplyTo:        messageID,
		Role:           reply.Role,
		Content:        reply.Text(),
		CreatedAt:      reply.Timestamp,
	})
	s.appendEvent(context.Background(), conversationID, actor, reply.Text())
}

// historyLimit 是随任务下发的历史消息条数上限。
const historyLimit = 10

// historySnapshot 取会话最近的历史消息，作为任务元数据传给智能体。
func (s *Service) historySnapshot(conversationID string) []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok || len(conv.Messages) == 0 {
		return nil
	}
	messages := conv.Messages
	if len(messages) > historyLimit {
		messages = messages[len(messages)-historyLimit:]
	}
	history := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		text := msg.Text()
		if text == "" {
			continue
		}
		history = append(history, map[string]any{
			"role":    msg.Role,
			"content": text,
		})
	}
	return history
}

// persistConversation 把会话快照写入文档库，失败仅记日志。
func (s *Service) persistConversation(ctx context.Context, conv *Conversation) {
	if s.docs == nil || conv == nil {
		return
	}
	if err := s.docs.SaveConversation(ctx, docstore.Conversation{
		ID:      conv.ID,
		Name:    conv.Name,
		Active:  conv.Active,
		TaskIDs: conv.TaskIDs,
	}); err != nil {
		logger.L().Warn("持久化会话失败",
			"conversation_id", conv.ID,
			"error", err,
		)
	}
}

// persistMessage 把一条消息写入文档库，失败仅记日志。
func (s *Service) persistMessage(ctx context.Context, msg docstore.Message) {
	if s.docs == nil {
		return
	}
	if _, err := s.docs.AppendMessage(ctx, msg); err != nil {
		logger.L().Warn("持久化会话消息失败",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Messages 返回会话内的全部消息。
func (s *Service) Messages(_ context.Context, conversationID string) ([]protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return append([]protocol.Message(nil), conv.Messages...), nil
}

// Pending 返回会话内尚未得到答复的消息 ID。
func (s *Service) Pending(_ context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	return append([]string(nil), s.pending[conversationID]...), nil
}

// Events 返回会话的事件流（按时间正序）。
func (s *Service) Events(ctx context.Context, conversationID string, limit int) ([]docstore.Event, error) {
	return s.docs.ListEvents(ctx, conversationID, limit)
}

// Close 等待所有后台回填协程退出。
func (s *Service) Close() {
	s.wg.Wait()
}

// appendEvent 把一条会话事件写入文档库，失败仅记日志。
func (s *Service) appendEvent(ctx context.Context, conversationID, actor, content string) {
	if s.docs == nil || content == "" {
		return
	}
	if _, err := s.docs.AppendEvent(ctx, docstore.Event{
		ConversationID: conversationID,
		Actor:          actor,
		Content:        content,
	}); err != nil {
		logger.L().Warn("写入会话事件失败",
			"conversation_id", conversationID,
			"error", err,
		)
	}
}
