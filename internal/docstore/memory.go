package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "CareerCopilot/internal/errors"
)

// MemoryStore 以内存方式保存领域文档，主要用于测试与开发环境。
type MemoryStore struct {
	mu            sync.RWMutex
	profiles      map[string]Profile
	jobs          []Job
	matches       []Match
	applications  []Application
	reports       []InterviewReport
	outreach      []OutreachMessage
	conversations map[string]Conversation
	convOrder     []string
	messages      []Message
	events        []Event
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:      make(map[string]Profile),
		conversations: make(map[string]Conversation),
	}
}

// SaveProfile 实现 Store 接口。
func (m *MemoryStore) SaveProfile(_ context.Context, profile Profile) error {
	if err := ValidateUserID(profile.UserID); err != nil {
		return err
	}
	profile.UpdatedAt = time.Now().Unix()
	m.mu.Lock()
	m.profiles[profile.UserID] = profile
	m.mu.Unlock()
	return nil
}

// GetProfile 返回指定用户的画像。
func (m *MemoryStore) GetProfile(_ context.Context, userID string) (*Profile, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := profile
	return &copied, nil
}

// SaveJobs 批量写入职位。
func (m *MemoryStore) SaveJobs(_ context.Context, jobs []Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		m.jobs = append(m.jobs, job)
	}
	return len(jobs), nil
}

// ListJobs 返回最新写入的职位。
func (m *MemoryStore) ListJobs(_ context.Context, limit int) ([]Job, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lastN(m.jobs, limit), nil
}

// SaveMatches 批量写入匹配结果。
func (m *MemoryStore) SaveMatches(_ context.Context, matches []Match) (int, error) {
	if len(matches) == 0 {
		return 0, nil
	}
	now := time.Now().Unix()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, match := range matches {
		if match.ID == "" {
			match.ID = uuid.NewString()
		}
		if match.CreatedAt == 0 {
			match.CreatedAt = now
		}
		m.matches = append(m.matches, match)
	}
	return len(matches), nil
}

// ListMatches 返回指定用户的匹配结果。
func (m *MemoryStore) ListMatches(_ context.Context, userID string, limit int) ([]Match, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Match
	for _, match := range m.matches {
		if userID == "" || match.UserID == userID {
			out = append(out, match)
		}
	}
	return lastN(out, limit), nil
}

// SaveApplication 写入一份投递材料。
func (m *MemoryStore) SaveApplication(_ context.Context, app Application) (string, error) {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.CreatedAt == 0 {
		app.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	m.applications = append(m.applications, app)
	m.mu.Unlock()
	return app.ID, nil
}

// ListApplications 返回指定用户的投递材料。
func (m *MemoryStore) ListApplications(_ context.Context, userID string, limit int) ([]Application, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Application
	for _, app := range m.applications {
		if userID == "" || app.UserID == userID {
			out = append(out, app)
		}
	}
	return lastN(out, limit), nil
}

// SaveInterviewReport 写入一份面试报告。
func (m *MemoryStore) SaveInterviewReport(_ context.Context, report InterviewReport) (string, error) {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt == 0 {
		report.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	m.reports = append(m.reports, report)
	m.mu.Unlock()
	return report.ID, nil
}

// ListInterviewReports 返回指定用户的面试报告。
func (m *MemoryStore) ListInterviewReports(_ context.Context, userID string, limit int) ([]InterviewReport, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []InterviewReport
	for _, report := range m.reports {
		if userID == "" || report.UserID == userID {
			out = append(out, report)
		}
	}
	return lastN(out, limit), nil
}

// SaveOutreachMessage 写入一条触达消息。
func (m *MemoryStore) SaveOutreachMessage(_ context.Context, msg OutreachMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	m.outreach = append(m.outreach, msg)
	m.mu.Unlock()
	return msg.ID, nil
}

// ListOutreachMessages 返回指定用户的触达消息。
func (m *MemoryStore) ListOutreachMessages(_ context.Context, userID string, limit int) ([]OutreachMessage, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []OutreachMessage
	for _, msg := range m.outreach {
		if userID == "" || msg.UserID == userID {
			out = append(out, msg)
		}
	}
	return lastN(out, limit), nil
}

// SaveConversation 以会话 ID 为键幂等更新。
func (m *MemoryStore) SaveConversation(_ context.Context, conv Conversation) error {
	if conv.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	now := time.Now().Unix()
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conversations[conv.ID]; ok {
		if conv.CreatedAt == 0 {
			conv.CreatedAt = existing.CreatedAt
		}
	} else {
		if conv.CreatedAt == 0 {
			conv.CreatedAt = now
		}
		m.convOrder = append(m.convOrder, conv.ID)
	}
	conv.UpdatedAt = now
	m.conversations[conv.ID] = conv
	return nil
}

// ListConversations 按创建顺序返回会话记录。
func (m *MemoryStore) ListConversations(_ context.Context, limit int) ([]Conversation, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Conversation, 0, len(m.convOrder))
	for _, id := range m.convOrder {
		if conv, ok := m.conversations[id]; ok {
			out = append(out, conv)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendMessage 追加一条会话消息。
func (m *MemoryStore) AppendMessage(_ context.Context, msg Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	return msg.ID, nil
}

// ListMessages 按写入顺序返回指定会话的消息。
func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.messages {
		if conversationID == "" || msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return lastN(out, limit), nil
}

// AppendEvent 追加一条会话事件。
func (m *MemoryStore) AppendEvent(_ context.Context, event Event) (string, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return event.ID, nil
}

// ListEvents 返回指定会话的事件，按写入顺序。
func (m *MemoryStore) ListEvents(_ context.Context, conversationID string, limit int) ([]Event, error) {
	limit = normalizeLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, event := range m.events {
		if conversationID == "" || event.ConversationID == conversationID {
			out = append(out, event)
		}
	}
	return lastN(out, limit), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close(context.Context) error {
	return nil
}

func lastN[T any](items []T, limit int) []T {
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}

var _ Store = (*MemoryStore)(nil)
