// Package docstore 负责职业助理领域文档的持久化：
// 用户画像、职位、匹配结果、投递申请、面试报告、触达消息与会话事件。
package docstore

import (
	"context"
	"regexp"

	xerrors "CareerCopilot/internal/errors"
)

// 文档判别字段 _type 的取值。
const (
	TypeProfile         = "profile"
	TypeJob             = "job"
	TypeMatch           = "match"
	TypeApplication     = "application"
	TypeInterviewReport = "interview_report"
	TypeOutreachMessage = "outreach_message"
	TypeConversation    = "conversation"
	TypeMessage         = "message"
	TypeEvent           = "event"
)

// 领域错误码。
const (
	CodeInvalidUserID   xerrors.Code = "DOC_INVALID_USER_ID"
	CodeDocumentMissing xerrors.Code = "DOC_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeInvalidUserID, xerrors.Attributes{
		Message:   "invalid user id",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDocumentMissing, xerrors.Attributes{
		Message:   "document not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

var (
	// ErrInvalidUserID 表示用户 ID 不符合格式要求。
	ErrInvalidUserID = xerrors.New(CodeInvalidUserID, "用户 ID 只允许字母、数字与下划线，且不超过 100 个字符")
	// ErrNotFound 表示文档不存在。
	ErrNotFound = xerrors.New(CodeDocumentMissing, "文档不存在")
)

var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidateUserID 校验用户 ID：仅允许字母、数字、下划线，长度不超过 100。
func ValidateUserID(userID string) error {
	if userID == "" || len(userID) > 100 || !userIDPattern.MatchString(userID) {
		return ErrInvalidUserID
	}
	return nil
}

// Profile 是求职者画像，按用户 ID 幂等更新。
type Profile struct {
	UserID     string   `json:"user_id" bson:"user_id"`
	Headline   string   `json:"headline,omitempty" bson:"headline,omitempty"`
	Summary    string   `json:"summary,omitempty" bson:"summary,omitempty"`
	Skills     []string `json:"skills,omitempty" bson:"skills,omitempty"`
	YearsOfExp int      `json:"years_of_experience,omitempty" bson:"years_of_experience,omitempty"`
	Locations  []string `json:"locations,omitempty" bson:"locations,omitempty"`
	Resume     string   `json:"resume,omitempty" bson:"resume,omitempty"`
	UpdatedAt  int64    `json:"updated_at" bson:"updated_at"`
}

// Job 是一条待匹配的职位。
type Job struct {
	ID          string   `json:"id" bson:"_id"`
	Title       string   `json:"title" bson:"title"`
	Company     string   `json:"company" bson:"company"`
	Location    string   `json:"location,omitempty" bson:"location,omitempty"`
	Description string   `json:"description,omitempty" bson:"description,omitempty"`
	URL         string   `json:"url,omitempty" bson:"url,omitempty"`
	Tags        []string `json:"tags,omitempty" bson:"tags,omitempty"`
	PostedAt    int64    `json:"posted_at,omitempty" bson:"posted_at,omitempty"`
}

// Match 是匹配智能体输出的画像与职位匹配结果。
type Match struct {
	ID        string   `json:"id" bson:"_id"`
	UserID    string   `json:"user_id" bson:"user_id"`
	JobID     string   `json:"job_id" bson:"job_id"`
	TaskID    string   `json:"task_id,omitempty" bson:"task_id,omitempty"`
	Score     float64  `json:"score" bson:"score"`
	Reasons   []string `json:"reasons,omitempty" bson:"reasons,omitempty"`
	CreatedAt int64    `json:"created_at" bson:"created_at"`
}

// Application 是裁剪智能体产出的投递材料。
type Application struct {
	ID          string `json:"id" bson:"_id"`
	UserID      string `json:"user_id" bson:"user_id"`
	JobID       string `json:"job_id,omitempty" bson:"job_id,omitempty"`
	TaskID      string `json:"task_id,omitempty" bson:"task_id,omitempty"`
	Resume      string `json:"resume,omitempty" bson:"resume,omitempty"`
	CoverLetter string `json:"cover_letter,omitempty" bson:"cover_letter,omitempty"`
	Status      string `json:"status,omitempty" bson:"status,omitempty"`
	CreatedAt   int64  `json:"created_at" bson:"created_at"`
}

// InterviewReport 是模拟面试的评估报告。
type InterviewReport struct {
	ID        string   `json:"id" bson:"_id"`
	UserID    string   `json:"user_id" bson:"user_id"`
	TaskID    string   `json:"task_id,omitempty" bson:"task_id,omitempty"`
	Role      string   `json:"role,omitempty" bson:"role,omitempty"`
	Questions []string `json:"questions,omitempty" bson:"questions,omitempty"`
	Feedback  string   `json:"feedback,omitempty" bson:"feedback,omitempty"`
	Score     float64  `json:"score,omitempty" bson:"score,omitempty"`
	CreatedAt int64    `json:"created_at" bson:"created_at"`
}

// OutreachMessage 是触达智能体起草的站内信或邮件。
type OutreachMessage struct {
	ID        string `json:"id" bson:"_id"`
	UserID    string `json:"user_id" bson:"user_id"`
	TaskID    string `json:"task_id,omitempty" bson:"task_id,omitempty"`
	Recipient string `json:"recipient,omitempty" bson:"recipient,omitempty"`
	Channel   string `json:"channel,omitempty" bson:"channel,omitempty"`
	Subject   string `json:"subject,omitempty" bson:"subject,omitempty"`
	Body      string `json:"body" bson:"body"`
	CreatedAt int64  `json:"created_at" bson:"created_at"`
}

// Conversation 是会话的持久化记录，消息单独按条保存。
type Conversation struct {
	ID        string   `json:"id" bson:"_id"`
	Name      string   `json:"name" bson:"name"`
	Active    bool     `json:"active" bson:"active"`
	TaskIDs   []string `json:"task_ids,omitempty" bson:"task_ids,omitempty"`
	CreatedAt int64    `json:"created_at" bson:"created_at"`
	UpdatedAt int64    `json:"updated_at" bson:"updated_at"`
}

// Message 是会话内的一条消息记录。ReplyTo 指向被答复的消息 ID。
type Message struct {
	ID             string `json:"id" bson:"_id"`
	ConversationID string `json:"conversation_id" bson:"conversation_id"`
	TaskID         string `json:"task_id,omitempty" bson:"task_id,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty" bson:"reply_to,omitempty"`
	Role           string `json:"role" bson:"role"`
	Content        string `json:"content" bson:"content"`
	CreatedAt      int64  `json:"created_at" bson:"created_at"`
}

// Event 是会话维度的审计事件。
type Event struct {
	ID             string `json:"id" bson:"_id"`
	ConversationID string `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	Actor          string `json:"actor" bson:"actor"`
	Content        string `json:"content" bson:"content"`
	CreatedAt      int64  `json:"created_at" bson:"created_at"`
}

// Store 定义领域文档的读写能力。
type Store interface {
	// SaveProfile 以用户 ID 为键幂等更新画像。
	SaveProfile(ctx context.Context, profile Profile) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// SaveJobs 批量写入职位，返回写入条数。
	SaveJobs(ctx context.Context, jobs []Job) (int, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)

	SaveMatches(ctx context.Context, matches []Match) (int, error)
	ListMatches(ctx context.Context, userID string, limit int) ([]Match, error)

	SaveApplication(ctx context.Context, app Application) (string, error)
	ListApplications(ctx context.Context, userID string, limit int) ([]Application, error)

	SaveInterviewReport(ctx context.Context, report InterviewReport) (string, error)
	ListInterviewReports(ctx context.Context, userID string, limit int) ([]InterviewReport, error)

	SaveOutreachMessage(ctx context.Context, msg OutreachMessage) (string, error)
	ListOutreachMessages(ctx context.Context, userID string, limit int) ([]OutreachMessage, error)

	// SaveConversation 以会话 ID 为键幂等更新会话记录。
	SaveConversation(ctx context.Context, conv Conversation) error
	// ListConversations 按创建顺序返回会话记录。
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)

	AppendMessage(ctx context.Context, msg Message) (string, error)
	// ListMessages 按时间正序返回指定会话的消息。
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	AppendEvent(ctx context.Context, event Event) (string, error)
	ListEvents(ctx context.Context, conversationID string, limit int) ([]Event, error)

	Close(ctx context.Context) error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
