package protocol

import "strings"

// TaskState 表示任务在对外协议中的生命周期状态。
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// Final 判断状态是否为终态。
func (s TaskState) Final() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	default:
		return false
	}
}

// 内容分片类型。
const (
	PartTypeText = "text"
	PartTypeData = "data"
	PartTypeFile = "file"
)

// Part 是消息与工件的最小内容单元，按 type 字段区分文本、结构化数据与文件引用。
type Part struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	FileURI  string         `json:"file_uri,omitempty"`
	FileName string         `json:"file_name,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
}

// NewTextPart 构造文本分片。
func NewTextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// NewDataPart 构造结构化数据分片。
func NewDataPart(data map[string]any) Part {
	return Part{Type: PartTypeData, Data: data}
}

// NewFilePart 构造文件引用分片。
func NewFilePart(uri, name, mimeType string) Part {
	return Part{Type: PartTypeFile, FileURI: uri, FileName: name, MimeType: mimeType}
}

// Message 表示会话中的一条消息。
type Message struct {
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// Text 拼接消息中的全部文本分片。
func (m Message) Text() string {
	var builder strings.Builder
	for _, part := range m.Parts {
		if part.Type != PartTypeText || part.Text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(part.Text)
	}
	return builder.String()
}

// 消息角色。
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// UserMessage 构造一条用户文本消息。
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{NewTextPart(text)}}
}

// AgentMessage 构造一条智能体文本消息。
func AgentMessage(text string) Message {
	return Message{Role: RoleAgent, Parts: []Part{NewTextPart(text)}}
}

// TaskStatus 描述任务当前的状态快照。
type TaskStatus struct {
	State    TaskState `json:"state"`
	Message  *Message  `json:"message,omitempty"`
	Progress float64   `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Artifact 是任务产出的一段内容。Index 标识工件槽位，Append 表示增量追加。
type Artifact struct {
	Parts    []Part         `json:"parts"`
	Index    int            `json:"index"`
	Append   bool           `json:"append,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Task 是对外协议中的任务快照。
type Task struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id,omitempty"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	CreatedAt int64      `json:"created_at,omitempty"`
	UpdatedAt int64      `json:"updated_at,omitempty"`
}

// TaskSendParams 是 task/send 与 task/sendSubscribe 的参数。
type TaskSendParams struct {
	ID                  string         `json:"id,omitempty"`
	SessionID           string         `json:"sessionId,omitempty"`
	Message             Message        `json:"message"`
	AcceptedOutputModes []string       `json:"acceptedOutputModes,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// TaskQueryParams 是 task/get、task/cancel 与 task/resubscribe 的参数。
type TaskQueryParams struct {
	ID string `json:"id"`
}

// PushNotificationConfig 描述任务完成时的回调地址。当前仅存储，不主动推送。
type PushNotificationConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// TaskPushNotificationConfig 是 task/pushNotification/set 与 get 的参数和结果。
type TaskPushNotificationConfig struct {
	ID     string                 `json:"id"`
	Config PushNotificationConfig `json:"pushNotificationConfig"`
}

// TaskStatusUpdateEvent 是流式通道中的状态更新帧。Final 为 true 时流结束。
type TaskStatusUpdateEvent struct {
	ID     string     `json:"id"`
	Status TaskStatus `json:"status"`
	Final  bool       `json:"final"`
}

// TaskArtifactUpdateEvent 是流式通道中的工件更新帧。
type TaskArtifactUpdateEvent struct {
	ID       string   `json:"id"`
	Artifact Artifact `json:"artifact"`
}

// AgentCapabilities 声明智能体支持的协议能力。
type AgentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"push_notifications"`
}

// AgentSkill 描述智能体对外提供的一项技能。
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// AgentCard 是 /.well-known/agent.json 暴露的智能体名片。
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url,omitempty"`
	Version            string            `json:"version"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	DefaultInputModes  []string          `json:"default_input_modes,omitempty"`
	DefaultOutputModes []string          `json:"default_output_modes,omitempty"`
	Skills             []AgentSkill      `json:"skills,omitempty"`
}

// SupportedContentTypes 是默认支持的输出内容类型。
var SupportedContentTypes = []string{"text", "text/plain", "data", "application/json"}

// CompatibleContentTypes 判断请求方可接受的输出类型与智能体是否兼容。
// 空列表表示接受任意类型。
func CompatibleContentTypes(accepted, supported []string) bool {
	if len(accepted) == 0 {
		return true
	}
	if len(supported) == 0 {
		supported = SupportedContentTypes
	}
	for _, want := range accepted {
		for _, have := range supported {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have)) {
				return true
			}
		}
	}
	return false
}
