package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"net/http"

	"CareerCopilot/internal/auth"
	"CareerCopilot/internal/conversation"
	"CareerCopilot/internal/docstore"
	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/internal/protocol"
	"CareerCopilot/internal/task"
)

// envelope 是 UI 服务接口的统一响应信封。
type envelope struct {
	Result any       `json:"result,omitempty"`
	Error  *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope{Result: result})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &apiError{
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
	}})
}

// decode 解析 JSON 请求体，空体按空对象处理。
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || stdErrors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	conv, err := s.conversations.Create(r.Context(), body.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeResult(w, conv)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.conversations.List(r.Context()))
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string           `json:"conversation_id"`
		Message        protocol.Message `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	sent, err := s.conversations.SendMessage(r.Context(), body.ConversationID, requestUser(r), body.Message)
	if err != nil {
		writeError(w, uiStatus(err), err)
		return
	}
	writeResult(w, sent)
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	messages, err := s.conversations.Messages(r.Context(), body.ConversationID)
	if err != nil {
		writeError(w, uiStatus(err), err)
		return
	}
	writeResult(w, messages)
}

func (s *Server) handleMessagePending(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	pending, err := s.conversations.Pending(r.Context(), body.ConversationID)
	if err != nil {
		writeError(w, uiStatus(err), err)
		return
	}
	writeResult(w, pending)
}

func (s *Server) handleEventsGet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversation_id"`
		Limit          int    `json:"limit"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	events, err := s.conversations.Events(r.Context(), body.ConversationID, body.Limit)
	if err != nil {
		writeError(w, uiStatus(err), err)
		return
	}
	writeResult(w, events)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit     int      `json:"limit"`
		Offset    int      `json:"offset"`
		Statuses  []string `json:"statuses"`
		SessionID string   `json:"session_id"`
		Skill     string   `json:"skill"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if body.Limit <= 0 {
		body.Limit = 20
	}
	opts := []task.ListOption{task.WithLimit(body.Limit), task.WithOffset(body.Offset)}
	if len(body.Statuses) > 0 {
		statuses := make([]task.Status, 0, len(body.Statuses))
		for _, status := range body.Statuses {
			statuses = append(statuses, task.Status(status))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if body.SessionID != "" {
		opts = append(opts, task.WithSession(body.SessionID))
	}
	if body.Skill != "" {
		opts = append(opts, task.WithSkill(body.Skill))
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeResult(w, tasks)
}

// handleProfileSave 写入或更新求职者画像。缺省 user_id 时落到当前登录用户。
func (s *Server) handleProfileSave(w http.ResponseWriter, r *http.Request) {
	var profile docstore.Profile
	if err := decode(r, &profile); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if profile.UserID == "" {
		profile.UserID = requestUser(r)
	}
	if err := s.docs.SaveProfile(r.Context(), profile); err != nil {
		writeError(w, uiStatus(err), err)
		return
	}
	writeResult(w, map[string]string{"user_id": profile.UserID})
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if body.UserID == "" {
		body.UserID = requestUser(r)
	}
	profile, err := s.docs.GetProfile(r.Context(), body.UserID)
	if err != nil {
		writeError(w, uiStatus(err), err)
		return
	}
	writeResult(w, profile)
}

// handleJobIngest 批量写入职位，供抓取或运营侧投喂职位库。
func (s *Server) handleJobIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Jobs []docstore.Job `json:"jobs"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if len(body.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "职位列表不能为空"))
		return
	}
	for _, job := range body.Jobs {
		if job.Title == "" {
			writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "职位标题不能为空"))
			return
		}
	}
	count, err := s.docs.SaveJobs(r.Context(), body.Jobs)
	if err != nil {
		writeError(w, uiStatus(err), err)
		return
	}
	writeResult(w, map[string]int{"ingested": count})
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	jobs, err := s.docs.ListJobs(r.Context(), body.Limit)
	if err != nil {
		writeError(w, uiStatus(err), err)
		return
	}
	writeResult(w, jobs)
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decode(r, &body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "缺少智能体地址"))
		return
	}
	info, err := s.registry.RegisterRemote(r.Context(), body.URL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeResult(w, info)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.registry.List())
}

// handleAuthToken 是令牌签发端点，不走认证中间件。
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case stdErrors.Is(err, auth.ErrDisabled):
			status = http.StatusNotFound
		case stdErrors.Is(err, auth.ErrUnsupportedGrant):
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pair)
}

// uiStatus 把领域错误映射为 HTTP 状态码。
func uiStatus(err error) int {
	switch {
	case stdErrors.Is(err, conversation.ErrConversationNotFound),
		stdErrors.Is(err, task.ErrTaskNotFound),
		stdErrors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound
	case stdErrors.Is(err, docstore.ErrInvalidUserID),
		xerrors.CodeOf(err) == task.CodeTaskValidation,
		xerrors.CodeOf(err) == xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
