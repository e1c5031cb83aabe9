package api

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"

	"CareerCopilot/internal/auth"
	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/internal/protocol"
	"CareerCopilot/internal/task"
)

// handleRPC 是 /a2a 的 JSON-RPC 2.0 入口。
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPC(w, "", protocol.NewErrorResponse(nil, protocol.NewError(protocol.CodeParseError, "", nil)))
		return
	}
	if req.JSONRPC != protocol.Version || req.Method == "" {
		s.writeRPC(w, req.Method, protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInvalidRequest, "", nil)))
		return
	}

	switch req.Method {
	case protocol.MethodTaskSend:
		s.writeRPC(w, req.Method, s.rpcTaskSend(r, req))
	case protocol.MethodTaskGet:
		s.writeRPC(w, req.Method, s.rpcTaskGet(r, req))
	case protocol.MethodTaskCancel:
		s.writeRPC(w, req.Method, s.rpcTaskCancel(r, req))
	case protocol.MethodTaskPushNotificationSet:
		s.writeRPC(w, req.Method, s.rpcPushNotificationSet(r, req))
	case protocol.MethodTaskPushNotificationGet:
		s.writeRPC(w, req.Method, s.rpcPushNotificationGet(r, req))
	case protocol.MethodTaskSendSubscribe, protocol.MethodTaskResubscribe:
		s.rpcStream(w, r, req)
	default:
		s.writeRPC(w, req.Method, protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeMethodNotFound, "", nil)))
	}
}

// writeRPC 输出单条 JSON-RPC 响应并记录指标。
func (s *Server) writeRPC(w http.ResponseWriter, method string, resp protocol.Response) {
	outcome := "ok"
	if resp.Error != nil {
		outcome = fmt.Sprintf("error_%d", resp.Error.Code)
	}
	if method != "" {
		s.collector.ObserveRPC(method, outcome)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) rpcTaskSend(r *http.Request, req protocol.Request) protocol.Response {
	var params protocol.TaskSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInvalidParams, "", nil))
	}
	created, err := s.tasks.Submit(r.Context(), params, requestUser(r))
	if err != nil {
		return protocol.NewErrorResponse(req.ID, toRPCError(err))
	}
	s.collector.TaskSubmitted(created.Skill)
	return protocol.NewResponse(req.ID, created.Snapshot())
}

func (s *Server) rpcTaskGet(r *http.Request, req protocol.Request) protocol.Response {
	var params protocol.TaskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInvalidParams, "", nil))
	}
	found, err := s.tasks.Get(r.Context(), params.ID)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, toRPCError(err))
	}
	return protocol.NewResponse(req.ID, found.Snapshot())
}

func (s *Server) rpcTaskCancel(r *http.Request, req protocol.Request) protocol.Response {
	var params protocol.TaskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInvalidParams, "", nil))
	}
	canceled, err := s.tasks.Cancel(r.Context(), params.ID, "canceled by client")
	if err != nil {
		return protocol.NewErrorResponse(req.ID, toRPCError(err))
	}
	return protocol.NewResponse(req.ID, canceled.Snapshot())
}

func (s *Server) rpcPushNotificationSet(r *http.Request, req protocol.Request) protocol.Response {
	var params protocol.TaskPushNotificationConfig
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInvalidParams, "", nil))
	}
	if err := s.tasks.SetPushNotification(r.Context(), params.ID, params.Config); err != nil {
		return protocol.NewErrorResponse(req.ID, toRPCError(err))
	}
	return protocol.NewResponse(req.ID, params)
}

func (s *Server) rpcPushNotificationGet(r *http.Request, req protocol.Request) protocol.Response {
	var params protocol.TaskQueryParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInvalidParams, "", nil))
	}
	cfg, err := s.tasks.GetPushNotification(r.Context(), params.ID)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, toRPCError(err))
	}
	return protocol.NewResponse(req.ID, protocol.TaskPushNotificationConfig{ID: params.ID, Config: cfg})
}

// rpcStream 处理 task/sendSubscribe 与 task/resubscribe，按 SSE 推送事件帧。
func (s *Server) rpcStream(w http.ResponseWriter, r *http.Request, req protocol.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeRPC(w, req.Method, protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInternalError, "streaming unsupported", nil)))
		return
	}

	var taskID string
	switch req.Method {
	case protocol.MethodTaskSendSubscribe:
		var params protocol.TaskSendParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeRPC(w, req.Method, protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInvalidParams, "", nil)))
			return
		}
		created, err := s.tasks.Submit(r.Context(), params, requestUser(r))
		if err != nil {
			s.writeRPC(w, req.Method, protocol.NewErrorResponse(req.ID, toRPCError(err)))
			return
		}
		s.collector.TaskSubmitted(created.Skill)
		taskID = created.ID
	case protocol.MethodTaskResubscribe:
		var params protocol.TaskQueryParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
			s.writeRPC(w, req.Method, protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInvalidParams, "", nil)))
			return
		}
		if _, err := s.tasks.Get(r.Context(), params.ID); err != nil {
			s.writeRPC(w, req.Method, protocol.NewErrorResponse(req.ID, toRPCError(err)))
			return
		}
		taskID = params.ID
	}
	s.collector.ObserveRPC(req.Method, "stream")

	events, cancel := s.tasks.Subscribe(taskID, true)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// 代理里没有历史时（例如服务重启后的重订阅），用存储快照合成一帧终态事件。
	if req.Method == protocol.MethodTaskResubscribe && len(s.tasks.Broker().History(taskID)) == 0 {
		if snapshot, err := s.tasks.Get(r.Context(), taskID); err == nil {
			final := snapshot.Snapshot()
			if final.Status.State.Final() {
				s.writeSSE(w, flusher, req.ID, protocol.TaskStatusUpdateEvent{
					ID:     taskID,
					Status: final.Status,
					Final:  true,
				})
				return
			}
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			var payload any
			switch {
			case evt.StatusUpdate != nil:
				payload = evt.StatusUpdate
			case evt.ArtifactUpdate != nil:
				payload = evt.ArtifactUpdate
			default:
				continue
			}
			s.writeSSE(w, flusher, req.ID, payload)
			if evt.Final() {
				return
			}
		}
	}
}

// writeSSE 输出一帧 data: 包裹的 JSON-RPC 响应。
func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, id any, payload any) {
	data, err := json.Marshal(protocol.NewResponse(id, payload))
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// requestUser 返回请求主体的用户名，未认证时记为匿名。
func requestUser(r *http.Request) string {
	if username, ok := auth.UsernameFromContext(r.Context()); ok {
		return username
	}
	return "anonymous"
}

// toRPCError 把领域错误映射为 JSON-RPC 错误对象。
func toRPCError(err error) *protocol.Error {
	switch {
	case stdErrors.Is(err, task.ErrTaskNotFound):
		return protocol.NewError(protocol.CodeTaskNotFound, "", nil)
	case stdErrors.Is(err, task.ErrTaskCompleted), stdErrors.Is(err, task.ErrTaskCanceled),
		stdErrors.Is(err, task.ErrTaskConflict):
		return protocol.NewError(protocol.CodeTaskNotCancelable, "", nil)
	case stdErrors.Is(err, task.ErrIncompatibleContent):
		return protocol.NewError(protocol.CodeIncompatibleTypes, "", nil)
	case xerrors.CodeOf(err) == task.CodeTaskValidation:
		return protocol.NewError(protocol.CodeInvalidParams, err.Error(), nil)
	default:
		return protocol.NewError(protocol.CodeInternalError, "", map[string]any{"code": string(xerrors.CodeOf(err))})
	}
}
