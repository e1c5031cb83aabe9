package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CareerCopilot/internal/agent"
	"CareerCopilot/internal/auth"
	"CareerCopilot/internal/conversation"
	"CareerCopilot/internal/docstore"
	"CareerCopilot/internal/observability/metrics"
	"CareerCopilot/internal/protocol"
	"CareerCopilot/internal/task"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, req agent.Request, emit agent.Emitter) (*agent.Result, error) {
	emit.Emit(agent.Update{Progress: 0.5, StatusText: "处理中"})
	return &agent.Result{
		Reply:     "答复: " + req.Goal(),
		Artifacts: []protocol.Artifact{{Parts: []protocol.Part{protocol.NewTextPart("产物")}}},
	}, nil
}

type testEnv struct {
	server *httptest.Server
	tasks  *task.Service
	store  *task.MemoryStore
	docs   *docstore.MemoryStore
}

func newTestEnv(t *testing.T, cfg Config, authSvc *auth.Service) *testEnv {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	broker := task.NewBroker(8)
	tasks := task.NewService(store, queue, broker, 3)
	processor := task.NewProcessor(echoExecutor{}, store, queue, queue, broker)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = processor.Start(ctx) }()

	docs := docstore.NewMemoryStore()
	conversations := conversation.NewService(docs, tasks,
		conversation.WithPollInterval(10*time.Millisecond))

	if authSvc == nil {
		var err error
		authSvc, err = auth.NewService(ctx, auth.Config{Mode: auth.ModeDisabled}, nil)
		if err != nil {
			t.Fatalf("new auth service: %v", err)
		}
	}

	server := NewServer(cfg, Deps{
		Tasks:         tasks,
		Conversations: conversations,
		Registry:      agent.NewRegistry(),
		Docs:          docs,
		Card:          protocol.AgentCard{Name: "career-copilot", Version: "test"},
		Auth:          authSvc,
		Metrics:       metrics.NewCollector("careerd_test"),
	})

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testEnv{server: srv, tasks: tasks, store: store, docs: docs}
}

func (e *testEnv) rpc(t *testing.T, req protocol.Request) protocol.Response {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(e.server.URL+"/a2a", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post /a2a: %v", err)
	}
	defer resp.Body.Close()
	var decoded protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return decoded
}

func (e *testEnv) ui(t *testing.T, path string, body any, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		var env struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		if len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				t.Fatalf("unmarshal result %s: %v", path, err)
			}
		}
	}
	return resp
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func TestRPCTaskSendAndGet(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	send := env.rpc(t, protocol.Request{
		JSONRPC: protocol.Version,
		ID:      1,
		Method:  protocol.MethodTaskSend,
		Params: rawParams(t, protocol.TaskSendParams{
			Message: protocol.UserMessage("帮我匹配职位"),
		}),
	})
	if send.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", send.Error)
	}
	var created protocol.Task
	data, _ := json.Marshal(send.Result)
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated task id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		get := env.rpc(t, protocol.Request{
			JSONRPC: protocol.Version,
			ID:      2,
			Method:  protocol.MethodTaskGet,
			Params:  rawParams(t, protocol.TaskQueryParams{ID: created.ID}),
		})
		if get.Error != nil {
			t.Fatalf("task/get error: %+v", get.Error)
		}
		var snapshot protocol.Task
		data, _ := json.Marshal(get.Result)
		_ = json.Unmarshal(data, &snapshot)
		if snapshot.Status.State == protocol.TaskStateCompleted {
			if len(snapshot.Artifacts) == 0 {
				t.Fatal("expected artifacts on completed task")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, state %s", snapshot.Status.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRPCErrorMapping(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	resp := env.rpc(t, protocol.Request{JSONRPC: protocol.Version, ID: 1, Method: "task/unknown"})
	if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}

	resp = env.rpc(t, protocol.Request{
		JSONRPC: protocol.Version,
		ID:      2,
		Method:  protocol.MethodTaskGet,
		Params:  rawParams(t, protocol.TaskQueryParams{ID: "missing"}),
	})
	if resp.Error == nil || resp.Error.Code != protocol.CodeTaskNotFound {
		t.Fatalf("expected task not found, got %+v", resp.Error)
	}

	resp = env.rpc(t, protocol.Request{JSONRPC: "1.0", ID: 3, Method: protocol.MethodTaskGet})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp.Error)
	}

	// 不兼容的输出模式。
	resp = env.rpc(t, protocol.Request{
		JSONRPC: protocol.Version,
		ID:      4,
		Method:  protocol.MethodTaskSend,
		Params: rawParams(t, protocol.TaskSendParams{
			Message:             protocol.UserMessage("hi"),
			AcceptedOutputModes: []string{"video/mp4"},
		}),
	})
	if resp.Error == nil || resp.Error.Code != protocol.CodeIncompatibleTypes {
		t.Fatalf("expected incompatible types, got %+v", resp.Error)
	}

	raw, err := http.Post(env.server.URL+"/a2a", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer raw.Body.Close()
	var parseResp protocol.Response
	if err := json.NewDecoder(raw.Body).Decode(&parseResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if parseResp.Error == nil || parseResp.Error.Code != protocol.CodeParseError {
		t.Fatalf("expected parse error, got %+v", parseResp.Error)
	}
}

func TestRPCCancelFailedTask(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	// 重试耗尽后进入 failed 终态的任务不可取消。
	if err := env.store.Create(context.Background(), &task.Task{
		ID:      "failed-1",
		Message: protocol.UserMessage("帮我匹配职位"),
		Status:  task.StatusFailed,
	}); err != nil {
		t.Fatalf("seed failed task: %v", err)
	}

	resp := env.rpc(t, protocol.Request{
		JSONRPC: protocol.Version,
		ID:      1,
		Method:  protocol.MethodTaskCancel,
		Params:  rawParams(t, protocol.TaskQueryParams{ID: "failed-1"}),
	})
	if resp.Error == nil || resp.Error.Code != protocol.CodeTaskNotCancelable {
		t.Fatalf("expected task not cancelable, got %+v", resp.Error)
	}
}

func TestUIProfileAndJobEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	var saved map[string]string
	env.ui(t, "/profile/save", docstore.Profile{
		UserID:   "alice",
		Headline: "后端工程师",
		Skills:   []string{"Go", "Kubernetes"},
	}, &saved)
	if saved["user_id"] != "alice" {
		t.Fatalf("unexpected save result: %v", saved)
	}

	var profile docstore.Profile
	env.ui(t, "/profile/get", map[string]string{"user_id": "alice"}, &profile)
	if profile.Headline != "后端工程师" || len(profile.Skills) != 2 {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	// 非法用户 ID 返回 400。
	resp := env.ui(t, "/profile/save", docstore.Profile{UserID: "bad id!"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid user id, got %d", resp.StatusCode)
	}
	// 不存在的画像返回 404。
	resp = env.ui(t, "/profile/get", map[string]string{"user_id": "nobody"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing profile, got %d", resp.StatusCode)
	}

	var ingested map[string]int
	env.ui(t, "/job/ingest", map[string]any{
		"jobs": []docstore.Job{
			{Title: "Go 开发工程师", Company: "Acme"},
			{Title: "平台工程师", Company: "Initech"},
		},
	}, &ingested)
	if ingested["ingested"] != 2 {
		t.Fatalf("expected 2 ingested jobs, got %v", ingested)
	}

	var jobs []docstore.Job
	env.ui(t, "/job/list", map[string]int{"limit": 10}, &jobs)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID == "" {
		t.Fatal("expected generated job id")
	}

	// 空职位列表返回 400。
	resp = env.ui(t, "/job/ingest", map[string]any{"jobs": []docstore.Job{}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty jobs, got %d", resp.StatusCode)
	}
}

func TestRPCPushNotificationConfig(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	send := env.rpc(t, protocol.Request{
		JSONRPC: protocol.Version,
		ID:      1,
		Method:  protocol.MethodTaskSend,
		Params:  rawParams(t, protocol.TaskSendParams{Message: protocol.UserMessage("帮我定制简历")}),
	})
	if send.Error != nil {
		t.Fatalf("task/send error: %+v", send.Error)
	}
	var created protocol.Task
	data, _ := json.Marshal(send.Result)
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	set := env.rpc(t, protocol.Request{
		JSONRPC: protocol.Version,
		ID:      2,
		Method:  protocol.MethodTaskPushNotificationSet,
		Params: rawParams(t, protocol.TaskPushNotificationConfig{
			ID:     created.ID,
			Config: protocol.PushNotificationConfig{URL: "https://hooks.example.com/tasks", Token: "secret"},
		}),
	})
	if set.Error != nil {
		t.Fatalf("pushNotification/set error: %+v", set.Error)
	}

	get := env.rpc(t, protocol.Request{
		JSONRPC: protocol.Version,
		ID:      3,
		Method:  protocol.MethodTaskPushNotificationGet,
		Params:  rawParams(t, protocol.TaskQueryParams{ID: created.ID}),
	})
	if get.Error != nil {
		t.Fatalf("pushNotification/get error: %+v", get.Error)
	}
	var stored protocol.TaskPushNotificationConfig
	data, _ = json.Marshal(get.Result)
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if stored.Config.URL != "https://hooks.example.com/tasks" || stored.Config.Token != "secret" {
		t.Fatalf("unexpected stored config: %+v", stored)
	}

	// 不存在的任务映射到 -32001。
	missing := env.rpc(t, protocol.Request{
		JSONRPC: protocol.Version,
		ID:      4,
		Method:  protocol.MethodTaskPushNotificationSet,
		Params: rawParams(t, protocol.TaskPushNotificationConfig{
			ID:     "missing",
			Config: protocol.PushNotificationConfig{URL: "https://hooks.example.com/tasks"},
		}),
	})
	if missing.Error == nil || missing.Error.Code != protocol.CodeTaskNotFound {
		t.Fatalf("expected task not found, got %+v", missing.Error)
	}

	// 缺少回调地址映射到 -32602。
	invalid := env.rpc(t, protocol.Request{
		JSONRPC: protocol.Version,
		ID:      5,
		Method:  protocol.MethodTaskPushNotificationSet,
		Params:  rawParams(t, protocol.TaskPushNotificationConfig{ID: created.ID}),
	})
	if invalid.Error == nil || invalid.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", invalid.Error)
	}
}

func TestRPCSendSubscribeStreams(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	req := protocol.Request{
		JSONRPC: protocol.Version,
		ID:      "stream-1",
		Method:  protocol.MethodTaskSendSubscribe,
		Params: rawParams(t, protocol.TaskSendParams{
			Message: protocol.UserMessage("帮我准备面试"),
		}),
	}
	body, _ := json.Marshal(req)
	resp, err := http.Post(env.server.URL+"/a2a", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %s", ct)
	}

	var sawWorking, sawArtifact, sawFinal bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame struct {
			ID     any `json:"id"`
			Result struct {
				Status   *protocol.TaskStatus `json:"status"`
				Artifact *protocol.Artifact   `json:"artifact"`
				Final    bool                 `json:"final"`
			} `json:"result"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("decode frame %q: %v", line, err)
		}
		if frame.ID != "stream-1" {
			t.Fatalf("unexpected frame id: %v", frame.ID)
		}
		if frame.Result.Status != nil && frame.Result.Status.State == protocol.TaskStateWorking {
			sawWorking = true
		}
		if frame.Result.Artifact != nil {
			sawArtifact = true
		}
		if frame.Result.Final {
			sawFinal = true
			break
		}
	}
	if !sawWorking || !sawArtifact || !sawFinal {
		t.Fatalf("incomplete stream: working=%v artifact=%v final=%v", sawWorking, sawArtifact, sawFinal)
	}
}

func TestUIConversationFlow(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	var conv conversation.Conversation
	env.ui(t, "/conversation/create", map[string]string{"name": "求职"}, &conv)
	if conv.ID == "" {
		t.Fatal("expected conversation id")
	}

	var sent conversation.SendResult
	env.ui(t, "/message/send", map[string]any{
		"conversation_id": conv.ID,
		"message":         protocol.UserMessage("帮我匹配职位"),
	}, &sent)
	if sent.MessageID == "" || sent.TaskID == "" {
		t.Fatalf("unexpected send result: %+v", sent)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var pending []string
		env.ui(t, "/message/pending", map[string]string{"conversation_id": conv.ID}, &pending)
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message still pending: %v", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var messages []protocol.Message
	env.ui(t, "/message/list", map[string]string{"conversation_id": conv.ID}, &messages)
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}

	var tasks []task.Task
	env.ui(t, "/task/list", map[string]any{"limit": 10}, &tasks)
	if len(tasks) != 1 || tasks[0].ID != sent.TaskID {
		t.Fatalf("unexpected task listing: %+v", tasks)
	}

	var events []docstore.Event
	env.ui(t, "/events/get", map[string]any{"conversation_id": conv.ID, "limit": 10}, &events)
	if len(events) < 3 {
		t.Fatalf("expected at least 3 events, got %d", len(events))
	}

	// 不存在的会话返回 404。
	resp := env.ui(t, "/message/list", map[string]string{"conversation_id": "missing"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAuthProtectedEndpoints(t *testing.T) {
	store, err := auth.NewMemoryStore([]auth.Seed{
		{Username: "ops", Password: "pwd", Permissions: []string{"agents:register", "jobs:ingest"}},
		{Username: "alice", Password: "pwd"},
	})
	if err != nil {
		t.Fatalf("new auth store: %v", err)
	}
	authSvc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret"},
	}, store)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	env := newTestEnv(t, Config{}, authSvc)

	// 未携带令牌被拒绝。
	resp, err := http.Post(env.server.URL+"/a2a", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// 健康检查与名片保持公开。
	for _, path := range []string{"/healthz", "/.well-known/agent.json"} {
		public, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		public.Body.Close()
		if public.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 on %s, got %d", path, public.StatusCode)
		}
	}

	token := func(username string) string {
		body, _ := json.Marshal(auth.TokenRequest{Username: username, Password: "pwd"})
		resp, err := http.Post(env.server.URL+"/auth/token", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("token status: %d", resp.StatusCode)
		}
		var pair auth.TokenPair
		if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
			t.Fatalf("decode pair: %v", err)
		}
		return pair.AccessToken
	}

	authedPost := func(path, token string, payload any) int {
		body, _ := json.Marshal(payload)
		req, err := http.NewRequest(http.MethodPost, env.server.URL+path, bytes.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	aliceToken := token("alice")
	if code := authedPost("/conversation/list", aliceToken, map[string]any{}); code != http.StatusOK {
		t.Fatalf("expected 200 for authenticated user, got %d", code)
	}
	// alice 没有注册智能体的权限。
	if code := authedPost("/agent/register", aliceToken, map[string]string{"url": "http://localhost:1"}); code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing permission, got %d", code)
	}
	// ops 有权限，但目标地址不可达，返回 502。
	opsToken := token("ops")
	if code := authedPost("/agent/register", opsToken, map[string]string{"url": "http://127.0.0.1:1"}); code != http.StatusBadGateway {
		t.Fatalf("expected 502 for unreachable agent, got %d", code)
	}
	// 投喂职位库需要 jobs:ingest 权限。
	jobs := map[string]any{"jobs": []docstore.Job{{Title: "Go 开发工程师"}}}
	if code := authedPost("/job/ingest", aliceToken, jobs); code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing ingest permission, got %d", code)
	}
	if code := authedPost("/job/ingest", opsToken, jobs); code != http.StatusOK {
		t.Fatalf("expected 200 for permitted ingest, got %d", code)
	}
	// 未指定 user_id 时画像落到当前登录用户。
	if code := authedPost("/profile/save", opsToken, map[string]string{"headline": "平台工程师"}); code != http.StatusOK {
		t.Fatalf("expected 200 for profile save, got %d", code)
	}
	if code := authedPost("/profile/get", opsToken, map[string]any{}); code != http.StatusOK {
		t.Fatalf("expected 200 for own profile get, got %d", code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t, Config{MaxBodyBytes: 128}, nil)

	oversized := strings.Repeat("a", 256)
	resp, err := http.Post(env.server.URL+"/a2a", "application/json", strings.NewReader(oversized))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 1, RateBurst: 1}, nil)

	first, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.StatusCode)
	}

	second, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
}
