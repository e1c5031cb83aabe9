package conversation

import (
	"context"
	stdErrors "errors"
	"strings"
	"testing"
	"time"

	"CareerCopilot/internal/agent"
	"CareerCopilot/internal/docstore"
	"CareerCopilot/internal/protocol"
	"CareerCopilot/internal/task"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, req agent.Request, _ agent.Emitter) (*agent.Result, error) {
	return &agent.Result{Reply: "答复: " + req.Goal()}, nil
}

type testFixture struct {
	docs  *docstore.MemoryStore
	tasks *task.Service
	svc   *Service
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	broker := task.NewBroker(8)
	tasks := task.NewService(store, queue, broker, 3)
	processor := task.NewProcessor(echoExecutor{}, store, queue, queue, broker)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = processor.Start(ctx) }()

	docs := docstore.NewMemoryStore()
	svc := NewService(docs, tasks, WithPollInterval(10*time.Millisecond), WithWaitTimeout(5*time.Second))
	t.Cleanup(func() {
		svc.Close()
		cancel()
	})
	return &testFixture{docs: docs, tasks: tasks, svc: svc}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return newTestFixture(t).svc
}

// waitSettled 等待会话内所有挂起消息得到答复。
func waitSettled(t *testing.T, svc *Service, conversationID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		pending, err := svc.Pending(context.Background(), conversationID)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("message still pending: %v", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConversationLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "求职规划")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.ID == "" || !conv.Active || conv.Name != "求职规划" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	list := svc.List(ctx)
	if len(list) != 1 || list[0].ID != conv.ID {
		t.Fatalf("unexpected listing: %+v", list)
	}

	if _, err := svc.Get(ctx, "missing"); !stdErrors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.Create(ctx, "模拟面试")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sent, err := svc.SendMessage(ctx, conv.ID, "alice", protocol.UserMessage("帮我准备面试"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.MessageID == "" || sent.TaskID == "" {
		t.Fatalf("unexpected send result: %+v", sent)
	}

	// 消息先挂起，任务完成后清除。
	deadline := time.Now().Add(5 * time.Second)
	for {
		pending, err := svc.Pending(ctx, conv.ID)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message still pending: %v", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}

	messages, err := svc.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user + agent messages, got %d", len(messages))
	}
	if messages[0].Role != protocol.RoleUser || messages[1].Role != protocol.RoleAgent {
		t.Fatalf("unexpected roles: %s, %s", messages[0].Role, messages[1].Role)
	}
	if !strings.Contains(messages[1].Text(), "帮我准备面试") {
		t.Fatalf("expected echoed reply, got %q", messages[1].Text())
	}
	if messages[1].Metadata["reply_to"] != sent.MessageID {
		t.Fatalf("expected reply_to metadata, got %v", messages[1].Metadata)
	}

	got, err := svc.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.TaskIDs) != 1 || got.TaskIDs[0] != sent.TaskID {
		t.Fatalf("expected task id recorded, got %v", got.TaskIDs)
	}

	// 事件流应当覆盖创建、提问与答复。
	events, err := svc.Events(ctx, conv.ID, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("expected at least 3 events, got %d", len(events))
	}

	if _, err := svc.SendMessage(ctx, "missing", "alice", protocol.UserMessage("hi")); !stdErrors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRestoreRehydratesFromDocStore(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()

	conv, err := fixture.svc.Create(ctx, "求职规划")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sent, err := fixture.svc.SendMessage(ctx, conv.ID, "alice", protocol.UserMessage("帮我匹配职位"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitSettled(t, fixture.svc, conv.ID)

	// 模拟重启：在同一文档库上新建服务并恢复。
	rebooted := NewService(fixture.docs, fixture.tasks, WithPollInterval(10*time.Millisecond))
	t.Cleanup(rebooted.Close)
	if err := rebooted.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := rebooted.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get restored conversation: %v", err)
	}
	if restored.Name != "求职规划" || !restored.Active {
		t.Fatalf("unexpected restored conversation: %+v", restored)
	}
	if len(restored.TaskIDs) != 1 || restored.TaskIDs[0] != sent.TaskID {
		t.Fatalf("expected task ids restored, got %v", restored.TaskIDs)
	}

	messages, err := rebooted.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 restored messages, got %d", len(messages))
	}
	if messages[0].Role != protocol.RoleUser || messages[1].Role != protocol.RoleAgent {
		t.Fatalf("unexpected roles: %s, %s", messages[0].Role, messages[1].Role)
	}
	if messages[1].Metadata["reply_to"] != sent.MessageID {
		t.Fatalf("expected reply_to metadata, got %v", messages[1].Metadata)
	}

	// 重启后没有答复协程在途，挂起列表为空。
	pending, err := rebooted.Pending(ctx, conv.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending messages after restore, got %v", pending)
	}

	// 重复恢复不产生重复会话。
	if err := rebooted.Restore(ctx); err != nil {
		t.Fatalf("restore again: %v", err)
	}
	if list := rebooted.List(ctx); len(list) != 1 {
		t.Fatalf("expected 1 conversation after repeated restore, got %d", len(list))
	}
}

func TestSendMessageAttachesHistory(t *testing.T) {
	fixture := newTestFixture(t)
	ctx := context.Background()

	conv, err := fixture.svc.Create(ctx, "面试准备")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := fixture.svc.SendMessage(ctx, conv.ID, "alice", protocol.UserMessage("帮我匹配职位"))
	if err != nil {
		t.Fatalf("send first: %v", err)
	}
	firstTask, err := fixture.tasks.Get(ctx, first.TaskID)
	if err != nil {
		t.Fatalf("get first task: %v", err)
	}
	if history, ok := firstTask.Metadata["history"].([]map[string]any); ok && len(history) > 0 {
		t.Fatalf("expected empty history on first message, got %v", history)
	}
	waitSettled(t, fixture.svc, conv.ID)

	second, err := fixture.svc.SendMessage(ctx, conv.ID, "alice", protocol.UserMessage("接着帮我准备面试"))
	if err != nil {
		t.Fatalf("send second: %v", err)
	}
	secondTask, err := fixture.tasks.Get(ctx, second.TaskID)
	if err != nil {
		t.Fatalf("get second task: %v", err)
	}
	history, ok := secondTask.Metadata["history"].([]map[string]any)
	if !ok {
		t.Fatalf("expected history metadata, got %T", secondTask.Metadata["history"])
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0]["role"] != protocol.RoleUser || history[0]["content"] != "帮我匹配职位" {
		t.Fatalf("unexpected first history entry: %v", history[0])
	}
	if history[1]["role"] != protocol.RoleAgent {
		t.Fatalf("unexpected second history entry: %v", history[1])
	}
	waitSettled(t, fixture.svc, conv.ID)
}
