package task

import (
	"context"
	stdErrors "errors"
	"testing"

	"CareerCopilot/internal/protocol"
)

func newTestService(t *testing.T) (*Service, *MemoryStore, *MemoryQueue) {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, NewBroker(8), 3)
	return service, store, queue
}

func TestServiceSubmit(t *testing.T) {
	service, _, queue := newTestService(t)
	ctx := context.Background()

	params := protocol.TaskSendParams{
		Message:  protocol.UserMessage("帮我匹配后端岗位"),
		Metadata: map[string]any{"skill": "job_matching"},
	}
	created, err := service.Submit(ctx, params, "user_a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ID == "" || created.SessionID == "" {
		t.Fatalf("expected generated ids, got %+v", created)
	}
	if created.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", created.Status)
	}
	if created.Skill != "job_matching" {
		t.Fatalf("expected skill from metadata, got %q", created.Skill)
	}
	if created.UserID != "user_a" {
		t.Fatalf("expected user id propagated, got %q", created.UserID)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected 1 queued task, got %d", queue.Depth())
	}

	// 带已有 ID 的重复提交是幂等的，不产生新任务也不重复入队。
	params.ID = created.ID
	again, err := service.Submit(ctx, params, "user_a")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("expected same task, got %s", again.ID)
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected no duplicate enqueue, got %d", queue.Depth())
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.Submit(ctx, protocol.TaskSendParams{}, "user_a"); err == nil {
		t.Fatal("expected error for empty message")
	}

	params := protocol.TaskSendParams{
		Message:             protocol.UserMessage("hello"),
		AcceptedOutputModes: []string{"video/mp4"},
	}
	if _, err := service.Submit(ctx, params, "user_a"); !stdErrors.Is(err, ErrIncompatibleContent) {
		t.Fatalf("expected incompatible content error, got %v", err)
	}
}

func TestServiceCancel(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()

	created, err := service.Submit(ctx, protocol.TaskSendParams{Message: protocol.UserMessage("改简历")}, "user_a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events, cancelSub := service.Subscribe(created.ID, true)
	defer cancelSub()

	canceled, err := service.Cancel(ctx, created.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}

	// 订阅者应当收到 pending 历史事件和最终的 canceled 事件。
	var final *protocol.TaskStatusUpdateEvent
	for evt := range events {
		if evt.StatusUpdate != nil && evt.Final() {
			final = evt.StatusUpdate
		}
	}
	if final == nil || final.Status.State != protocol.TaskStateCanceled {
		t.Fatalf("expected final canceled event, got %+v", final)
	}

	// 重复取消幂等。
	if _, err := service.Cancel(ctx, created.ID, ""); err != nil {
		t.Fatalf("idempotent cancel: %v", err)
	}

	// 已完成任务不可取消。
	done, err := service.Submit(ctx, protocol.TaskSendParams{Message: protocol.UserMessage("another")}, "user_a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := store.MarkCompleted(ctx, done.ID, ExecutionResult{Reply: "ok"}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if _, err := service.Cancel(ctx, done.ID, ""); !stdErrors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed error, got %v", err)
	}

	if _, err := service.Cancel(ctx, "missing", ""); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
