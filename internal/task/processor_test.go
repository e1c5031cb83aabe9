package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"CareerCopilot/internal/agent"
	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/internal/protocol"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	failures  atomic.Int32
	failTimes int32
	failWith  error
}

func (f *fakeExecutor) Execute(ctx context.Context, req agent.Request, emit agent.Emitter) (*agent.Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failures.Load() < f.failTimes {
		f.failures.Add(1)
		if f.failWith != nil {
			return nil, f.failWith
		}
		return nil, xerrors.New(CodeTaskProcessing, "暂时失败", xerrors.WithRetryable(true))
	}
	emit.Emit(agent.Update{Progress: 0.5, StatusText: "整理职位数据"})
	f.processed.Add(1)
	return &agent.Result{Thought: "done", Reply: "已完成: " + req.Goal()}, nil
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}
	broker := NewBroker(8)

	service := NewService(store, queue, broker, 3)
	processor := NewProcessor(executor, store, queue, queue, broker, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		params := protocol.TaskSendParams{
			Message: protocol.UserMessage(fmt.Sprintf("goal-%d", i)),
		}
		if _, err := service.Submit(ctx, params, "user_a"); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesThenCompletes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	executor := &fakeExecutor{failTimes: 2}
	broker := NewBroker(16)

	service := NewService(store, queue, broker, 3)
	processor := NewProcessor(executor, store, queue, queue, broker, WithWorkerCount(2))

	go func() { _ = processor.Start(ctx) }()

	created, err := service.Submit(ctx, protocol.TaskSendParams{Message: protocol.UserMessage("匹配职位")}, "user_a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done, err := service.WaitUntilCompleted(ctx, created.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected completed after retries, got %s (%s)", done.Status, done.LastError)
	}
	if done.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", done.Attempts)
	}
	if done.Result == nil || done.Result.Reply == "" {
		t.Fatalf("expected result recorded, got %+v", done.Result)
	}
}

func TestProcessorStreamsEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{}
	broker := NewBroker(16)

	service := NewService(store, queue, broker, 3)
	processor := NewProcessor(executor, store, queue, queue, broker, WithWorkerCount(1))

	created, err := service.Submit(ctx, protocol.TaskSendParams{Message: protocol.UserMessage("准备面试")}, "user_a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	events, cancelSub := service.Subscribe(created.ID, true)
	defer cancelSub()

	go func() { _ = processor.Start(ctx) }()

	var sawWorking, sawFinal bool
	timeout := time.After(5 * time.Second)
	for !sawFinal {
		select {
		case evt, ok := <-events:
			if !ok {
				if !sawFinal {
					t.Fatal("event stream closed before final event")
				}
				return
			}
			if evt.StatusUpdate != nil && evt.StatusUpdate.Status.State == protocol.TaskStateWorking {
				sawWorking = true
			}
			if evt.Final() {
				if evt.StatusUpdate.Status.State != protocol.TaskStateCompleted {
					t.Fatalf("unexpected final state: %s", evt.StatusUpdate.Status.State)
				}
				sawFinal = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	if !sawWorking {
		t.Fatal("expected at least one working status event")
	}
}

var recoverAll = RecoveryFunc(func(_ context.Context, _ *Task, cause error) (*ExecutionResult, error) {
	return &ExecutionResult{Reply: "使用缓存的职位列表", Observations: "降级: " + cause.Error()}, nil
})

func TestProcessorRecoversNonRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		failTimes: 1,
		failWith:  xerrors.New(CodeTaskValidation, "上游拒绝", xerrors.WithRetryable(false)),
	}
	broker := NewBroker(16)

	service := NewService(store, queue, broker, 3)
	processor := NewProcessor(executor, store, queue, queue, broker,
		WithWorkerCount(1),
		WithRecoveryHandler(recoverAll),
	)

	go func() { _ = processor.Start(ctx) }()

	created, err := service.Submit(ctx, protocol.TaskSendParams{Message: protocol.UserMessage("投递职位")}, "user_a")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, created.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected degraded completion, got %s", done.Status)
	}
	if done.Result == nil || done.Result.Observations == "" {
		t.Fatalf("expected degradation observations, got %+v", done.Result)
	}
}
