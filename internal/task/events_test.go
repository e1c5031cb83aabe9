package task

import (
	"testing"

	"CareerCopilot/internal/protocol"
)

func TestBrokerReplayAndFinal(t *testing.T) {
	broker := NewBroker(8)

	broker.Publish(StatusEvent("t1", protocol.TaskStatus{State: protocol.TaskStatePending}, false))
	broker.Publish(StatusEvent("t1", protocol.TaskStatus{State: protocol.TaskStateWorking}, false))
	broker.Publish(ArtifactEvent("t1", protocol.Artifact{Parts: []protocol.Part{protocol.NewTextPart("draft")}}))

	// 重新订阅时回放历史事件。
	events, cancel := broker.Subscribe("t1", true)
	defer cancel()

	broker.Publish(StatusEvent("t1", protocol.TaskStatus{State: protocol.TaskStateCompleted}, true))

	var states []protocol.TaskState
	var artifacts int
	for evt := range events {
		if evt.StatusUpdate != nil {
			states = append(states, evt.StatusUpdate.Status.State)
		}
		if evt.ArtifactUpdate != nil {
			artifacts++
		}
	}
	want := []protocol.TaskState{protocol.TaskStatePending, protocol.TaskStateWorking, protocol.TaskStateCompleted}
	if len(states) != len(want) {
		t.Fatalf("expected %d status events, got %v", len(want), states)
	}
	for i, state := range want {
		if states[i] != state {
			t.Fatalf("unexpected state order: %v", states)
		}
	}
	if artifacts != 1 {
		t.Fatalf("expected 1 artifact event, got %d", artifacts)
	}
	if !broker.Finished("t1") {
		t.Fatal("expected stream to be finished")
	}

	// 终止后的新订阅者收到全部历史并立即结束。
	late, lateCancel := broker.Subscribe("t1", true)
	defer lateCancel()
	var replayed int
	for range late {
		replayed++
	}
	if replayed != 4 {
		t.Fatalf("expected 4 replayed events, got %d", replayed)
	}
}

func TestBrokerSubscribeWithoutReplay(t *testing.T) {
	broker := NewBroker(8)
	broker.Publish(StatusEvent("t1", protocol.TaskStatus{State: protocol.TaskStatePending}, false))

	events, cancel := broker.Subscribe("t1", false)
	defer cancel()

	broker.Publish(StatusEvent("t1", protocol.TaskStatus{State: protocol.TaskStateWorking}, false))

	evt := <-events
	if evt.StatusUpdate == nil || evt.StatusUpdate.Status.State != protocol.TaskStateWorking {
		t.Fatalf("expected only the new event, got %+v", evt)
	}
}

func TestBrokerCancelSubscription(t *testing.T) {
	broker := NewBroker(2)
	events, cancel := broker.Subscribe("t1", false)
	cancel()
	if _, ok := <-events; ok {
		t.Fatal("expected closed channel after cancel")
	}
	// 取消后再发布不应 panic。
	broker.Publish(StatusEvent("t1", protocol.TaskStatus{State: protocol.TaskStateWorking}, false))
}

func TestBrokerIgnoresEventsAfterFinal(t *testing.T) {
	broker := NewBroker(2)
	broker.Publish(StatusEvent("t1", protocol.TaskStatus{State: protocol.TaskStateCanceled}, true))
	broker.Publish(StatusEvent("t1", protocol.TaskStatus{State: protocol.TaskStateWorking}, false))

	history := broker.History("t1")
	if len(history) != 1 {
		t.Fatalf("expected history to stop at final event, got %d", len(history))
	}
}
