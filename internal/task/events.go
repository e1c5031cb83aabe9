package task

import (
	"sync"

	"CareerCopilot/internal/protocol"
)

// Event 是任务执行过程中推送给订阅者的流式事件。
// StatusUpdate 与 ArtifactUpdate 二者只会有一个非空。
type Event struct {
	StatusUpdate   *protocol.TaskStatusUpdateEvent
	ArtifactUpdate *protocol.TaskArtifactUpdateEvent
}

// Final 判断事件是否为任务的终止事件。
func (e Event) Final() bool {
	return e.StatusUpdate != nil && e.StatusUpdate.Final
}

// TaskID 返回事件所属的任务 ID。
func (e Event) TaskID() string {
	if e.StatusUpdate != nil {
		return e.StatusUpdate.ID
	}
	if e.ArtifactUpdate != nil {
		return e.ArtifactUpdate.ID
	}
	return ""
}

// StatusEvent 构造状态变更事件。
func StatusEvent(id string, status protocol.TaskStatus, final bool) Event {
	return Event{StatusUpdate: &protocol.TaskStatusUpdateEvent{ID: id, Status: status, Final: final}}
}

// ArtifactEvent 构造产物事件。
func ArtifactEvent(id string, artifact protocol.Artifact) Event {
	return Event{ArtifactUpdate: &protocol.TaskArtifactUpdateEvent{ID: id, Artifact: artifact}}
}

// Broker 为每个任务维护一条进程内事件流。
// 事件会被追加到历史记录中，重新订阅时先回放历史再接收后续事件，
// 因此断线重连（task/resubscribe）不会丢事件。
type Broker struct {
	mu      sync.Mutex
	streams map[string]*eventStream
	buffer  int
}

type eventStream struct {
	history []Event
	subs    map[chan Event]struct{}
	done    bool
}

// NewBroker 创建事件代理。buffer 为每个订阅者的通道容量。
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{
		streams: make(map[string]*eventStream),
		buffer:  buffer,
	}
}

// Subscribe 订阅任务的事件流。replay 为 true 时先回放全部历史事件。
// 返回的取消函数必须被调用以释放订阅。
// 若任务流已结束，订阅者在收到历史事件后通道会立即关闭。
func (b *Broker) Subscribe(taskID string, replay bool) (<-chan Event, func()) {
	b.mu.Lock()
	stream, ok := b.streams[taskID]
	if !ok {
		stream = &eventStream{subs: make(map[chan Event]struct{})}
		b.streams[taskID] = stream
	}

	size := b.buffer
	if replay && len(stream.history) > size {
		size = len(stream.history) + b.buffer
	}
	ch := make(chan Event, size)
	if replay {
		for _, evt := range stream.history {
			ch <- evt
		}
	}
	if stream.done {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	stream.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		current, ok := b.streams[taskID]
		if !ok {
			return
		}
		if _, subscribed := current.subs[ch]; subscribed {
			delete(current.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish 向任务流追加事件并广播给所有订阅者。
// 投递是非阻塞的，跟不上节奏的订阅者会丢失中间事件，
// 但历史记录保证重新订阅时可以补齐。
func (b *Broker) Publish(evt Event) {
	taskID := evt.TaskID()
	if taskID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stream, ok := b.streams[taskID]
	if !ok {
		stream = &eventStream{subs: make(map[chan Event]struct{})}
		b.streams[taskID] = stream
	}
	if stream.done {
		return
	}
	stream.history = append(stream.history, evt)

	for ch := range stream.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	if evt.Final() {
		stream.done = true
		for ch := range stream.subs {
			close(ch)
		}
		stream.subs = make(map[chan Event]struct{})
	}
}

// History 返回任务已发布的全部事件。
func (b *Broker) History(taskID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	stream, ok := b.streams[taskID]
	if !ok {
		return nil
	}
	out := make([]Event, len(stream.history))
	copy(out, stream.history)
	return out
}

// Finished 判断任务流是否已经收到终止事件。
func (b *Broker) Finished(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	stream, ok := b.streams[taskID]
	return ok && stream.done
}

// Forget 释放任务的事件历史，通常在任务过期清理时调用。
func (b *Broker) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stream, ok := b.streams[taskID]
	if !ok {
		return
	}
	for ch := range stream.subs {
		close(ch)
	}
	delete(b.streams, taskID)
}
