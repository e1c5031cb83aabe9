package agent

import (
	"context"

	"CareerCopilot/internal/protocol"
)

// Request 描述一次需要智能体处理的任务请求。
type Request struct {
	TaskID              string
	SessionID           string
	UserID              string
	Skill               string
	Message             protocol.Message
	AcceptedOutputModes []string
	Metadata            map[string]any
}

// Goal 返回请求中的用户诉求文本。
func (r Request) Goal() string {
	return r.Message.Text()
}

// Update 是智能体在执行过程中产生的增量进展。
type Update struct {
	// Progress 取值范围 [0, 1]，小于等于 0 时表示不更新进度。
	Progress float64
	// StatusText 为阶段性说明，会以 working 状态消息推送给订阅者。
	StatusText string
	// Artifact 为阶段性产物，非空时以产物事件推送。
	Artifact *protocol.Artifact
}

// Emitter 将执行过程中的增量进展上报给调用方。
// 实现必须是非阻塞或近似非阻塞的，智能体不应因为上报而停顿。
type Emitter func(update Update)

// Emit 在 Emitter 非空时上报进展。
func (e Emitter) Emit(update Update) {
	if e != nil {
		e(update)
	}
}

// Result 是智能体执行完成后的最终结果。
type Result struct {
	Thought      string
	Reply        string
	Skills       []string
	Artifacts    []protocol.Artifact
	Observations string
}

// Agent 是所有职业助理智能体的统一抽象。
type Agent interface {
	// Card 返回智能体的能力卡片。
	Card() protocol.AgentCard
	// Invoke 同步执行任务，过程中的进展通过 emit 上报。
	Invoke(ctx context.Context, req Request, emit Emitter) (*Result, error)
}
