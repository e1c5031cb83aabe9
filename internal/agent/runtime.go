package agent

import (
	"context"
	stdErrors "errors"
)

// Runtime 是任务处理器与智能体之间的调度入口：
// 携带明确技能的请求路由给对应智能体，其余交给编排器。
type Runtime struct {
	registry     *Registry
	orchestrator Agent
}

// NewRuntime 创建调度入口。
func NewRuntime(registry *Registry, orchestrator Agent) *Runtime {
	return &Runtime{registry: registry, orchestrator: orchestrator}
}

// Execute 执行一次任务请求。
func (r *Runtime) Execute(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	if req.Skill != "" {
		agent, err := r.registry.Resolve(req.Skill)
		if err == nil {
			return agent.Invoke(ctx, req, emit)
		}
		if !stdErrors.Is(err, ErrAgentNotFound) {
			return nil, err
		}
		// 未知技能回落到编排器。
	}
	if r.orchestrator == nil {
		return nil, ErrAgentNotFound
	}
	return r.orchestrator.Invoke(ctx, req, emit)
}
