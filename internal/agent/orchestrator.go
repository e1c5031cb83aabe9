package agent

import (
	"context"
	"fmt"
	"strings"

	"CareerCopilot/internal/llm"
	"CareerCopilot/internal/protocol"
)

// Resolver 按技能查找智能体，通常由 Registry 实现。
type Resolver interface {
	Resolve(skill string) (Agent, error)
}

// route 是关键词到技能的一条路由规则。
type route struct {
	keywords []string
	skill    string
}

// defaultRoutes 是编排器的内置路由表，按声明顺序决定工作流的执行顺序。
var defaultRoutes = []route{
	{keywords: []string{"匹配", "找工作", "职位", "岗位", "match", "job", "position"}, skill: SkillJobMatching},
	{keywords: []string{"简历", "求职信", "resume", "cover letter", "cv", "tailor"}, skill: SkillResumeTailoring},
	{keywords: []string{"面试", "interview", "mock"}, skill: SkillInterviewPrep},
	{keywords: []string{"触达", "内推", "招聘方", "hr", "recruiter", "outreach", "referral"}, skill: SkillRecruiterOutreach},
}

// OrchestratorAgent 解析用户诉求，挑选下游技能并按顺序派发，
// 把各步骤的产物聚合成一份执行计划答复。无法路由时退化为大模型直接作答。
type OrchestratorAgent struct {
	deps     WorkerDeps
	resolver Resolver
	routes   []route
	baseURL  string
}

// NewOrchestratorAgent 创建编排智能体。baseURL 用于填充名片中的访问地址。
func NewOrchestratorAgent(deps WorkerDeps, resolver Resolver, baseURL string) *OrchestratorAgent {
	return &OrchestratorAgent{
		deps:     deps,
		resolver: resolver,
		routes:   defaultRoutes,
		baseURL:  baseURL,
	}
}

// Card 返回编排智能体的名片，也是前门 /.well-known/agent.json 的内容。
func (a *OrchestratorAgent) Card() protocol.AgentCard {
	return protocol.AgentCard{
		Name:               "career-copilot",
		Description:        "求职助理编排器：匹配职位、定制简历、准备面试、起草触达消息",
		URL:                a.baseURL,
		Version:            a.deps.version(),
		Capabilities:       protocol.AgentCapabilities{Streaming: true},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: protocol.SupportedContentTypes,
		Skills: []protocol.AgentSkill{
			{ID: SkillJobMatching, Name: "职位匹配"},
			{ID: SkillResumeTailoring, Name: "简历定制"},
			{ID: SkillInterviewPrep, Name: "面试准备"},
			{ID: SkillRecruiterOutreach, Name: "招聘触达"},
		},
	}
}

// Invoke 按路由表编排下游智能体。
func (a *OrchestratorAgent) Invoke(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	skills := a.routeSkills(req.Goal())
	if len(skills) == 0 {
		return a.fallback(ctx, req)
	}

	aggregated := &Result{Skills: skills}
	var steps []string
	for i, skill := range skills {
		agent, err := a.resolver.Resolve(skill)
		if err != nil {
			return nil, err
		}
		emit.Emit(Update{
			Progress:   float64(i) / float64(len(skills)),
			StatusText: fmt.Sprintf("执行第 %d/%d 步: %s", i+1, len(skills), skill),
		})

		stepReq := req
		stepReq.Skill = skill
		result, err := agent.Invoke(ctx, stepReq, emit)
		if err != nil {
			return nil, err
		}
		if result == nil {
			continue
		}
		steps = append(steps, fmt.Sprintf("%d. [%s] %s", i+1, skill, result.Reply))
		if result.Thought != "" {
			if aggregated.Thought != "" {
				aggregated.Thought += "\n"
			}
			aggregated.Thought += fmt.Sprintf("[%s] %s", skill, result.Thought)
		}
		// 重新编号工件槽位，避免各步骤的 index 冲突。
		for _, artifact := range result.Artifacts {
			artifact.Index = len(aggregated.Artifacts)
			aggregated.Artifacts = append(aggregated.Artifacts, artifact)
		}
	}

	aggregated.Reply = "已完成以下步骤:\n" + strings.Join(steps, "\n")
	return aggregated, nil
}

// routeSkills 根据关键词匹配出要执行的技能序列。
func (a *OrchestratorAgent) routeSkills(goal string) []string {
	normalized := strings.ToLower(goal)
	var skills []string
	for _, r := range a.routes {
		for _, keyword := range r.keywords {
			if strings.Contains(normalized, strings.ToLower(keyword)) {
				skills = append(skills, r.skill)
				break
			}
		}
	}
	return skills
}

// fallback 在没有任何技能命中时用大模型直接作答。
func (a *OrchestratorAgent) fallback(ctx context.Context, req Request) (*Result, error) {
	contextCards, _ := a.deps.profileContext(ctx, req.UserID)
	resp, err := a.deps.generate(ctx, llm.Request{
		Goal:      req.Goal(),
		Skill:     "",
		Context:   contextCards,
		History:   historyFromMetadata(req.Metadata),
		Knowledge: a.deps.knowledgeCards(req.Goal(), ""),
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Thought: resp.Thought,
		Reply:   resp.Reply,
	}, nil
}

var _ Agent = (*OrchestratorAgent)(nil)
