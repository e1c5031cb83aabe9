package llm

import "context"

// Request 描述发送给大模型的任务上下文。
type Request struct {
	Goal      string
	Skill     string
	Context   []ContextCard
	History   []HistoryEntry
	Knowledge []KnowledgeCard
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
}

// ContextCard 携带与用户相关的结构化上下文，例如画像或职位摘要。
type ContextCard struct {
	Title   string
	Content string
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// HistoryEntry 描述了会话中的一轮往返，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Role    string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
