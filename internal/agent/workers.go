package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"

	"CareerCopilot/internal/docstore"
	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/internal/knowledge"
	"CareerCopilot/internal/llm"
	"CareerCopilot/internal/protocol"
	"CareerCopilot/pkg/logger"
)

// 内置工作智能体的技能 ID。
const (
	SkillJobMatching       = "job_matching"
	SkillResumeTailoring   = "resume_tailoring"
	SkillInterviewPrep     = "interview_prep"
	SkillRecruiterOutreach = "recruiter_outreach"
)

// WorkerDeps 聚合工作智能体的公共依赖。
type WorkerDeps struct {
	LLM       llm.Client
	Docs      docstore.Store
	Knowledge knowledge.Provider
	Version   string
}

func (d WorkerDeps) version() string {
	if d.Version == "" {
		return "0.1.0"
	}
	return d.Version
}

// generate 调用大模型并把失败统一映射为可重试的上游错误。
func (d WorkerDeps) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if d.LLM == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	resp, err := d.LLM.Generate(ctx, req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "大模型调用失败", xerrors.WithRetryable(true))
	}
	return resp, nil
}

// profileContext 把用户画像整理成上下文卡片。画像缺失不算错误，其余读取
// 失败记一条告警日志后同样降级为无画像执行。
func (d WorkerDeps) profileContext(ctx context.Context, userID string) ([]llm.ContextCard, *docstore.Profile) {
	if d.Docs == nil || userID == "" {
		return nil, nil
	}
	profile, err := d.Docs.GetProfile(ctx, userID)
	if err != nil {
		if !stdErrors.Is(err, docstore.ErrNotFound) && !stdErrors.Is(err, docstore.ErrInvalidUserID) {
			logger.L().Warn("读取用户画像失败",
				"user_id", userID,
				"error", err,
			)
		}
		return nil, nil
	}
	card := llm.ContextCard{
		Title: "求职者画像",
		Content: fmt.Sprintf("%s；技能: %s；期望地点: %s；经验: %d 年",
			profile.Headline, strings.Join(profile.Skills, ", "),
			strings.Join(profile.Locations, ", "), profile.YearsOfExp),
	}
	return []llm.ContextCard{card}, profile
}

func (d WorkerDeps) knowledgeCards(goal, skill string) []llm.KnowledgeCard {
	if d.Knowledge == nil {
		return nil
	}
	snippets := d.Knowledge.Query(goal, skill)
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, snippet := range snippets {
		cards = append(cards, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
	}
	return cards
}

// historyFromMetadata 还原会话服务随任务附带的历史轮次。
// 元数据经过任务存储的序列化后条目可能退化为 []any，这里两种形态都接受。
func historyFromMetadata(metadata map[string]any) []llm.HistoryEntry {
	raw, ok := metadata["history"]
	if !ok {
		return nil
	}
	var items []any
	switch typed := raw.(type) {
	case []any:
		items = typed
	case []map[string]any:
		items = make([]any, len(typed))
		for i, entry := range typed {
			items[i] = entry
		}
	default:
		return nil
	}
	entries := make([]llm.HistoryEntry, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := entry["role"].(string)
		content, _ := entry["content"].(string)
		if content == "" {
			continue
		}
		entries = append(entries, llm.HistoryEntry{Role: role, Content: content})
	}
	return entries
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if value, ok := metadata[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func textArtifact(index int, text string, metadata map[string]any) protocol.Artifact {
	return protocol.Artifact{
		Parts:    []protocol.Part{protocol.NewTextPart(text)},
		Index:    index,
		Metadata: metadata,
	}
}

func dataArtifact(index int, data map[string]any, metadata map[string]any) protocol.Artifact {
	return protocol.Artifact{
		Parts:    []protocol.Part{protocol.NewDataPart(data)},
		Index:    index,
		Metadata: metadata,
	}
}

// MatcherAgent 将职位与求职者画像进行匹配并产出匹配文档。
type MatcherAgent struct {
	deps WorkerDeps
}

// NewMatcherAgent 创建匹配智能体。
func NewMatcherAgent(deps WorkerDeps) *MatcherAgent {
	return &MatcherAgent{deps: deps}
}

// Card 返回匹配智能体的名片。
func (a *MatcherAgent) Card() protocol.AgentCard {
	return protocol.AgentCard{
		Name:         "matcher",
		Description:  "根据求职者画像对职位进行匹配与排序",
		Version:      a.deps.version(),
		Capabilities: protocol.AgentCapabilities{Streaming: true},
		Skills: []protocol.AgentSkill{{
			ID:       SkillJobMatching,
			Name:     "职位匹配",
			Tags:     []string{"jobs", "matching"},
			Examples: []string{"帮我找适合的后端岗位"},
		}},
	}
}

// Invoke 执行匹配：确定性打分排序，再用大模型生成解读。
func (a *MatcherAgent) Invoke(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	contextCards, profile := a.deps.profileContext(ctx, req.UserID)

	var jobs []docstore.Job
	if a.deps.Docs != nil {
		loaded, err := a.deps.Docs.ListJobs(ctx, 50)
		if err != nil {
			return nil, err
		}
		jobs = loaded
	}
	emit.Emit(Update{Progress: 0.3, StatusText: fmt.Sprintf("正在匹配 %d 个职位", len(jobs))})

	scored := scoreJobs(profile, jobs)
	matches := make([]docstore.Match, 0, len(scored))
	matchData := make([]map[string]any, 0, len(scored))
	for _, item := range scored {
		matches = append(matches, docstore.Match{
			UserID:  req.UserID,
			JobID:   item.job.ID,
			TaskID:  req.TaskID,
			Score:   item.score,
			Reasons: item.reasons,
		})
		matchData = append(matchData, map[string]any{
			"job_id":  item.job.ID,
			"title":   item.job.Title,
			"company": item.job.Company,
			"score":   item.score,
			"reasons": item.reasons,
		})
	}
	if a.deps.Docs != nil && len(matches) > 0 {
		if _, err := a.deps.Docs.SaveMatches(ctx, matches); err != nil {
			return nil, err
		}
	}
	emit.Emit(Update{Progress: 0.6, StatusText: "匹配完成，正在生成解读"})

	llmReq := llm.Request{
		Goal:      req.Goal(),
		Skill:     SkillJobMatching,
		Context:   contextCards,
		History:   historyFromMetadata(req.Metadata),
		Knowledge: a.deps.knowledgeCards(req.Goal(), SkillJobMatching),
	}
	for i, item := range scored {
		if i >= 5 {
			break
		}
		llmReq.Context = append(llmReq.Context, llm.ContextCard{
			Title:   fmt.Sprintf("候选职位 %d", i+1),
			Content: fmt.Sprintf("%s @ %s (匹配度 %.2f)", item.job.Title, item.job.Company, item.score),
		})
	}
	resp, err := a.deps.generate(ctx, llmReq)
	if err != nil {
		return nil, err
	}

	return &Result{
		Thought: resp.Thought,
		Reply:   resp.Reply,
		Skills:  []string{SkillJobMatching},
		Artifacts: []protocol.Artifact{
			dataArtifact(0, map[string]any{"matches": matchData}, map[string]any{"type": docstore.TypeMatch}),
		},
	}, nil
}

type scoredJob struct {
	job     docstore.Job
	score   float64
	reasons []string
}

// scoreJobs 以技能关键词重叠度对职位做确定性打分。
func scoreJobs(profile *docstore.Profile, jobs []docstore.Job) []scoredJob {
	var skills []string
	if profile != nil {
		skills = profile.Skills
	}
	scored := make([]scoredJob, 0, len(jobs))
	for _, job := range jobs {
		haystack := strings.ToLower(job.Title + " " + job.Description + " " + strings.Join(job.Tags, " "))
		var hits []string
		for _, skill := range skills {
			needle := strings.ToLower(strings.TrimSpace(skill))
			if needle != "" && strings.Contains(haystack, needle) {
				hits = append(hits, skill)
			}
		}
		score := 0.1
		if len(skills) > 0 {
			score += 0.9 * float64(len(hits)) / float64(len(skills))
		}
		reasons := make([]string, 0, len(hits))
		for _, hit := range hits {
			reasons = append(reasons, "命中技能: "+hit)
		}
		scored = append(scored, scoredJob{job: job, score: score, reasons: reasons})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	if len(scored) > 10 {
		scored = scored[:10]
	}
	return scored
}

// TailorAgent 根据目标职位定制简历与求职信。
type TailorAgent struct {
	deps WorkerDeps
}

// NewTailorAgent 创建简历定制智能体。
func NewTailorAgent(deps WorkerDeps) *TailorAgent {
	return &TailorAgent{deps: deps}
}

// Card 返回简历定制智能体的名片。
func (a *TailorAgent) Card() protocol.AgentCard {
	return protocol.AgentCard{
		Name:         "tailor",
		Description:  "针对目标职位定制简历与求职信",
		Version:      a.deps.version(),
		Capabilities: protocol.AgentCapabilities{Streaming: true},
		Skills: []protocol.AgentSkill{{
			ID:       SkillResumeTailoring,
			Name:     "简历定制",
			Tags:     []string{"resume", "cover-letter"},
			Examples: []string{"帮我按这个职位改简历"},
		}},
	}
}

// Invoke 生成定制材料并持久化为投递申请文档。
func (a *TailorAgent) Invoke(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	contextCards, profile := a.deps.profileContext(ctx, req.UserID)
	if profile != nil && profile.Resume != "" {
		contextCards = append(contextCards, llm.ContextCard{Title: "现有简历", Content: profile.Resume})
	}
	emit.Emit(Update{Progress: 0.4, StatusText: "正在定制简历"})

	resp, err := a.deps.generate(ctx, llm.Request{
		Goal:      req.Goal(),
		Skill:     SkillResumeTailoring,
		Context:   contextCards,
		History:   historyFromMetadata(req.Metadata),
		Knowledge: a.deps.knowledgeCards(req.Goal(), SkillResumeTailoring),
	})
	if err != nil {
		return nil, err
	}

	appID := ""
	if a.deps.Docs != nil {
		appID, err = a.deps.Docs.SaveApplication(ctx, docstore.Application{
			UserID:      req.UserID,
			JobID:       metadataString(req.Metadata, "job_id"),
			TaskID:      req.TaskID,
			CoverLetter: resp.Reply,
			Status:      "draft",
		})
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		Thought: resp.Thought,
		Reply:   resp.Reply,
		Skills:  []string{SkillResumeTailoring},
		Artifacts: []protocol.Artifact{
			textArtifact(0, resp.Reply, map[string]any{"type": docstore.TypeApplication, "application_id": appID}),
		},
	}, nil
}

// InterviewAgent 进行模拟面试并产出评估报告。
type InterviewAgent struct {
	deps WorkerDeps
}

// NewInterviewAgent 创建面试准备智能体。
func NewInterviewAgent(deps WorkerDeps) *InterviewAgent {
	return &InterviewAgent{deps: deps}
}

// Card 返回面试准备智能体的名片。
func (a *InterviewAgent) Card() protocol.AgentCard {
	return protocol.AgentCard{
		Name:         "interview",
		Description:  "生成模拟面试问题与评估报告",
		Version:      a.deps.version(),
		Capabilities: protocol.AgentCapabilities{Streaming: true},
		Skills: []protocol.AgentSkill{{
			ID:       SkillInterviewPrep,
			Name:     "面试准备",
			Tags:     []string{"interview"},
			Examples: []string{"帮我准备后端工程师面试"},
		}},
	}
}

// Invoke 生成面试报告并持久化。
func (a *InterviewAgent) Invoke(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	contextCards, _ := a.deps.profileContext(ctx, req.UserID)
	emit.Emit(Update{Progress: 0.4, StatusText: "正在准备面试材料"})

	resp, err := a.deps.generate(ctx, llm.Request{
		Goal:      req.Goal(),
		Skill:     SkillInterviewPrep,
		Context:   contextCards,
		History:   historyFromMetadata(req.Metadata),
		Knowledge: a.deps.knowledgeCards(req.Goal(), SkillInterviewPrep),
	})
	if err != nil {
		return nil, err
	}

	reportID := ""
	if a.deps.Docs != nil {
		reportID, err = a.deps.Docs.SaveInterviewReport(ctx, docstore.InterviewReport{
			UserID:   req.UserID,
			TaskID:   req.TaskID,
			Role:     metadataString(req.Metadata, "role"),
			Feedback: resp.Reply,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		Thought: resp.Thought,
		Reply:   resp.Reply,
		Skills:  []string{SkillInterviewPrep},
		Artifacts: []protocol.Artifact{
			textArtifact(0, resp.Reply, map[string]any{"type": docstore.TypeInterviewReport, "report_id": reportID}),
		},
	}, nil
}

// OutreachAgent 起草发给招聘方的触达消息。
type OutreachAgent struct {
	deps WorkerDeps
}

// NewOutreachAgent 创建触达智能体。
func NewOutreachAgent(deps WorkerDeps) *OutreachAgent {
	return &OutreachAgent{deps: deps}
}

// Card 返回触达智能体的名片。
func (a *OutreachAgent) Card() protocol.AgentCard {
	return protocol.AgentCard{
		Name:         "outreach",
		Description:  "起草发给招聘方或内推人的消息",
		Version:      a.deps.version(),
		Capabilities: protocol.AgentCapabilities{Streaming: true},
		Skills: []protocol.AgentSkill{{
			ID:       SkillRecruiterOutreach,
			Name:     "招聘触达",
			Tags:     []string{"outreach", "networking"},
			Examples: []string{"帮我给这家公司的 HR 写一封自荐信"},
		}},
	}
}

// Invoke 起草触达消息并持久化。
func (a *OutreachAgent) Invoke(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	contextCards, _ := a.deps.profileContext(ctx, req.UserID)
	emit.Emit(Update{Progress: 0.4, StatusText: "正在起草触达消息"})

	resp, err := a.deps.generate(ctx, llm.Request{
		Goal:      req.Goal(),
		Skill:     SkillRecruiterOutreach,
		Context:   contextCards,
		History:   historyFromMetadata(req.Metadata),
		Knowledge: a.deps.knowledgeCards(req.Goal(), SkillRecruiterOutreach),
	})
	if err != nil {
		return nil, err
	}

	msgID := ""
	if a.deps.Docs != nil {
		msgID, err = a.deps.Docs.SaveOutreachMessage(ctx, docstore.OutreachMessage{
			UserID:    req.UserID,
			TaskID:    req.TaskID,
			Recipient: metadataString(req.Metadata, "recipient"),
			Channel:   metadataString(req.Metadata, "channel"),
			Body:      resp.Reply,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		Thought: resp.Thought,
		Reply:   resp.Reply,
		Skills:  []string{SkillRecruiterOutreach},
		Artifacts: []protocol.Artifact{
			textArtifact(0, resp.Reply, map[string]any{"type": docstore.TypeOutreachMessage, "message_id": msgID}),
		},
	}, nil
}

var (
	_ Agent = (*MatcherAgent)(nil)
	_ Agent = (*TailorAgent)(nil)
	_ Agent = (*InterviewAgent)(nil)
	_ Agent = (*OutreachAgent)(nil)
)
