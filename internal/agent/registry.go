package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/internal/protocol"
	"CareerCopilot/pkg/logger"
)

// Status 表示注册表中智能体的健康状态。
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Info 是注册表对外暴露的智能体信息。
type Info struct {
	Card     protocol.AgentCard `json:"card"`
	Endpoint string             `json:"endpoint,omitempty"`
	Status   Status             `json:"status"`
	LastSeen int64              `json:"last_seen,omitempty"`
}

// CodeAgentNotFound 表示没有智能体能承接请求的技能。
const CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "no agent registered for skill",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// ErrAgentNotFound 表示指定技能没有对应的智能体。
var ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "没有注册能处理该技能的智能体")

type registryEntry struct {
	agent Agent
	info  Info
}

// Registry 管理本地与远程智能体，按技能路由请求。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry // key 为智能体名称
	skills  map[string]string         // 技能 ID -> 智能体名称
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		skills:  make(map[string]string),
	}
}

// RegisterLocal 注册进程内的智能体。本地智能体始终在线。
func (r *Registry) RegisterLocal(agent Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	card := agent.Card()
	if strings.TrimSpace(card.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[card.Name] = &registryEntry{
		agent: agent,
		info: Info{
			Card:     card,
			Status:   StatusOnline,
			LastSeen: time.Now().Unix(),
		},
	}
	for _, skill := range card.Skills {
		r.skills[skill.ID] = card.Name
	}
	return nil
}

// RegisterRemote 按地址注册远程智能体：拉取其 agent.json 名片后加入注册表。
func (r *Registry) RegisterRemote(ctx context.Context, endpoint string) (*Info, error) {
	card, err := FetchAgentCard(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	remote := NewRemoteAgent(endpoint, *card)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry := &registryEntry{
		agent: remote,
		info: Info{
			Card:     *card,
			Endpoint: endpoint,
			Status:   StatusOnline,
			LastSeen: time.Now().Unix(),
		},
	}
	r.entries[card.Name] = entry
	for _, skill := range card.Skills {
		r.skills[skill.ID] = card.Name
	}
	info := entry.info
	return &info, nil
}

// Resolve 按技能 ID 返回能够处理该技能的智能体。
func (r *Registry) Resolve(skill string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.skills[skill]
	if !ok {
		return nil, ErrAgentNotFound
	}
	entry, ok := r.entries[name]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return entry.agent, nil
}

// Lookup 按名称返回智能体。
func (r *Registry) Lookup(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.agent, true
}

// List 返回注册表中全部智能体的信息快照。
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.entries))
	for _, entry := range r.entries {
		infos = append(infos, entry.info)
	}
	return infos
}

// Probe 探测所有远程智能体的健康状态并更新 last_seen。
func (r *Registry) Probe(ctx context.Context) {
	r.mu.RLock()
	endpoints := make(map[string]string, len(r.entries))
	for name, entry := range r.entries {
		if entry.info.Endpoint != "" {
			endpoints[name] = entry.info.Endpoint
		}
	}
	r.mu.RUnlock()

	for name, endpoint := range endpoints {
		status := StatusOnline
		if _, err := FetchAgentCard(ctx, endpoint); err != nil {
			status = StatusError
			logger.L().Warn("远程智能体探测失败",
				slog.String("agent", name),
				slog.String("endpoint", endpoint),
				slog.Any("error", err),
			)
		}
		r.mu.Lock()
		if entry, ok := r.entries[name]; ok {
			entry.info.Status = status
			if status == StatusOnline {
				entry.info.LastSeen = time.Now().Unix()
			}
		}
		r.mu.Unlock()
	}
}

// StartProbe 以固定间隔探测远程智能体，直到上下文取消。
func (r *Registry) StartProbe(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Probe(ctx)
		}
	}
}
