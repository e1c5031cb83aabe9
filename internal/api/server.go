package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"CareerCopilot/internal/agent"
	"CareerCopilot/internal/auth"
	"CareerCopilot/internal/conversation"
	"CareerCopilot/internal/docstore"
	"CareerCopilot/internal/observability/metrics"
	"CareerCopilot/internal/protocol"
	"CareerCopilot/internal/task"
)

const defaultMaxBodyBytes = 10 << 20 // 10 MiB

// Config 配置前门 HTTP 服务。
type Config struct {
	Addr         string
	MaxBodyBytes int64
	// RateLimit 是每个客户端每秒允许的请求数，RateBurst 是突发容量。
	RateLimit float64
	RateBurst int
}

// Deps 聚合服务依赖。
type Deps struct {
	Tasks         *task.Service
	Conversations *conversation.Service
	Registry      *agent.Registry
	Docs          docstore.Store
	Card          protocol.AgentCard
	Auth          *auth.Service
	Metrics       *metrics.Collector
}

// Server 暴露 JSON-RPC 前门与 UI 服务接口。
type Server struct {
	cfg           Config
	tasks         *task.Service
	conversations *conversation.Service
	registry      *agent.Registry
	docs          docstore.Store
	card          protocol.AgentCard
	auth          *auth.Service
	collector     *metrics.Collector
	limiter       *visitorLimiter
	handler       http.Handler
}

// NewServer 构造前门服务实例。
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	s := &Server{
		cfg:           cfg,
		tasks:         deps.Tasks,
		conversations: deps.Conversations,
		registry:      deps.Registry,
		docs:          deps.Docs,
		card:          deps.Card,
		auth:          deps.Auth,
		collector:     deps.Metrics,
		limiter:       newVisitorLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
	s.handler = s.buildHandler()
	return s
}

// Handler 返回完整的处理链，测试时可直接挂到 httptest.Server 上。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// buildHandler 组装路由与中间件链。
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	// 公开端点。
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("/auth/token", s.handleAuthToken)
	if s.collector != nil {
		mux.Handle("/metrics", s.collector.Handler())
	}

	// 需要认证的端点。
	mux.Handle("/a2a", s.protect("a2a", nil, http.HandlerFunc(s.handleRPC)))
	mux.Handle("/conversation/create", s.protect("conversation_create", nil, s.post(s.handleConversationCreate)))
	mux.Handle("/conversation/list", s.protect("conversation_list", nil, s.post(s.handleConversationList)))
	mux.Handle("/message/send", s.protect("message_send", nil, s.post(s.handleMessageSend)))
	mux.Handle("/message/list", s.protect("message_list", nil, s.post(s.handleMessageList)))
	mux.Handle("/message/pending", s.protect("message_pending", nil, s.post(s.handleMessagePending)))
	mux.Handle("/events/get", s.protect("events_get", nil, s.post(s.handleEventsGet)))
	mux.Handle("/task/list", s.protect("task_list", nil, s.post(s.handleTaskList)))
	mux.Handle("/profile/save", s.protect("profile_save", nil, s.post(s.handleProfileSave)))
	mux.Handle("/profile/get", s.protect("profile_get", nil, s.post(s.handleProfileGet)))
	mux.Handle("/job/ingest", s.protect("job_ingest",
		map[string][]string{http.MethodPost: {"jobs:ingest"}}, s.post(s.handleJobIngest)))
	mux.Handle("/job/list", s.protect("job_list", nil, s.post(s.handleJobList)))
	mux.Handle("/agent/register", s.protect("agent_register",
		map[string][]string{http.MethodPost: {"agents:register"}}, s.post(s.handleAgentRegister)))
	mux.Handle("/agent/list", s.protect("agent_list", nil, s.post(s.handleAgentList)))

	var handler http.Handler = mux
	handler = s.observe(handler)
	handler = s.rateLimit(handler)
	handler = limitBody(s.cfg.MaxBodyBytes, handler)
	handler = securityHeaders(handler)
	return handler
}

// protect 给端点套上认证与审计中间件。
func (s *Server) protect(event string, perms map[string][]string, next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: perms,
		AuditEvent:          event,
	})(next)
}

// post 限制端点只接受 POST。
func (s *Server) post(handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 定期清理限流器里的过期客户端。
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiter.sweep(10 * time.Minute)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleHealthz 返回存活探针。
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleAgentCard 返回编排智能体的名片。
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.card)
}
