package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"CareerCopilot/internal/agent"
	"CareerCopilot/internal/api"
	"CareerCopilot/internal/auth"
	"CareerCopilot/internal/config"
	"CareerCopilot/internal/conversation"
	"CareerCopilot/internal/docstore"
	"CareerCopilot/internal/knowledge"
	"CareerCopilot/internal/llm/openai"
	"CareerCopilot/internal/observability/alerting"
	"CareerCopilot/internal/observability/metrics"
	"CareerCopilot/internal/task"
	"CareerCopilot/pkg/logger"
)

const version = "0.1.0"

// main 是求职助理守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("careerd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CAREERD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "careerd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Service:     "careerd",
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	collector := metrics.NewCollector(cfg.Runtime.MetricsNamespace)

	// 认证服务。
	authSvc, err := buildAuth(ctx, cfg)
	if err != nil {
		return err
	}

	// 任务库。
	taskStore, err := buildTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer taskStore.Close()

	// 文档库。
	docs, err := buildDocStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer docs.Close(context.Background())

	// 任务队列。
	taskQueue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	// 大模型客户端。
	llmClient, err := openai.NewClient(openai.Config{
		APIKey:  cfg.LLM.OpenAI.ResolveAPIKey(),
		BaseURL: cfg.LLM.OpenAI.BaseURL,
		Model:   cfg.LLM.OpenAI.Model,
		Timeout: cfg.LLM.OpenAI.Timeout(),
	}, openai.WithMetricsCollector(collector))
	if err != nil {
		return err
	}

	// 知识库。
	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	// 智能体注册表与编排器。
	deps := agent.WorkerDeps{
		LLM:       llmClient,
		Docs:      docs,
		Knowledge: knowledgeProvider,
		Version:   version,
	}
	registry := agent.NewRegistry()
	for _, worker := range []agent.Agent{
		agent.NewMatcherAgent(deps),
		agent.NewTailorAgent(deps),
		agent.NewInterviewAgent(deps),
		agent.NewOutreachAgent(deps),
	} {
		if err := registry.RegisterLocal(worker); err != nil {
			return err
		}
	}
	orchestrator := agent.NewOrchestratorAgent(deps, registry, cfg.Server.BaseURL)

	roster, err := config.LoadRoster(cfg.Agents.Roster)
	if err != nil {
		return err
	}
	for _, remote := range roster.Agents {
		if _, err := registry.RegisterRemote(ctx, remote.URL); err != nil {
			// 启动时远端不可达不算致命，探活会持续重试。
			logger.L().Warn("注册远端智能体失败",
				slog.String("url", remote.URL),
				slog.Any("error", err),
			)
		}
	}

	// 告警。
	var dispatcher alerting.Dispatcher
	if cfg.Alerting.Webhook.URL != "" {
		dispatcher = alerting.NewFanout(&alerting.WebhookNotifier{URL: cfg.Alerting.Webhook.URL})
	}

	// 任务服务与处理器。
	broker := task.NewBroker(32)
	taskService := task.NewService(taskStore, taskQueue, broker, cfg.Storage.TaskStore.MaxRetries)
	runtime := agent.NewRuntime(registry, orchestrator)
	processor := task.NewProcessor(runtime, taskStore, taskQueue, taskQueue, broker,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithAlertDispatcher(dispatcher),
		task.WithMetricsCollector(collector),
	)

	conversations := conversation.NewService(docs, taskService)
	defer conversations.Close()
	if err := conversations.Restore(ctx); err != nil {
		return err
	}

	server := api.NewServer(api.Config{
		Addr:         cfg.Server.Address,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
	}, api.Deps{
		Tasks:         taskService,
		Conversations: conversations,
		Registry:      registry,
		Docs:          docs,
		Card:          orchestrator.Card(),
		Auth:          authSvc,
		Metrics:       collector,
	})

	logger.L().Info("careerd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.String("doc_store", cfg.Storage.DocStore.Driver),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.String("auth_mode", cfg.Auth.Mode),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start(groupCtx)
	})
	group.Go(func() error {
		return processor.Start(groupCtx)
	})
	if interval := cfg.Agents.ProbeInterval(); interval > 0 {
		group.Go(func() error {
			return registry.StartProbe(groupCtx, interval)
		})
	}
	group.Go(func() error {
		return reportQueueDepth(groupCtx, taskQueue, collector)
	})

	return group.Wait()
}

// reportQueueDepth 周期性刷新队列深度指标。
func reportQueueDepth(ctx context.Context, queue task.Queue, collector *metrics.Collector) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			switch q := queue.(type) {
			case task.DepthReporter:
				collector.SetQueueDepth(q.Depth())
			case task.RemoteDepthReporter:
				if depth, err := q.Depth(ctx); err == nil {
					collector.SetQueueDepth(int(depth))
				}
			}
		}
	}
}

func buildAuth(ctx context.Context, cfg *config.Config) (*auth.Service, error) {
	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}
	store, err := auth.NewMemoryStore(nil)
	if err != nil {
		return nil, err
	}
	return auth.NewService(ctx, auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:     cfg.ResolveJWTSecret(),
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTL,
			RefreshTTL: cfg.Auth.JWT.RefreshTTL,
		},
		Seeds: seeds,
	}, store)
}

func buildTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
	case "mongo":
		return task.NewMongoStore(ctx, task.MongoStoreConfig{
			URI:        cfg.Storage.TaskStore.URI,
			Database:   cfg.Storage.TaskStore.Database,
			Collection: cfg.Storage.TaskStore.Collection,
		})
	default:
		return nil, fmt.Errorf("未知的任务库驱动: %s", cfg.Storage.TaskStore.Driver)
	}
}

func buildDocStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	switch cfg.Storage.DocStore.Driver {
	case "memory":
		return docstore.NewMemoryStore(), nil
	case "mongo":
		return docstore.NewMongoStore(ctx, docstore.MongoConfig{
			URI:      cfg.Storage.DocStore.URI,
			Database: cfg.Storage.DocStore.Database,
		})
	default:
		return nil, fmt.Errorf("未知的文档库驱动: %s", cfg.Storage.DocStore.Driver)
	}
}

func buildQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}
