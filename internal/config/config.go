package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述守护进程启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue QueueConfig     `json:"task_queue"`
	LLM       LLMConfig       `json:"llm"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Agents    AgentsConfig    `json:"agents"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制前门 HTTP 服务的监听参数。
type ServerConfig struct {
	Address      string  `json:"address"`
	BaseURL      string  `json:"base_url"`
	MaxBodyBytes int64   `json:"max_body_bytes"`
	RateLimit    float64 `json:"rate_limit"`
	RateBurst    int     `json:"rate_burst"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// AuthConfig 描述认证模式与本地 JWT 参数。
type AuthConfig struct {
	Mode  string       `json:"mode"`
	JWT   JWTConfig    `json:"jwt"`
	Seeds []SeedConfig `json:"seeds"`
}

// JWTConfig 是本地签发 JWT 所需的参数。
type JWTConfig struct {
	Secret     string   `json:"secret"`
	SecretEnv  string   `json:"secret_env"`
	Issuer     string   `json:"issuer"`
	Audience   []string `json:"audience"`
	AccessTTL  int64    `json:"access_ttl_seconds"`
	RefreshTTL int64    `json:"refresh_ttl_seconds"`
}

// SeedConfig 定义启动时注入的账号。
type SeedConfig struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// StorageConfig 统一描述任务库与文档库的后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
	DocStore  DocStoreConfig  `json:"doc_store"`
}

// TaskStoreConfig 支持 memory、mysql、mongo 三种驱动。
type TaskStoreConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	URI        string `json:"uri"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
	MaxRetries int    `json:"max_retries"`
}

// DocStoreConfig 支持 memory 与 mongo 两种驱动。
type DocStoreConfig struct {
	Driver   string `json:"driver"`
	URI      string `json:"uri"`
	Database string `json:"database"`
}

// QueueConfig 描述任务队列驱动与工作协程数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 是 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 配置大模型调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容服务的调用参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回调用超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用配置值，其次读取环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// KnowledgeConfig 指向静态知识库文件。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// AgentsConfig 指向远端智能体名册文件与探活间隔。
type AgentsConfig struct {
	Roster               string `json:"roster"`
	ProbeIntervalSeconds int    `json:"probe_interval_seconds"`
}

// ProbeInterval 返回探活间隔。
func (c AgentsConfig) ProbeInterval() time.Duration {
	if c.ProbeIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

// AlertingConfig 配置告警通知渠道。
type AlertingConfig struct {
	Webhook WebhookConfig `json:"webhook"`
}

// WebhookConfig 是 Webhook 告警的回调地址。
type WebhookConfig struct {
	URL string `json:"url"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir          string `json:"data_dir"`
	MetricsNamespace string `json:"metrics_namespace"`
}

// Load 解析指定路径的 JSON 配置文件并填充默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.MaxRetries <= 0 {
		c.Storage.TaskStore.MaxRetries = 3
	}
	if c.Storage.DocStore.Driver == "" {
		c.Storage.DocStore.Driver = "memory"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}

	if c.Runtime.MetricsNamespace == "" {
		c.Runtime.MetricsNamespace = "careerd"
	}
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}
	if c.Agents.Roster != "" && !filepath.IsAbs(c.Agents.Roster) {
		c.Agents.Roster = filepath.Join(baseDir, c.Agents.Roster)
	}
}

// Validate 做启动前的一致性检查。
func (c *Config) Validate() error {
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.TaskStore.DSN) == "" {
			return errors.New("mysql 任务库需要配置 dsn")
		}
	case "mongo":
		if strings.TrimSpace(c.Storage.TaskStore.URI) == "" {
			return errors.New("mongo 任务库需要配置 uri")
		}
	default:
		return fmt.Errorf("未知的任务库驱动: %s", c.Storage.TaskStore.Driver)
	}

	switch c.Storage.DocStore.Driver {
	case "memory":
	case "mongo":
		if strings.TrimSpace(c.Storage.DocStore.URI) == "" {
			return errors.New("mongo 文档库需要配置 uri")
		}
	default:
		return fmt.Errorf("未知的文档库驱动: %s", c.Storage.DocStore.Driver)
	}

	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.TaskQueue.Redis.Address) == "" {
			return errors.New("redis 队列需要配置 address")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.TaskQueue.RabbitMQ.URL) == "" {
			return errors.New("rabbitmq 队列需要配置 url")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver)
	}

	mode := strings.ToLower(c.Auth.Mode)
	if mode != "disabled" && mode != "jwt" {
		return fmt.Errorf("未知的认证模式: %s", c.Auth.Mode)
	}
	if mode == "jwt" {
		secret := c.Auth.JWT.Secret
		if secret == "" && c.Auth.JWT.SecretEnv != "" {
			secret = os.Getenv(c.Auth.JWT.SecretEnv)
		}
		if strings.TrimSpace(secret) == "" {
			return errors.New("jwt 模式需要配置 secret 或 secret_env")
		}
	}
	return nil
}

// ResolveJWTSecret 返回生效的 JWT 密钥。
func (c *Config) ResolveJWTSecret() string {
	if c.Auth.JWT.Secret != "" {
		return c.Auth.JWT.Secret
	}
	if c.Auth.JWT.SecretEnv != "" {
		return os.Getenv(c.Auth.JWT.SecretEnv)
	}
	return ""
}

// RemoteAgent 是名册中一条远端智能体记录。
type RemoteAgent struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Roster 是远端智能体名册文件的结构。
type Roster struct {
	Agents []RemoteAgent `yaml:"agents"`
}

// LoadRoster 解析 YAML 名册文件，路径为空时返回空名册。
func LoadRoster(path string) (*Roster, error) {
	if path == "" {
		return &Roster{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取智能体名册失败: %w", err)
	}
	var roster Roster
	if err := yaml.Unmarshal(content, &roster); err != nil {
		return nil, fmt.Errorf("解析智能体名册失败: %w", err)
	}
	for i, entry := range roster.Agents {
		if strings.TrimSpace(entry.URL) == "" {
			return nil, fmt.Errorf("名册第 %d 条缺少 url", i+1)
		}
	}
	return &roster, nil
}
