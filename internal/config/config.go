package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"AgentFlow/internal/auth"
)

// Config 描述了 AgentFlow 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Metrics  MetricsConfig  `json:"metrics"`
	LLM      LLMConfig      `json:"llm"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Cache    CacheConfig    `json:"cache"`
	Pipeline PipelineConfig `json:"pipeline"`
	Alerting AlertingConfig `json:"alerting"`
	Auth     auth.Config    `json:"auth"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
	// ToolsFile 指向 YAML 格式的工具注册表配置。
	ToolsFile string `json:"tools_file"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标服务的独立监听地址，留空则不启动。
type MetricsConfig struct {
	Address string `json:"address"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ResolveAPIKey 返回配置中的密钥，优先使用内联值，否则读取环境变量。
func (c LLMConfig) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv != "" {
		return os.Getenv(c.APIKeyEnv)
	}
	return ""
}

// StorageConfig 统一描述对话与任务状态的持久化后端。
type StorageConfig struct {
	Conversations ConversationStoreConfig `json:"conversations"`
	TaskStore     TaskStoreConfig         `json:"task_store"`
}

// ConversationStoreConfig 配置对话记录的存储方式。
type ConversationStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// TaskStoreConfig 配置任务状态的存储方式。
type TaskStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 配置异步任务使用的消息队列。
type QueueConfig struct {
	Driver   string              `json:"driver"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// CacheConfig 配置检索与回答结果的缓存。
type CacheConfig struct {
	Driver             string `json:"driver"`
	Address            string `json:"address"`
	Password           string `json:"password"`
	DB                 int    `json:"db"`
	AnswerTTLSeconds   int    `json:"answer_ttl_seconds"`
	RetrieveTTLSeconds int    `json:"retrieve_ttl_seconds"`
}

// PipelineConfig 控制问答流水线的运行参数。
type PipelineConfig struct {
	MemoryDepth        int `json:"memory_depth"`
	LLMTimeoutSeconds  int `json:"llm_timeout_seconds"`
	ToolTimeoutSeconds int `json:"tool_timeout_seconds"`
	MaxResults         int `json:"max_results"`
	SummaryLimit       int `json:"summary_limit"`
	MaxRetries         int `json:"max_retries"`
	Workers            int `json:"workers"`
}

// AlertingConfig 配置任务失败时的告警推送。
type AlertingConfig struct {
	WebhookURL            string `json:"webhook_url"`
	WebhookTimeoutSeconds int    `json:"webhook_timeout_seconds"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.Storage.Conversations.Driver == "" {
		c.Storage.Conversations.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}

	if c.Pipeline.MemoryDepth <= 0 {
		c.Pipeline.MemoryDepth = 5
	}
	if c.Pipeline.MaxRetries <= 0 {
		c.Pipeline.MaxRetries = 3
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.ToolsFile == "" {
		c.ToolsFile = filepath.Join(baseDir, "tools.yaml")
	} else if !filepath.IsAbs(c.ToolsFile) {
		c.ToolsFile = filepath.Join(baseDir, c.ToolsFile)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
