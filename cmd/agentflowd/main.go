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
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"AgentFlow/internal/api"
	"AgentFlow/internal/auth"
	"AgentFlow/internal/config"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/llm/openai"
	"AgentFlow/internal/observability/alerting"
	"AgentFlow/internal/observability/metrics"
	"AgentFlow/internal/pipeline"
	"AgentFlow/internal/storage/mysql"
	rediscache "AgentFlow/internal/storage/redis"
	"AgentFlow/internal/task"
	"AgentFlow/internal/tool"
	"AgentFlow/pkg/logger"
)

// main 是 AgentFlow 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentflowd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 文件不存在时静默忽略，环境变量优先级高于文件。
	_ = godotenv.Load()

	configPath := os.Getenv("AGENTFLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentflow.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
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
	defer logger.Sync()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 工具注册表由 YAML 配置驱动。
	registryCfg, err := tool.LoadRegistryConfig(cfg.ToolsFile)
	if err != nil {
		return err
	}
	registry, err := tool.BuildRegistry(ctx, registryCfg)
	if err != nil {
		return err
	}

	conversations, closeConversations, err := createConversationRepository(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	defer closeConversations()

	cache, err := createCache(ctx, cfg)
	if err != nil {
		return err
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithMemoryDepth(cfg.Pipeline.MemoryDepth),
	}
	if cfg.Pipeline.LLMTimeoutSeconds > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithLLMTimeout(time.Duration(cfg.Pipeline.LLMTimeoutSeconds)*time.Second))
	}
	if cfg.Pipeline.ToolTimeoutSeconds > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithToolTimeout(time.Duration(cfg.Pipeline.ToolTimeoutSeconds)*time.Second))
	}
	if cfg.Pipeline.MaxResults > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithMaxResults(cfg.Pipeline.MaxResults))
	}
	if cfg.Pipeline.SummaryLimit > 0 {
		pipelineOpts = append(pipelineOpts, pipeline.WithSummaryLimit(cfg.Pipeline.SummaryLimit))
	}
	if cache != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithCache(cache,
			time.Duration(cfg.Cache.AnswerTTLSeconds)*time.Second,
			time.Duration(cfg.Cache.RetrieveTTLSeconds)*time.Second))
	}

	p := pipeline.New(llmClient, registry, conversations, pipelineOpts...)

	taskStore, err := createTaskStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if taskStore != nil {
			_ = taskStore.Close()
		}
	}()

	taskQueue, err := createTaskQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if taskQueue != nil {
			if err := taskQueue.Close(); err != nil {
				logger.L().Warn("关闭任务队列失败", slog.String("error", err.Error()))
			}
		}
	}()

	taskService := task.NewService(taskStore, taskQueue, cfg.Pipeline.MaxRetries)

	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.Pipeline.Workers),
	}
	if cfg.Alerting.WebhookURL != "" {
		dispatcher := alerting.NewFanout(&alerting.WebhookNotifier{
			URL:     cfg.Alerting.WebhookURL,
			Timeout: time.Duration(cfg.Alerting.WebhookTimeoutSeconds) * time.Second,
		})
		processorOpts = append(processorOpts, task.WithAlertDispatcher(dispatcher))
	}
	processor := task.NewProcessor(p, taskStore, taskQueue, taskQueue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.String("error", err.Error()))
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.String("error", err.Error()))
			}
		}()
	}

	serverOpts := []api.Option{
		api.WithTaskService(taskService),
		api.WithToolLister(registry.Names),
	}
	if cfg.Auth.Mode != auth.ModeDisabled {
		authService, err := auth.NewService(cfg.Auth)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, api.WithAuth(authService))
	}

	server := api.NewServer(cfg.Server.Address, p, serverOpts...)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.ResolveAPIKey())
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createConversationRepository(ctx context.Context, cfg *config.Config, dataDir string) (mysql.ConversationRepository, func(), error) {
	switch cfg.Storage.Conversations.Driver {
	case "", "memory":
		repo, err := mysql.NewMemoryConversationRepository(dataDir)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	case "mysql":
		repo, err := mysql.NewSQLConversationRepository(ctx, mysql.Config{DSN: cfg.Storage.Conversations.DSN})
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, mysql.ErrUnsupportedDriver
	}
}

func createCache(ctx context.Context, cfg *config.Config) (rediscache.Cache, error) {
	switch cfg.Cache.Driver {
	case "none":
		return nil, nil
	case "", "memory":
		return rediscache.NewMemoryCache(), nil
	case "redis":
		return rediscache.NewRedisCache(ctx, rediscache.CacheConfig{
			Address:  cfg.Cache.Address,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Cache.Driver)
	}
}

func createTaskStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

func createTaskQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
