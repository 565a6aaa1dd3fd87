package bootstrap

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"Neural-Reflexion/internal/agent"
	"Neural-Reflexion/internal/auth"
	"Neural-Reflexion/internal/config"
	xerrors "Neural-Reflexion/internal/errors"
	"Neural-Reflexion/internal/llm"
	"Neural-Reflexion/internal/llm/gemini"
	"Neural-Reflexion/internal/llm/openai"
	"Neural-Reflexion/internal/llm/pythonbridge"
	"Neural-Reflexion/internal/observability/alerting"
	"Neural-Reflexion/internal/observability/metrics"
	"Neural-Reflexion/internal/search"
	storagemysql "Neural-Reflexion/internal/storage/mysql"
	storageredis "Neural-Reflexion/internal/storage/redis"
	"Neural-Reflexion/internal/task"
	"Neural-Reflexion/internal/tools"
	"Neural-Reflexion/pkg/logger"
)

// InitLogger 按配置初始化全局日志。
func InitLogger(cfg *config.Config) error {
	return logger.Init(LoggerConfig(cfg.Logging))
}

// LoggerConfig 把配置文件中的日志段转换为 pkg/logger 的配置。
func LoggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.Outputs,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		},
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		},
	}
}

// NeedsRedis 判断当前配置是否需要 Redis 连接。
func NeedsRedis(cfg *config.Config) bool {
	return cfg.TaskQueue.Driver == "redis" || cfg.Search.Cache.Enabled
}

// OpenRedis 按配置连接 Redis；配置不需要 Redis 时返回 nil。
func OpenRedis(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	if !NeedsRedis(cfg) {
		return nil, nil
	}
	return storageredis.NewClient(ctx, storageredis.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// NewLLMClient 根据 provider 创建生成模型客户端。
func NewLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "gemini":
		client, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:  cfg.LLM.Gemini.ResolveAPIKey(),
			Model:   cfg.LLM.Gemini.Model,
			BaseURL: cfg.LLM.Gemini.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.OpenAI.ResolveAPIKey(),
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		client, err := pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("未知的大模型 provider: %s", cfg.LLM.Provider))
	}
}

// NewSearchProvider 创建检索服务并按配置叠加限流与缓存。rdb 为 nil 时不启用缓存。
func NewSearchProvider(cfg *config.Config, rdb goredis.UniversalClient) (search.Provider, error) {
	var (
		provider search.Provider
		err      error
	)
	switch cfg.Search.Provider {
	case "tavily":
		var tavily *search.Tavily
		tavily, err = search.NewTavily(search.TavilyConfig{
			APIKey:   cfg.Search.Tavily.ResolveAPIKey(),
			Depth:    cfg.Search.Tavily.Depth,
			Endpoint: cfg.Search.Tavily.BaseURL,
		})
		provider = tavily
	case "brave":
		var brave *search.Brave
		brave, err = search.NewBrave(search.BraveConfig{
			APIKey:   cfg.Search.Brave.ResolveAPIKey(),
			Endpoint: cfg.Search.Brave.BaseURL,
		})
		provider = brave
	case "static":
		var static *search.StaticProvider
		static, err = search.LoadStaticProvider(cfg.Search.Static.Source)
		provider = static
	default:
		return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("未知的检索 provider: %s", cfg.Search.Provider))
	}
	if err != nil {
		return nil, err
	}

	provider = search.NewRateLimited(provider, cfg.Search.RatePerSecond)
	if cfg.Search.Cache.Enabled && rdb != nil {
		provider = search.NewCached(provider, rdb, cfg.Search.Cache.TTL(), cfg.Search.Cache.Prefix)
	}
	return provider, nil
}

// NewAgent 组装反思循环：生成模型、检索执行器与停止条件都来自配置，调用结果写入 m。
func NewAgent(ctx context.Context, cfg *config.Config, m *metrics.Metrics, rdb goredis.UniversalClient, opts ...agent.Option) (*agent.Agent, error) {
	client, err := NewLLMClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	provider, err := NewSearchProvider(cfg, rdb)
	if err != nil {
		return nil, err
	}
	executor := tools.NewExecutor(search.Observe(provider, m.ObserveSearch),
		tools.WithMaxResults(cfg.Search.MaxResults),
		tools.WithPerQuery(cfg.Search.PerQuery),
		tools.WithTimeout(cfg.Search.Timeout()),
		tools.WithFailureHook(func(f tools.QueryFailure) {
			m.ObserveQueryFailure(f.Code)
		}),
	)

	agentOpts := []agent.Option{
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithEpsilon(cfg.Agent.Epsilon),
		agent.WithPlateauPatience(cfg.Agent.PlateauPatience),
		agent.WithTargetWords(cfg.Agent.TargetWords),
		agent.WithLLMTimeout(cfg.LLM.Timeout()),
	}
	agentOpts = append(agentOpts, opts...)
	return agent.New(llm.Observe(client, m.ObserveLLMCall), executor, agentOpts...), nil
}

// NewStore 根据驱动创建任务存储。
func NewStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	storeCfg := cfg.Storage.TaskStore
	switch storeCfg.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		store, err := task.OpenMySQLStore(ctx, storagemysql.Config{
			DSN:             storeCfg.DSN,
			MaxOpenConns:    storeCfg.MaxOpenConns,
			MaxIdleConns:    storeCfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(storeCfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(storeCfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("未知的任务存储驱动: %s", storeCfg.Driver))
	}
}

// NewQueue 根据驱动创建任务队列。redis 驱动需要传入共享客户端。
func NewQueue(ctx context.Context, cfg *config.Config, rdb goredis.UniversalClient) (task.Queue, error) {
	queueCfg := cfg.TaskQueue
	switch queueCfg.Driver {
	case "memory":
		return task.NewMemoryQueue(queueCfg.Buffer), nil
	case "redis":
		queue, err := task.NewRedisQueue(rdb, task.RedisQueueConfig{
			Queue:     queueCfg.Redis.Queue,
			BlockWait: time.Duration(queueCfg.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if recovered, err := queue.Recover(ctx); err != nil {
			logger.L().Warn("恢复处理中任务失败", slog.Any("error", err))
		} else if recovered > 0 {
			logger.L().Info("已恢复处理中任务", slog.Int("count", recovered))
		}
		return queue, nil
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        queueCfg.RabbitMQ.URL,
			Queue:      queueCfg.RabbitMQ.Queue,
			Prefetch:   queueCfg.RabbitMQ.Prefetch,
			Durable:    queueCfg.RabbitMQ.Durable,
			AutoDelete: queueCfg.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfig, fmt.Sprintf("未知的队列驱动: %s", queueCfg.Driver))
	}
}

// NewAlerts 创建告警派发器：总是写审计日志，配置了 webhook 时同时推送。
func NewAlerts(cfg *config.Config, m *metrics.Metrics) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout()))
	}
	return alerting.NewFanout(notifiers...).OnDispatch(m.ObserveAlert)
}

// NewAuth 根据 server.tokens 创建 API 认证服务，未配置 Token 时认证关闭。
func NewAuth(cfg *config.Config) (*auth.Service, error) {
	tokens := make([]auth.TokenConfig, 0, len(cfg.Server.Tokens))
	for _, t := range cfg.Server.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Name:     t.Name,
			Token:    t.Token,
			TokenEnv: t.TokenEnv,
			Scopes:   t.Scopes,
		})
	}
	return auth.NewService(tokens)
}

// Daemon 汇总守护进程运行所需的全部组件。
type Daemon struct {
	Config    *config.Config
	Metrics   *metrics.Metrics
	Agent     *agent.Agent
	Store     task.Store
	Queue     task.Queue
	Processor *task.Processor
	Service   *task.Service
	Auth      *auth.Service

	redis *goredis.Client
}

// NewDaemon 按配置组装守护进程。失败时已经创建的资源会被释放。
func NewDaemon(ctx context.Context, cfg *config.Config) (_ *Daemon, err error) {
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "创建数据目录失败")
	}

	d := &Daemon{Config: cfg, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if d.Auth, err = NewAuth(cfg); err != nil {
		return nil, err
	}

	if d.redis, err = OpenRedis(ctx, cfg); err != nil {
		return nil, err
	}
	var rdb goredis.UniversalClient
	if d.redis != nil {
		rdb = d.redis
	}

	d.Agent, err = NewAgent(ctx, cfg, d.Metrics, rdb)
	if err != nil {
		return nil, err
	}
	if d.Store, err = NewStore(ctx, cfg); err != nil {
		return nil, err
	}
	if d.Queue, err = NewQueue(ctx, cfg, rdb); err != nil {
		return nil, err
	}

	d.Processor = task.NewProcessor(d.Agent, d.Store, d.Queue, d.Queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithAlertDispatcher(NewAlerts(cfg, d.Metrics)),
		task.WithMetrics(d.Metrics),
	)
	d.Service = task.NewService(d.Store, d.Queue, cfg.Storage.TaskStore.Retries, task.WithCanceller(d.Processor))
	return d, nil
}

// Close 依次关闭任务服务与 Redis 连接。
func (d *Daemon) Close() error {
	var errs []error
	switch {
	case d.Service != nil:
		errs = append(errs, d.Service.Close())
	default:
		if d.Store != nil {
			errs = append(errs, d.Store.Close())
		}
		if d.Queue != nil {
			errs = append(errs, d.Queue.Close())
		}
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	return stdErrors.Join(errs...)
}
