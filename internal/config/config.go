package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "Neural-Reflexion/internal/errors"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "REFLEXION_CONFIG"

// DefaultPath 是未指定路径时读取的配置文件。
var DefaultPath = filepath.Join("configs", "reflexion.yaml")

// Config 描述反思服务启动时加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Logging   LoggingConfig   `yaml:"logging"`
	LLM       LLMConfig       `yaml:"llm"`
	Search    SearchConfig    `yaml:"search"`
	Agent     AgentConfig     `yaml:"agent"`
	Storage   StorageConfig   `yaml:"storage"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	Redis     RedisConfig     `yaml:"redis"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址与访问凭据。
type ServerConfig struct {
	Address                string           `yaml:"address"`
	ShutdownTimeoutSeconds int              `yaml:"shutdown_timeout_seconds"`
	Tokens                 []APITokenConfig `yaml:"tokens"`
}

// APITokenConfig 是一个静态 API Token。未配置任何 Token 时 API 不做认证。
type APITokenConfig struct {
	Name     string   `yaml:"name"`
	Token    string   `yaml:"token"`
	TokenEnv string   `yaml:"token_env"`
	Scopes   []string `yaml:"scopes"`
}

// ShutdownTimeout 返回优雅关闭的等待时长。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return seconds(s.ShutdownTimeoutSeconds, 5)
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig 映射到 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志文件及其轮转。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LLMConfig 选择生成模型提供方。
type LLMConfig struct {
	Provider       string             `yaml:"provider"`
	TimeoutSeconds int                `yaml:"timeout_seconds"`
	Gemini         APIKeyConfig       `yaml:"gemini"`
	OpenAI         APIKeyConfig       `yaml:"openai"`
	Python         PythonBridgeConfig `yaml:"python_bridge"`
}

// Timeout 返回单次生成调用的超时时间。
func (l LLMConfig) Timeout() time.Duration {
	return seconds(l.TimeoutSeconds, 60)
}

// APIKeyConfig 描述一个以 API Key 鉴权的远端服务。
type APIKeyConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (a APIKeyConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(a.APIKey); key != "" {
		return key
	}
	if a.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(a.APIKeyEnv))
}

// PythonBridgeConfig 描述通过外部脚本完成生成时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`
}

// SearchConfig 控制检索步骤。
type SearchConfig struct {
	Provider       string       `yaml:"provider"`
	MaxResults     int          `yaml:"max_results"`
	PerQuery       int          `yaml:"per_query"`
	TimeoutSeconds int          `yaml:"timeout_seconds"`
	RatePerSecond  float64      `yaml:"rate_per_second"`
	Tavily         TavilyConfig `yaml:"tavily"`
	Brave          APIKeyConfig `yaml:"brave"`
	Static         StaticConfig `yaml:"static"`
	Cache          CacheConfig  `yaml:"cache"`
}

// Timeout 返回单条检索的超时时间。
func (s SearchConfig) Timeout() time.Duration {
	return seconds(s.TimeoutSeconds, 15)
}

// TavilyConfig 在 API Key 之外补充检索深度。
type TavilyConfig struct {
	APIKeyConfig `yaml:",inline"`
	Depth        string `yaml:"depth"`
}

// StaticConfig 指向离线检索语料。
type StaticConfig struct {
	Source string `yaml:"source"`
}

// CacheConfig 控制基于 Redis 的检索结果缓存。
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	Prefix     string `yaml:"prefix"`
}

// TTL 返回缓存过期时间。
func (c CacheConfig) TTL() time.Duration {
	return seconds(c.TTLSeconds, 3600)
}

// AgentConfig 对应循环控制器的停止条件与评分目标。
type AgentConfig struct {
	MaxIterations   int     `yaml:"max_iterations"`
	Epsilon         float64 `yaml:"epsilon"`
	PlateauPatience int     `yaml:"plateau_patience"`
	TargetWords     int     `yaml:"target_words"`
}

// StorageConfig 描述任务存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `yaml:"task_store"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `yaml:"conn_max_idle_time_seconds"`
	Retries                int    `yaml:"retries"`
}

// TaskQueueConfig 描述任务队列驱动。
type TaskQueueConfig struct {
	Driver   string              `yaml:"driver"`
	Workers  int                 `yaml:"workers"`
	Buffer   int                 `yaml:"buffer"`
	Redis    RedisQueueConfig    `yaml:"redis"`
	RabbitMQ RabbitMQQueueConfig `yaml:"rabbitmq"`
}

// RedisQueueConfig 只描述队列名等队列专属参数，连接信息取自顶层 redis 配置。
type RedisQueueConfig struct {
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 连接与队列属性。
type RabbitMQQueueConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// RedisConfig 是任务队列与检索缓存共用的连接信息。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AlertingConfig 控制失败告警的投递渠道。
type AlertingConfig struct {
	WebhookURL            string `yaml:"webhook_url"`
	WebhookTimeoutSeconds int    `yaml:"webhook_timeout_seconds"`
}

// WebhookTimeout 返回 webhook 请求的超时时间。
func (a AlertingConfig) WebhookTimeout() time.Duration {
	return seconds(a.WebhookTimeoutSeconds, 5)
}

// Credential 表示某个外部服务凭据的就绪情况，不包含密钥本身。
type Credential struct {
	Name    string `json:"name"`
	EnvVar  string `json:"env_var,omitempty"`
	Present bool   `json:"present"`
}

// ResolvePath 按照 显式参数 > 环境变量 > 默认值 的顺序确定配置文件路径。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 解析指定路径的 YAML 配置文件；文件不存在时返回默认配置。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfig, "配置文件路径为空")
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "读取配置文件失败")
	default:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfig, err, "解析配置失败")
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.Gemini.APIKeyEnv == "" {
		c.LLM.Gemini.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if c.LLM.Gemini.Model == "" {
		c.LLM.Gemini.Model = "gemini-2.5-pro"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Search.Provider == "" {
		c.Search.Provider = "tavily"
	}
	if c.Search.MaxResults <= 0 {
		c.Search.MaxResults = 5
	}
	if c.Search.PerQuery <= 0 {
		c.Search.PerQuery = 3
	}
	if c.Search.Tavily.APIKeyEnv == "" {
		c.Search.Tavily.APIKeyEnv = "TAVILY_API_KEY"
	}
	if c.Search.Tavily.Depth == "" {
		c.Search.Tavily.Depth = "basic"
	}
	if c.Search.Brave.APIKeyEnv == "" {
		c.Search.Brave.APIKeyEnv = "BRAVE_API_KEY"
	}
	if c.Search.Static.Source != "" && !filepath.IsAbs(c.Search.Static.Source) {
		c.Search.Static.Source = filepath.Join(baseDir, c.Search.Static.Source)
	}
	if c.Search.Cache.Prefix == "" {
		c.Search.Cache.Prefix = "reflexion:search"
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 4
	}
	if c.Agent.Epsilon <= 0 {
		c.Agent.Epsilon = 0.5
	}
	if c.Agent.PlateauPatience <= 0 {
		c.Agent.PlateauPatience = 2
	}
	if c.Agent.TargetWords <= 0 {
		c.Agent.TargetWords = 250
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 1
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 2
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 256
	}
	if c.TaskQueue.Redis.Queue == "" {
		c.TaskQueue.Redis.Queue = "reflexion:tasks"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "reflexion.tasks"
	}

	if c.Redis.Address == "" {
		c.Redis.Address = "127.0.0.1:6379"
	}
}

// Validate 一次性列出所有缺失的凭据与非法取值，任何运行开始前调用。
func (c *Config) Validate() error {
	var problems []string

	switch c.LLM.Provider {
	case "gemini":
		if c.LLM.Gemini.ResolveAPIKey() == "" {
			problems = append(problems, fmt.Sprintf("gemini 需要 api_key 或环境变量 %s", c.LLM.Gemini.APIKeyEnv))
		}
	case "openai":
		if c.LLM.OpenAI.ResolveAPIKey() == "" {
			problems = append(problems, fmt.Sprintf("openai 需要 api_key 或环境变量 %s", c.LLM.OpenAI.APIKeyEnv))
		}
	case "python_bridge":
	default:
		problems = append(problems, fmt.Sprintf("未知的大模型 provider: %s", c.LLM.Provider))
	}

	switch c.Search.Provider {
	case "tavily":
		if c.Search.Tavily.ResolveAPIKey() == "" {
			problems = append(problems, fmt.Sprintf("tavily 需要 api_key 或环境变量 %s", c.Search.Tavily.APIKeyEnv))
		}
	case "brave":
		if c.Search.Brave.ResolveAPIKey() == "" {
			problems = append(problems, fmt.Sprintf("brave 需要 api_key 或环境变量 %s", c.Search.Brave.APIKeyEnv))
		}
	case "static":
		if c.Search.Static.Source == "" {
			problems = append(problems, "static 检索需要配置 source")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的检索 provider: %s", c.Search.Provider))
	}

	if c.Search.PerQuery > c.Search.MaxResults {
		problems = append(problems, "search.per_query 不能大于 search.max_results")
	}

	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.TaskStore.DSN == "" {
			problems = append(problems, "mysql 任务存储需要配置 dsn")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的任务存储驱动: %s", c.Storage.TaskStore.Driver))
	}

	switch c.TaskQueue.Driver {
	case "memory", "redis":
	case "rabbitmq":
		if c.TaskQueue.RabbitMQ.URL == "" {
			problems = append(problems, "rabbitmq 队列需要配置 url")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的队列驱动: %s", c.TaskQueue.Driver))
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeConfig, strings.Join(problems, "; "))
}

// Credentials 汇总各个外部服务凭据是否就绪。
func (c *Config) Credentials() []Credential {
	return []Credential{
		{Name: "gemini", EnvVar: c.LLM.Gemini.APIKeyEnv, Present: c.LLM.Gemini.ResolveAPIKey() != ""},
		{Name: "openai", EnvVar: c.LLM.OpenAI.APIKeyEnv, Present: c.LLM.OpenAI.ResolveAPIKey() != ""},
		{Name: "tavily", EnvVar: c.Search.Tavily.APIKeyEnv, Present: c.Search.Tavily.ResolveAPIKey() != ""},
		{Name: "brave", EnvVar: c.Search.Brave.APIKeyEnv, Present: c.Search.Brave.ResolveAPIKey() != ""},
	}
}

func seconds(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
