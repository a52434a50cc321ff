package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config 描述编排服务启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Agents   AgentsConfig   `json:"agents"`
	Planner  PlannerConfig  `json:"planner"`
	Policy   PolicyConfig   `json:"policy"`
	LLM      LLMConfig      `json:"llm"`
	Engine   EngineConfig   `json:"engine"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Web3     Web3Config     `json:"web3"`
	Archive  ArchiveConfig  `json:"archive"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 HTTP 服务的监听地址与超时。
type ServerConfig struct {
	Address                string   `json:"address"`
	ReadTimeoutSeconds     int      `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int      `json:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds"`
	MCPEnabled             *bool    `json:"mcp_enabled"`
	CORSOrigins            []string `json:"cors_origins"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// AgentsConfig 描述启动时注册的 Agent 以及元数据刷新策略。
type AgentsConfig struct {
	Endpoints              []string    `json:"endpoints"`
	EndpointsFile          string      `json:"endpoints_file"`
	MetaTimeoutSeconds     int         `json:"meta_timeout_seconds"`
	InvokeTimeoutSeconds   int         `json:"invoke_timeout_seconds"`
	RefreshIntervalSeconds int         `json:"refresh_interval_seconds"`
	MetaTTLSeconds         int         `json:"meta_ttl_seconds"`
	Cache                  CacheConfig `json:"cache"`
}

// CacheConfig 目前只支持 redis，driver 为空表示不缓存。
type CacheConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 为缓存与队列共享的 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// PlannerConfig 选择规划策略。strategy 可取 rule、llm、auto。
type PlannerConfig struct {
	Strategy  string `json:"strategy"`
	HintsFile string `json:"hints_file"`
	MaxHints  int    `json:"max_hints"`
}

// PolicyConfig 控制规划结果的 OPA 策略校验。
type PolicyConfig struct {
	Enabled       bool     `json:"enabled"`
	File          string   `json:"file"`
	MaxSteps      int      `json:"max_steps"`
	BlockedAgents []string `json:"blocked_agents"`
}

// LLMConfig 用于配置大模型协作方。provider 可取 none、mock、openai、python_bridge。
type LLMConfig struct {
	Provider string             `json:"provider"`
	OpenAI   OpenAIConfig       `json:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述兼容 OpenAI Chat Completions 协议的服务。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key"`
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

// EngineConfig 控制执行引擎的超时、重试与并发度。
type EngineConfig struct {
	StepTimeoutSeconds int `json:"step_timeout_seconds"`
	MaxRetries         int `json:"max_retries"`
	RetryInitialMillis int `json:"retry_initial_millis"`
	RetryMaxMillis     int `json:"retry_max_millis"`
	Parallelism        int `json:"parallelism"`
}

// StorageConfig 选择工作流与执行记录的存储实现。driver 可取 memory、mysql、sqlite。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// QueueConfig 选择异步执行队列。driver 可取 memory、redis、rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接与队列参数。
type RabbitMQConfig struct {
	URL         string `json:"url"`
	Queue       string `json:"queue"`
	Prefetch    int    `json:"prefetch"`
	MaxAttempts int    `json:"max_attempts"`
}

// Web3Config 包含链上信誉上报所需的参数。
type Web3Config struct {
	Enabled            bool   `json:"enabled"`
	RPCURL             string `json:"rpc_url"`
	ChainConfig        string `json:"chain_config"`
	DefaultChain       string `json:"default_chain"`
	ReputationContract string `json:"reputation_contract"`
	PrivateKeyEnv      string `json:"private_key_env"`
}

// ArchiveConfig 描述终态执行记录的对象存储归档。
type ArchiveConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	UseSSL    bool   `json:"use_ssl"`
}

// AlertingConfig 控制告警通知的去向。
type AlertingConfig struct {
	Enabled        bool   `json:"enabled"`
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 解析指定路径的 JSON 配置文件，随后应用环境变量覆盖与默认值。
// path 为空或文件不存在时返回仅包含默认值的配置。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		baseDir = filepath.Dir(path)
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		default:
			if err := json.Unmarshal(content, &cfg); err != nil {
				return nil, fmt.Errorf("解析配置失败: %w", err)
			}
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 用环境变量覆盖文件中的配置，便于容器化部署。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("MAHA_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	} else if v := getenv("PORT"); v != "" {
		c.Server.Address = ":" + v
	}
	if v := getenv("MAHA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := getenv("MAHA_AGENT_ENDPOINTS"); v != "" {
		c.Agents.Endpoints = append(c.Agents.Endpoints, splitList(v)...)
	} else if v := getenv("AGENT_ENDPOINTS"); v != "" {
		c.Agents.Endpoints = append(c.Agents.Endpoints, splitList(v)...)
	}
	if v := getenv("MAHA_PLANNER_STRATEGY"); v != "" {
		c.Planner.Strategy = v
	}
	if v := getenv("MAHA_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := getenv("MAHA_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := getenv("MAHA_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := getenv("MAHA_QUEUE_DRIVER"); v != "" {
		c.Queue.Driver = v
	}
	if v := getenv("MAHA_ENGINE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxRetries = n
		}
	}
	if v := getenv("RPC_URL"); v != "" {
		c.Web3.RPCURL = v
	}

	keyEnv := c.LLM.OpenAI.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = getenv(keyEnv)
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":3000"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 30
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 300
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.MCPEnabled == nil {
		enabled := true
		c.Server.MCPEnabled = &enabled
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = "logs/audit.log"
	}
	c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)

	c.Agents.Endpoints = dedupe(c.Agents.Endpoints)
	c.Agents.EndpointsFile = resolve(baseDir, c.Agents.EndpointsFile)
	if c.Agents.MetaTimeoutSeconds <= 0 {
		c.Agents.MetaTimeoutSeconds = 5
	}
	if c.Agents.InvokeTimeoutSeconds <= 0 {
		c.Agents.InvokeTimeoutSeconds = 60
	}
	if c.Agents.MetaTTLSeconds <= 0 {
		c.Agents.MetaTTLSeconds = 300
	}
	if c.Agents.Cache.Redis.Key == "" {
		c.Agents.Cache.Redis.Key = "maha:agent-meta"
	}

	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	if c.LLM.Provider == "" {
		if c.LLM.OpenAI.APIKey != "" {
			c.LLM.Provider = "openai"
		} else {
			c.LLM.Provider = "none"
		}
	}
	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.Temperature == 0 {
		c.LLM.OpenAI.Temperature = 0.1
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}
	c.LLM.Python.ScriptPath = resolve(baseDir, c.LLM.Python.ScriptPath)
	if c.LLM.Python.TimeoutSeconds <= 0 {
		c.LLM.Python.TimeoutSeconds = 60
	}

	c.Planner.Strategy = strings.ToLower(c.Planner.Strategy)
	if c.Planner.Strategy == "" {
		c.Planner.Strategy = "auto"
	}
	c.Planner.HintsFile = resolve(baseDir, c.Planner.HintsFile)
	if c.Planner.MaxHints <= 0 {
		c.Planner.MaxHints = 3
	}

	c.Policy.File = resolve(baseDir, c.Policy.File)
	if c.Policy.MaxSteps <= 0 {
		c.Policy.MaxSteps = 10
	}

	if c.Engine.StepTimeoutSeconds <= 0 {
		c.Engine.StepTimeoutSeconds = 120
	}
	if c.Engine.MaxRetries < 0 {
		c.Engine.MaxRetries = 0
	}
	if c.Engine.RetryInitialMillis <= 0 {
		c.Engine.RetryInitialMillis = 250
	}
	if c.Engine.RetryMaxMillis <= 0 {
		c.Engine.RetryMaxMillis = 5000
	}
	if c.Engine.Parallelism <= 0 {
		c.Engine.Parallelism = 8
	}

	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.runtimeDir(baseDir), "maha.db")
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 5
	}
	if c.Storage.ConnMaxLifetimeSeconds <= 0 {
		c.Storage.ConnMaxLifetimeSeconds = 300
	}

	c.Queue.Driver = strings.ToLower(c.Queue.Driver)
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "maha:executions"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "maha.executions"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = c.Queue.Workers
	}
	if c.Queue.RabbitMQ.MaxAttempts <= 0 {
		c.Queue.RabbitMQ.MaxAttempts = 5
	}

	c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	if c.Web3.PrivateKeyEnv == "" {
		c.Web3.PrivateKeyEnv = "MAHA_REPUTATION_PRIVATE_KEY"
	}

	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "executions/"
	}
	if c.Archive.Region == "" {
		c.Archive.Region = "us-east-1"
	}
	if c.Archive.Bucket == "" {
		c.Archive.Bucket = "maha-executions"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	c.Runtime.DataDir = c.runtimeDir(baseDir)
}

func (c *Config) runtimeDir(baseDir string) string {
	if c.Runtime.DataDir == "" {
		return filepath.Join(baseDir, "data")
	}
	return resolve(baseDir, c.Runtime.DataDir)
}

// Validate 检查枚举型字段的取值。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unsupported value %q (allowed: %s)", field, value, strings.Join(allowed, ", ")))
	}
	check("storage.driver", c.Storage.Driver, "memory", "mysql", "sqlite")
	check("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq")
	check("llm.provider", c.LLM.Provider, "none", "mock", "openai", "python_bridge")
	check("planner.strategy", c.Planner.Strategy, "rule", "llm", "auto")
	if c.Agents.Cache.Driver != "" {
		check("agents.cache.driver", c.Agents.Cache.Driver, "redis")
	}
	if c.Storage.Driver == "mysql" && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required for mysql"))
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, errors.New("archive.endpoint is required when archive is enabled"))
		} else if strings.Contains(c.Archive.Endpoint, "://") {
			errs = append(errs, fmt.Errorf("archive.endpoint must not include a scheme: %q", c.Archive.Endpoint))
		}
	}
	if c.Planner.Strategy == "llm" && c.LLM.Provider == "none" {
		errs = append(errs, errors.New("planner.strategy llm requires an llm provider"))
	}
	return errors.Join(errs...)
}

// MCPOn 返回是否挂载 MCP 端点。
func (s ServerConfig) MCPOn() bool {
	return s.MCPEnabled == nil || *s.MCPEnabled
}

// Seconds 把整数秒转换为 time.Duration。
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis 把整数毫秒转换为 time.Duration。
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, item := range list {
		item = strings.TrimRight(strings.TrimSpace(item), "/")
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
