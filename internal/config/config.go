package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"AgentFlow-Chain/internal/recovery"
	"AgentFlow-Chain/pkg/logger"
)

// Config 描述 agentflowd 启动时需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server" toml:"server"`
	Logging    logger.Config    `json:"logging" toml:"logging"`
	Storage    StorageConfig    `json:"storage" toml:"storage"`
	Queue      QueueConfig      `json:"queue" toml:"queue"`
	LLM        LLMConfig        `json:"llm" toml:"llm"`
	Chain      ChainConfig      `json:"chain" toml:"chain"`
	Agent      AgentConfig      `json:"agent" toml:"agent"`
	Recovery   RecoveryConfig   `json:"recovery" toml:"recovery"`
	Alerting   AlertingConfig   `json:"alerting" toml:"alerting"`
	Benchmarks BenchmarksConfig `json:"benchmarks" toml:"benchmarks"`
	Knowledge  KnowledgeConfig  `json:"knowledge" toml:"knowledge"`
	Runtime    RuntimeConfig    `json:"runtime" toml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address" toml:"address"`
	// MetricsAddress 非空时在独立端口暴露 /metrics，否则挂在 API 服务上。
	MetricsAddress string `json:"metrics_address" toml:"metrics_address"`
	// APITokens 是 调用方名称→Bearer Token，为空时不启用认证。
	APITokens map[string]string `json:"api_tokens" toml:"api_tokens"`
}

// StorageConfig 描述运行记录的持久化方式。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store" toml:"run_store"`
}

// RunStoreConfig 选择运行存储：memory、mysql 或 sqlite。
type RunStoreConfig struct {
	Driver       string `json:"driver" toml:"driver"`
	DSN          string `json:"dsn" toml:"dsn"`
	Path         string `json:"path" toml:"path"`
	MaxRetries   int    `json:"max_retries" toml:"max_retries"`
	MaxOpenConns int    `json:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" toml:"max_idle_conns"`
}

// QueueConfig 选择运行队列：memory、redis、rabbitmq 或 nats。
type QueueConfig struct {
	Driver   string         `json:"driver" toml:"driver"`
	Workers  int            `json:"workers" toml:"workers"`
	Buffer   int            `json:"buffer" toml:"buffer"`
	Redis    RedisConfig    `json:"redis" toml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" toml:"rabbitmq"`
	NATS     NATSConfig     `json:"nats" toml:"nats"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address    string `json:"address" toml:"address"`
	Password   string `json:"password" toml:"password"`
	DB         int    `json:"db" toml:"db"`
	Queue      string `json:"queue" toml:"queue"`
	BlockWaitS int    `json:"block_wait_seconds" toml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url" toml:"url"`
	Queue    string `json:"queue" toml:"queue"`
	Prefetch int    `json:"prefetch" toml:"prefetch"`
	Durable  *bool  `json:"durable" toml:"durable"`
}

// NATSConfig 描述 NATS 队列组订阅。
type NATSConfig struct {
	URL     string `json:"url" toml:"url"`
	Subject string `json:"subject" toml:"subject"`
	Group   string `json:"group" toml:"group"`
}

// LLMConfig 选择文本生成的实现：python_bridge、openai 或 langchain。
type LLMConfig struct {
	Provider  string             `json:"provider" toml:"provider"`
	Python    PythonBridgeConfig `json:"python_bridge" toml:"python_bridge"`
	OpenAI    OpenAIConfig       `json:"openai" toml:"openai"`
	LangChain OpenAIConfig       `json:"langchain" toml:"langchain"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable" toml:"python_executable"`
	ScriptPath       string `json:"script_path" toml:"script_path"`
	WorkingDir       string `json:"working_dir" toml:"working_dir"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。APIKey 为空时从 APIKeyEnv 指定的环境变量读取。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key" toml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" toml:"api_key_env"`
	BaseURL        string  `json:"base_url" toml:"base_url"`
	Model          string  `json:"model" toml:"model"`
	Temperature    float64 `json:"temperature" toml:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" toml:"timeout_seconds"`
}

// ResolveAPIKey 返回最终使用的 API Key。
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// ChainConfig 描述链节点与合约地址。Definitions 指向 chain.yaml，未提供时使用单个 RPCURL。
type ChainConfig struct {
	Definitions  string `json:"definitions" toml:"definitions"`
	RPCURL       string `json:"rpc_url" toml:"rpc_url"`
	ChainID      int64  `json:"chain_id" toml:"chain_id"`
	GasLimit     uint64 `json:"gas_limit" toml:"gas_limit"`
	DefaultChain string `json:"default_chain" toml:"default_chain"`
	Factory      string `json:"factory" toml:"factory"`
	InitCodeHash string `json:"init_code_hash" toml:"init_code_hash"`
	SwapRouter   string `json:"swap_router" toml:"swap_router"`
	LendingPool  string `json:"lending_pool" toml:"lending_pool"`
	// Keys 把占位符映射为十六进制私钥，未列出的占位符在运行时生成。
	Keys map[string]string `json:"keys" toml:"keys"`

	// DependentGasLimit 用于批内依赖前序指令（如先 approve 再 swap）而无法估算的调用。
	DependentGasLimit uint64 `json:"dependent_gas_limit" toml:"dependent_gas_limit"`
}

// AgentConfig 控制编排器的对话深度、超时与估值价格。
type AgentConfig struct {
	ContextDepth      int                `json:"context_depth" toml:"context_depth"`
	DiscoveryDepth    int                `json:"discovery_depth" toml:"discovery_depth"`
	LLMTimeoutSeconds int                `json:"llm_timeout_seconds" toml:"llm_timeout_seconds"`
	NativePriceUSD    float64            `json:"native_price_usd" toml:"native_price_usd"`
	TokenPricesUSD    map[string]float64 `json:"token_prices_usd" toml:"token_prices_usd"`
	Tracing           bool               `json:"tracing" toml:"tracing"`
}

// LLMTimeout 返回单次模型调用的超时时间。
func (c AgentConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// RecoveryConfig 对应恢复策略，时间以毫秒计。
type RecoveryConfig struct {
	BaseDelayMS           int     `json:"base_delay_ms" toml:"base_delay_ms"`
	MaxDelayMS            int     `json:"max_delay_ms" toml:"max_delay_ms"`
	Multiplier            float64 `json:"multiplier" toml:"multiplier"`
	MaxRecoveryTimeMS     int     `json:"max_recovery_time_ms" toml:"max_recovery_time_ms"`
	RetryAttempts         int     `json:"retry_attempts" toml:"retry_attempts"`
	EnableAltFlows        *bool   `json:"enable_alternative_flows" toml:"enable_alternative_flows"`
	EnableUserFulfillment bool    `json:"enable_user_fulfillment" toml:"enable_user_fulfillment"`
}

// Policy 转换为恢复引擎使用的策略。
func (c RecoveryConfig) Policy() recovery.Policy {
	p := recovery.Policy{
		BaseDelay:             time.Duration(c.BaseDelayMS) * time.Millisecond,
		MaxDelay:              time.Duration(c.MaxDelayMS) * time.Millisecond,
		Multiplier:            c.Multiplier,
		MaxRecoveryTime:       time.Duration(c.MaxRecoveryTimeMS) * time.Millisecond,
		RetryAttempts:         c.RetryAttempts,
		EnableAltFlows:        true,
		EnableUserFulfillment: c.EnableUserFulfillment,
	}
	if c.EnableAltFlows != nil {
		p.EnableAltFlows = *c.EnableAltFlows
	}
	return p
}

// AlertingConfig 控制失败运行的告警输出，日志告警始终开启。
type AlertingConfig struct {
	WebhookURL     string            `json:"webhook_url" toml:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers" toml:"webhook_headers"`
}

// BenchmarksConfig 指向基准用例目录。
type BenchmarksConfig struct {
	Dir string `json:"dir" toml:"dir"`
}

// KnowledgeConfig 控制提示词中附加的操作提示。Path 为空时使用内置片段。
type KnowledgeConfig struct {
	Path       string `json:"path" toml:"path"`
	MaxResults int    `json:"max_results" toml:"max_results"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" toml:"data_dir"`
}

// Load 按扩展名解析 JSON 或 TOML 配置文件并补齐默认值。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(content), &cfg)
		if err != nil {
			return nil, fmt.Errorf("解析 TOML 配置失败: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("未知的配置项: %s", undecoded[0].String())
		}
	case ".json", "":
		decoder := json.NewDecoder(strings.NewReader(string(content)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置格式 %s", filepath.Ext(path))
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("解析配置目录失败: %w", err)
	}
	cfg.applyDefaults(base)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，相对路径基于 baseDir。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// Validate 检查取值范围与驱动名称。
func (c *Config) Validate() error {
	switch c.Storage.RunStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.RunStore.DSN == "" {
			return errors.New("mysql 运行存储需要 dsn")
		}
	case "sqlite":
	default:
		return fmt.Errorf("未知的运行存储驱动 %s", c.Storage.RunStore.Driver)
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("redis 队列需要 address")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 队列需要 url")
		}
	case "nats":
	default:
		return fmt.Errorf("未知的队列驱动 %s", c.Queue.Driver)
	}
	switch c.LLM.Provider {
	case "python_bridge", "openai", "langchain":
	default:
		return fmt.Errorf("未知的模型提供方 %s", c.LLM.Provider)
	}
	if c.Agent.ContextDepth > c.Agent.DiscoveryDepth {
		return fmt.Errorf("context_depth (%d) 不能大于 discovery_depth (%d)", c.Agent.ContextDepth, c.Agent.DiscoveryDepth)
	}
	if c.Recovery.Multiplier < 1 {
		return fmt.Errorf("recovery.multiplier 必须不小于 1，当前为 %v", c.Recovery.Multiplier)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置默认值，并把相对路径解析到 baseDir。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = "data"
	}
	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
	c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)

	store := &c.Storage.RunStore
	store.Driver = strings.ToLower(strings.TrimSpace(store.Driver))
	if store.Driver == "" {
		store.Driver = "memory"
	}
	if store.Driver == "sqlite" && store.Path == "" {
		store.Path = filepath.Join(c.Runtime.DataDir, "runs.db")
	}
	store.Path = resolvePath(baseDir, store.Path)
	if store.MaxRetries <= 0 {
		store.MaxRetries = 3
	}

	q := &c.Queue
	q.Driver = strings.ToLower(strings.TrimSpace(q.Driver))
	if q.Driver == "" {
		q.Driver = "memory"
	}
	if q.Workers <= 0 {
		q.Workers = 4
	}
	if q.Buffer <= 0 {
		q.Buffer = 128
	}
	if q.Redis.Queue == "" {
		q.Redis.Queue = "agentflow:runs"
	}
	if q.Redis.BlockWaitS <= 0 {
		q.Redis.BlockWaitS = 5
	}
	if q.RabbitMQ.Queue == "" {
		q.RabbitMQ.Queue = "agentflow.runs"
	}
	if q.RabbitMQ.Prefetch <= 0 {
		q.RabbitMQ.Prefetch = q.Workers
	}
	if q.RabbitMQ.Durable == nil {
		durable := true
		q.RabbitMQ.Durable = &durable
	}
	if q.NATS.URL == "" {
		q.NATS.URL = "nats://127.0.0.1:4222"
	}
	if q.NATS.Subject == "" {
		q.NATS.Subject = "agentflow.runs"
	}
	if q.NATS.Group == "" {
		q.NATS.Group = "agentflow-workers"
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "python_bridge"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir)
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.LangChain.APIKeyEnv == "" {
		c.LLM.LangChain.APIKeyEnv = "OPENAI_API_KEY"
	}

	c.Chain.Definitions = resolvePath(baseDir, c.Chain.Definitions)

	if c.Agent.ContextDepth <= 0 {
		c.Agent.ContextDepth = 3
	}
	if c.Agent.DiscoveryDepth <= 0 {
		c.Agent.DiscoveryDepth = 7
	}
	if c.Agent.LLMTimeoutSeconds <= 0 {
		c.Agent.LLMTimeoutSeconds = 60
	}
	if c.Agent.NativePriceUSD <= 0 {
		c.Agent.NativePriceUSD = 150
	}

	r := &c.Recovery
	if r.BaseDelayMS <= 0 {
		r.BaseDelayMS = 1000
	}
	if r.MaxDelayMS <= 0 {
		r.MaxDelayMS = 10000
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2.0
	}
	if r.MaxRecoveryTimeMS <= 0 {
		r.MaxRecoveryTimeMS = 30000
	}
	if r.RetryAttempts <= 0 {
		r.RetryAttempts = 3
	}
	if r.EnableAltFlows == nil {
		enabled := true
		r.EnableAltFlows = &enabled
	}

	if c.Benchmarks.Dir == "" {
		c.Benchmarks.Dir = "benchmarks"
	}
	c.Benchmarks.Dir = resolvePath(baseDir, c.Benchmarks.Dir)
	c.Knowledge.Path = resolvePath(baseDir, c.Knowledge.Path)
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
