package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"

	"AgentFlow-Chain/internal/agent"
	"AgentFlow-Chain/internal/benchmark"
	"AgentFlow-Chain/internal/chain"
	"AgentFlow-Chain/internal/chain/provider"
	"AgentFlow-Chain/internal/config"
	"AgentFlow-Chain/internal/knowledge"
	"AgentFlow-Chain/internal/llm"
	"AgentFlow-Chain/internal/llm/langchain"
	"AgentFlow-Chain/internal/llm/openai"
	"AgentFlow-Chain/internal/llm/pythonbridge"
	"AgentFlow-Chain/internal/observability/alerting"
	"AgentFlow-Chain/internal/recovery"
	"AgentFlow-Chain/internal/resolver"
	"AgentFlow-Chain/internal/runner"
	"AgentFlow-Chain/internal/task"
	"AgentFlow-Chain/internal/tools"
	"AgentFlow-Chain/internal/wallet"
	"AgentFlow-Chain/pkg/logger"
)

// chainConn 是连接到默认链后得到的组件。
type chainConn struct {
	registry *provider.Registry
	client   chain.Client
	def      chain.Definition
	keys     *chain.Keyring
	resolver *resolver.Resolver
}

// openChain 连接配置中的链节点并构造上下文解析器。
func openChain(ctx context.Context, cfg *config.Config) (*chainConn, error) {
	registry, err := provider.NewRegistry(ctx, cfg.Chain, nil)
	if err != nil {
		return nil, err
	}
	client, def, err := registry.Default()
	if err != nil {
		registry.Close()
		return nil, err
	}
	keys, err := loadKeyring(cfg.Chain.Keys)
	if err != nil {
		registry.Close()
		return nil, err
	}
	return &chainConn{
		registry: registry,
		client:   client,
		def:      def,
		keys:     keys,
		resolver: newResolver(client, keys, def),
	}, nil
}

// stack 是一次进程生命周期内共享的组件。
type stack struct {
	catalog *benchmark.Catalog
	chain   *chainConn
	agent   *agent.Agent
	runner  *runner.Runner
}

func (s *stack) Close() {
	if s.chain != nil {
		s.chain.registry.Close()
	}
}

// buildStack 连接链节点与模型，组装编排器和 Runner。
func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	catalog, err := loadCatalog(cfg.Benchmarks.Dir)
	if err != nil {
		return nil, err
	}
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return nil, err
	}
	knowledgeProvider, err := loadKnowledge(cfg.Knowledge)
	if err != nil {
		return nil, err
	}
	conn, err := openChain(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &stack{catalog: catalog, chain: conn}

	executor := tools.NewExecutor(conn.client, conn.client, conn.keys,
		tools.WithContracts(tools.Contracts{
			SwapRouter:  addressOrZero(conn.def.Contracts.SwapRouter),
			LendingPool: addressOrZero(conn.def.Contracts.LendingPool),
		}),
		tools.WithLogger(logger.Named("tools")),
	)
	engine := recovery.NewEngine(cfg.Recovery.Policy(), recovery.WithLogger(logger.Named("recovery")))

	opts := []agent.Option{
		agent.WithLogger(logger.Named("agent")),
		agent.WithRecovery(engine),
		agent.WithKnowledgeProvider(knowledgeProvider),
		agent.WithDepth(cfg.Agent.ContextDepth, cfg.Agent.DiscoveryDepth),
		agent.WithLLMTimeout(cfg.Agent.LLMTimeout()),
		agent.WithPricer(wallet.NewStaticPricer(cfg.Agent.NativePriceUSD, cfg.Agent.TokenPricesUSD)),
	}
	if cfg.Agent.Tracing {
		opts = append(opts, agent.WithTracer(otel.Tracer("AgentFlow-Chain/agent")))
	}
	s.agent = agent.New(llmClient, conn.resolver, executor, opts...)
	s.runner = runner.New(catalog, s.agent, runner.WithLogger(logger.Named("runner")))

	logger.L().Info("运行组件已就绪",
		slog.Any("chains", conn.registry.Chains()),
		slog.String("llm", cfg.LLM.Provider),
		slog.Int("benchmarks", len(catalog.List())),
	)
	return s, nil
}

func newResolver(provider chain.AccountStateProvider, keys *chain.Keyring, def chain.Definition) *resolver.Resolver {
	opts := []resolver.Option{resolver.WithLogger(logger.Named("resolver"))}
	if common.IsHexAddress(def.Contracts.Factory) && def.Contracts.InitCodeHash != "" {
		opts = append(opts, resolver.WithDerivation(
			common.HexToAddress(def.Contracts.Factory),
			common.HexToHash(def.Contracts.InitCodeHash),
		))
	}
	return resolver.New(provider, keys, opts...)
}

// loadCatalog 读取用例目录，目录不存在时返回空目录，只能执行临时提示词。
func loadCatalog(dir string) (*benchmark.Catalog, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.L().Warn("基准用例目录不存在，仅支持临时提示词", slog.String("dir", dir))
		return benchmark.NewCatalog()
	}
	return benchmark.LoadCatalog(dir)
}

func loadKeyring(keys map[string]string) (*chain.Keyring, error) {
	ring := chain.NewKeyring()
	for name, hexKey := range keys {
		if _, err := ring.Import(name, hexKey); err != nil {
			return nil, fmt.Errorf("导入密钥 %s 失败: %w", name, err)
		}
	}
	return ring, nil
}

func loadKnowledge(cfg config.KnowledgeConfig) (knowledge.Provider, error) {
	if cfg.Path == "" {
		return knowledge.NewStaticProvider(knowledge.DefaultSnippets(), cfg.MaxResults), nil
	}
	return knowledge.Load(cfg.Path, cfg.MaxResults)
}

func addressOrZero(s string) common.Address {
	if !common.IsHexAddress(s) {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "python_bridge":
		return pythonbridge.NewClient(pythonbridge.Config{
			Executable: cfg.LLM.Python.PythonExecutable,
			Script:     cfg.LLM.Python.ScriptPath,
			WorkingDir: cfg.LLM.Python.WorkingDir,
		})
	case "openai":
		apiKey := cfg.LLM.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Timeout:     time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
			Temperature: cfg.LLM.OpenAI.Temperature,
		})
	case "langchain":
		return langchain.NewOpenAI(langchain.Config{
			APIKey:      cfg.LLM.LangChain.ResolveAPIKey(),
			BaseURL:     cfg.LLM.LangChain.BaseURL,
			Model:       cfg.LLM.LangChain.Model,
			Temperature: cfg.LLM.LangChain.Temperature,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func openStore(ctx context.Context, cfg config.RunStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql", "sqlite":
		return task.NewSQLStore(ctx, task.SQLStoreConfig{
			Driver:       cfg.Driver,
			DSN:          cfg.DSN,
			Path:         cfg.Path,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
	default:
		return nil, fmt.Errorf("未知的运行存储驱动: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitS) * time.Second,
		})
	case "rabbitmq":
		durable := cfg.RabbitMQ.Durable == nil || *cfg.RabbitMQ.Durable
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  durable,
		})
	case "nats":
		return task.NewNATSQueue(task.NATSQueueConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Group:   cfg.NATS.Group,
			Name:    "agentflowd",
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url, Headers: cfg.WebhookHeaders})
	}
	return alerting.NewFanout(notifiers...)
}
