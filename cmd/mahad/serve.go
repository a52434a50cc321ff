package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"MAHA-Orchestrator/internal/agent"
	"MAHA-Orchestrator/internal/api"
	"MAHA-Orchestrator/internal/archive"
	"MAHA-Orchestrator/internal/config"
	"MAHA-Orchestrator/internal/engine"
	"MAHA-Orchestrator/internal/knowledge"
	"MAHA-Orchestrator/internal/llm"
	"MAHA-Orchestrator/internal/llm/mock"
	"MAHA-Orchestrator/internal/llm/openai"
	"MAHA-Orchestrator/internal/llm/pythonbridge"
	"MAHA-Orchestrator/internal/mcpserver"
	"MAHA-Orchestrator/internal/observability/alerting"
	"MAHA-Orchestrator/internal/observability/metrics"
	"MAHA-Orchestrator/internal/orchestrator"
	"MAHA-Orchestrator/internal/planner"
	"MAHA-Orchestrator/internal/policy"
	"MAHA-Orchestrator/internal/queue"
	"MAHA-Orchestrator/internal/registry"
	"MAHA-Orchestrator/internal/reputation"
	"MAHA-Orchestrator/internal/storage/redis"
	"MAHA-Orchestrator/internal/storage/sqlstore"
	"MAHA-Orchestrator/internal/store"
	"MAHA-Orchestrator/internal/summary"
	"MAHA-Orchestrator/internal/web3/provider"
	"MAHA-Orchestrator/pkg/logger"
)

// serve 组装全部组件并运行到 ctx 取消。
func serve(ctx context.Context, cfg *config.Config) (err error) {
	log := logger.Named("mahad")
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && err == nil {
			err = syncErr
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	agentClient := newAgentClient(cfg)
	reg, closeCache, err := createRegistry(ctx, cfg, agentClient)
	if err != nil {
		return err
	}
	defer closeCache()

	endpoints, err := bootstrapEndpoints(cfg)
	if err != nil {
		return err
	}
	registered := reg.Bootstrap(ctx, endpoints)
	log.Info("agents bootstrapped", slog.Int("configured", len(endpoints)), slog.Int("registered", registered))

	pl, err := createPlanner(ctx, cfg, reg, llmClient)
	if err != nil {
		return err
	}

	st, err := createStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	engineOpts := []engine.Option{
		engine.WithStepTimeout(config.Seconds(cfg.Engine.StepTimeoutSeconds)),
		engine.WithRetry(cfg.Engine.MaxRetries, config.Millis(cfg.Engine.RetryInitialMillis), config.Millis(cfg.Engine.RetryMaxMillis)),
		engine.WithParallelism(cfg.Engine.Parallelism),
		engine.WithAgentLookup(reg.Has),
		engine.WithStepHook(metrics.StepHook()),
		engine.WithExecutionHook(metrics.ExecutionHook()),
	}

	var chain orchestrator.ChainStatusSource
	if cfg.Web3.Enabled {
		chains, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer chains.Close()
		recorder, err := chains.DefaultClient()
		if err != nil {
			return err
		}
		reporter := reputation.New(recorder, reg)
		defer reporter.Wait()
		engineOpts = append(engineOpts, engine.WithStepHook(reporter.Hook()))
		chain = chains
		log.Info("reputation reporting enabled", slog.Any("chains", chains.Chains()))
	}

	if cfg.Archive.Enabled {
		writer, err := archive.NewMinioWriter(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		archiver := archive.New(writer, archive.WithPrefix(cfg.Archive.Prefix))
		defer archiver.Wait()
		engineOpts = append(engineOpts, engine.WithExecutionHook(archiver.Hook()))
		log.Info("execution archive enabled", slog.String("bucket", cfg.Archive.Bucket))
	}

	eng := engine.New(agentClient, st, engineOpts...)

	alerts := createAlerting(cfg)

	q, err := queue.Open(ctx, queue.Config{
		Driver: cfg.Queue.Driver,
		Buffer: cfg.Queue.Buffer,
		Redis: queue.RedisConfig{
			Address:  cfg.Queue.Redis.Address,
			Username: cfg.Queue.Redis.Username,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Key:      cfg.Queue.Redis.Key,
		},
		RabbitMQ: queue.RabbitMQConfig{
			URL:         cfg.Queue.RabbitMQ.URL,
			Queue:       cfg.Queue.RabbitMQ.Queue,
			Prefetch:    cfg.Queue.RabbitMQ.Prefetch,
			MaxAttempts: cfg.Queue.RabbitMQ.MaxAttempts,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.Warn("close queue failed", slog.Any("error", err))
		}
	}()

	svcOpts := []orchestrator.Option{
		orchestrator.WithProducer(q),
		orchestrator.WithAlertDispatcher(alerts),
	}
	if chain != nil {
		svcOpts = append(svcOpts, orchestrator.WithChainStatus(chain))
	}
	svc := orchestrator.New(reg, pl, eng, st, summary.New(llmClient), svcOpts...)

	processor := queue.NewProcessor(svc, q,
		queue.WithWorkerCount(cfg.Queue.Workers),
		queue.WithAlertDispatcher(alerts),
	)

	apiOpts := []api.Option{
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithTimeouts(
			config.Seconds(cfg.Server.ReadTimeoutSeconds),
			config.Seconds(cfg.Server.WriteTimeoutSeconds),
			config.Seconds(cfg.Server.ShutdownTimeoutSeconds),
		),
	}
	if cfg.Server.MCPOn() {
		apiOpts = append(apiOpts, api.WithMCPHandler(mcpserver.New(svc, version).HTTPHandler("/mcp")))
	}
	server := api.NewServer(cfg.Server.Address, svc, apiOpts...)

	log.Info("orchestrator starting",
		slog.String("version", version),
		slog.String("address", cfg.Server.Address),
		slog.String("planner", pl.Strategy()),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("llm", cfg.LLM.Provider))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(gctx))
	})
	g.Go(func() error {
		if cfg.Agents.RefreshIntervalSeconds > 0 {
			reg.Run(gctx, config.Seconds(cfg.Agents.RefreshIntervalSeconds))
		}
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newAgentClient(cfg *config.Config) *agent.Client {
	return agent.NewClient(
		agent.WithMetaTimeout(config.Seconds(cfg.Agents.MetaTimeoutSeconds)),
		agent.WithInvokeTimeout(config.Seconds(cfg.Agents.InvokeTimeoutSeconds)),
		agent.WithUserAgent("maha-orchestrator/"+version),
	)
}

// createRegistry 构造 Agent 注册表，配置了 redis 时共享元数据缓存。
func createRegistry(ctx context.Context, cfg *config.Config, fetcher registry.Fetcher) (*registry.Registry, func(), error) {
	opts := []registry.Option{registry.WithTTL(config.Seconds(cfg.Agents.MetaTTLSeconds))}
	closer := func() {}
	if cfg.Agents.Cache.Driver == "redis" {
		cache, err := redis.NewMetaCache(ctx, redis.Config{
			Address:  cfg.Agents.Cache.Redis.Address,
			Username: cfg.Agents.Cache.Redis.Username,
			Password: cfg.Agents.Cache.Redis.Password,
			DB:       cfg.Agents.Cache.Redis.DB,
			Prefix:   cfg.Agents.Cache.Redis.Key,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, registry.WithCache(cache))
		closer = func() { _ = cache.Close() }
	}
	return registry.New(fetcher, opts...), closer, nil
}

func bootstrapEndpoints(cfg *config.Config) ([]string, error) {
	var fromFile []string
	if cfg.Agents.EndpointsFile != "" {
		list, err := registry.LoadEndpoints(cfg.Agents.EndpointsFile)
		if err != nil {
			return nil, err
		}
		fromFile = list
	}
	return registry.MergeEndpoints(cfg.Agents.Endpoints, fromFile), nil
}

func createPlanner(ctx context.Context, cfg *config.Config, agents planner.AgentSource, client llm.Client) (*planner.Planner, error) {
	var llmOpts []planner.LLMOption
	if cfg.Planner.HintsFile != "" {
		hints, err := knowledge.LoadStaticProvider(cfg.Planner.HintsFile, cfg.Planner.MaxHints)
		if err != nil {
			return nil, err
		}
		llmOpts = append(llmOpts, planner.WithHints(hints))
	}
	strategy, err := planner.Select(cfg.Planner.Strategy, client, llmOpts...)
	if err != nil {
		return nil, err
	}

	var opts []planner.Option
	if cfg.Policy.Enabled {
		limits := policy.Limits{MaxSteps: cfg.Policy.MaxSteps, BlockedAgents: cfg.Policy.BlockedAgents}
		var gate *policy.Engine
		if cfg.Policy.File != "" {
			gate, err = policy.LoadEngine(ctx, cfg.Policy.File, limits)
		} else {
			gate, err = policy.NewEngine(ctx, "", limits)
		}
		if err != nil {
			return nil, err
		}
		opts = append(opts, planner.WithPolicy(gate))
	}
	return planner.New(agents, strategy, opts...), nil
}

func createStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "mysql", "sqlite":
		return sqlstore.Open(ctx, sqlstore.Config{
			Driver:          cfg.Storage.Driver,
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: config.Seconds(cfg.Storage.ConnMaxLifetimeSeconds),
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func createAlerting(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.Enabled && cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: config.Seconds(cfg.Alerting.TimeoutSeconds)},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// createLLMClient 按 provider 构造大模型客户端，none 返回 nil。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "none":
		return nil, nil
	case "mock":
		return mock.New(nil), nil
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir,
			config.Seconds(cfg.LLM.Python.TimeoutSeconds))
	case "openai":
		if cfg.LLM.OpenAI.APIKey == "" {
			return nil, errors.New("openai provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.OpenAI.APIKey,
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Temperature: cfg.LLM.OpenAI.Temperature,
			Timeout:     config.Seconds(cfg.LLM.OpenAI.TimeoutSeconds),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
