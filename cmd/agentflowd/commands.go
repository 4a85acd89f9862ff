package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/google/uuid"

	"AgentFlow-Chain/internal/api"
	"AgentFlow-Chain/internal/auth"
	"AgentFlow-Chain/internal/benchmark"
	"AgentFlow-Chain/internal/observability/metrics"
	"AgentFlow-Chain/internal/resolver"
	"AgentFlow-Chain/internal/task"
	"AgentFlow-Chain/pkg/logger"
)

// Run 启动 API 服务和队列处理器，直到收到退出信号。
func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Address = c.Addr
	}

	s, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	store, err := openStore(ctx, cfg.Storage.RunStore)
	if err != nil {
		return err
	}
	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		_ = store.Close()
		return err
	}
	svc := task.NewService(store, queue, cfg.Storage.RunStore.MaxRetries, task.WithValidator(s.runner.Validate))
	defer func() {
		if err := svc.Close(); err != nil {
			logger.L().Warn("关闭运行服务失败", slog.Any("error", err))
		}
	}()

	recorder := metrics.New(metrics.WithRuntimeCollectors())
	processor := task.NewProcessor(s.runner, store, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(newAlertDispatcher(cfg.Alerting)),
		task.WithRequeueBackoff(cfg.Recovery.Policy().Backoff),
		task.WithObserver(recorder),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	apiOpts := []api.Option{
		api.WithCatalog(s.catalog),
		api.WithAuthenticator(auth.NewAuthenticator(cfg.Server.APITokens)),
	}
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(processorCtx, cfg.Server.MetricsAddress, recorder); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	} else {
		apiOpts = append(apiOpts, api.WithMetrics(recorder))
	}
	server := api.NewServer(cfg.Server.Address, svc, apiOpts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// caseReport 是 run 命令输出的单个用例结果。
type caseReport struct {
	Benchmark string               `json:"benchmark"`
	RunID     string               `json:"run_id"`
	Error     string               `json:"error,omitempty"`
	Result    task.ExecutionResult `json:"result"`
	Summary   string               `json:"summary,omitempty"`
}

// Run 依次执行选中的用例并打印评分。
func (c *RunCmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	s, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	cases, err := c.selectCases(s.catalog)
	if err != nil {
		return err
	}
	reports := make([]caseReport, 0, len(cases))
	for _, tc := range cases {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		runID := uuid.NewString()
		out, err := s.runner.Run(ctx, runID, tc, c.Key)
		report := caseReport{Benchmark: tc.ID, RunID: runID}
		if out != nil {
			report.Result = out.Result
			report.Summary = out.Execution.Summary
		}
		if err != nil {
			report.Error = err.Error()
		}
		reports = append(reports, report)
	}
	return c.print(os.Stdout, reports)
}

func (c *RunCmd) selectCases(catalog *benchmark.Catalog) ([]benchmark.TestCase, error) {
	if len(c.Benchmarks) == 0 && c.Prompt != "" {
		return []benchmark.TestCase{{
			ID:           "adhoc",
			Description:  "ad hoc prompt",
			Prompt:       c.Prompt,
			InitialState: []benchmark.InitialAccount{{Pubkey: resolver.PrimaryWallet}},
		}}, nil
	}
	var cases []benchmark.TestCase
	if len(c.Benchmarks) == 0 {
		cases = catalog.List()
	} else {
		for _, id := range c.Benchmarks {
			tc, err := catalog.Get(id)
			if err != nil {
				return nil, err
			}
			cases = append(cases, tc)
		}
	}
	if c.Tag != "" {
		cases = slices.DeleteFunc(cases, func(tc benchmark.TestCase) bool {
			return !slices.Contains(tc.Tags, c.Tag)
		})
	}
	if c.Prompt != "" {
		for i := range cases {
			if len(cases[i].Flow) == 0 {
				cases[i].Prompt = c.Prompt
			}
		}
	}
	if len(cases) == 0 {
		return nil, errors.New("没有匹配的基准用例")
	}
	return cases, nil
}

func (c *RunCmd) print(w io.Writer, reports []caseReport) error {
	if c.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BENCHMARK\tSCORE\tSTEPS\tASSERTIONS\tRESULT")
	var total float64
	failed := 0
	for _, r := range reports {
		status := "pass"
		if r.Error != "" {
			status = r.Error
			failed++
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%d/%d\t%d/%d\t%s\n",
			r.Benchmark, r.Result.Score,
			r.Result.StepsTotal-r.Result.StepsFailed, r.Result.StepsTotal,
			r.Result.AssertionsPassed, r.Result.AssertionsPassed+r.Result.AssertionsFailed,
			status)
		total += r.Result.Score
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d run(s), %d failed, average score %.2f\n", len(reports), failed, total/float64(len(reports)))
	if failed > 0 {
		return fmt.Errorf("%d 个用例未通过", failed)
	}
	return nil
}

// Run 校验配置与用例目录，不连接外部服务。
func (c *ValidateCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	dir := cfg.Benchmarks.Dir
	if c.Dir != "" {
		dir = c.Dir
	}
	catalog, err := benchmark.LoadCatalog(dir)
	if err != nil {
		return err
	}
	return writeCatalog(os.Stdout, dir, catalog)
}

func writeCatalog(w io.Writer, dir string, catalog *benchmark.Catalog) error {
	cases := catalog.List()
	fmt.Fprintf(w, "%s: %d benchmark(s)\n", dir, len(cases))
	for _, tc := range cases {
		fmt.Fprintf(w, "  %-32s steps=%d assertions=%d\n", tc.ID, len(tc.Steps()), len(tc.GroundTruth.FinalStateAssertions))
	}
	return nil
}

// Run 解析初始上下文并导出 YAML。
func (c *ExportContextCmd) Run(ctx context.Context, g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(cfg.Benchmarks.Dir)
	if err != nil {
		return err
	}
	tc, err := catalog.Get(c.Benchmark)
	if err != nil {
		return err
	}

	var res *resolver.Resolver
	if c.Offline {
		keys, err := loadKeyring(cfg.Chain.Keys)
		if err != nil {
			return err
		}
		res = resolver.New(nil, keys, resolver.WithLogger(logger.Named("resolver")))
	} else {
		conn, err := openChain(ctx, cfg)
		if err != nil {
			return err
		}
		defer conn.registry.Close()
		res = conn.resolver
	}

	snap, err := res.ResolveInitialContext(ctx, tc.InitialState, tc.GroundTruth, c.Key)
	if err != nil {
		return err
	}
	data, err := resolver.ExportYAML(snap)
	if err != nil {
		return err
	}
	if c.Output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(c.Output, data, 0o644)
}
