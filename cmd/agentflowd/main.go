package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"AgentFlow-Chain/internal/config"
	"AgentFlow-Chain/pkg/logger"
)

var version = "dev"

// main 是 agentflowd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("agentflowd"),
		kong.Description("链上智能体基准运行服务"),
		kong.UsageOnError(),
		kongVars(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err := cli.loadEnv(); err != nil {
		kctx.FatalIfErrorf(err)
	}
	err := kctx.Run(&cli.Globals)
	_ = logger.Sync()
	kctx.FatalIfErrorf(err)
}

// loadEnv 加载 .env 文件，显式指定的文件必须存在。
func (g *Globals) loadEnv() error {
	if len(g.EnvFile) == 0 {
		_ = godotenv.Load()
		return nil
	}
	if err := godotenv.Load(g.EnvFile...); err != nil {
		return fmt.Errorf("加载 env 文件失败: %w", err)
	}
	return nil
}

// loadConfig 读取配置并初始化日志。
func (g *Globals) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if g.Config == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		cfg = config.Default(wd)
	} else {
		loaded, err := config.Load(g.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	if cfg.Logging.Audit.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.Audit.Path), 0o755); err != nil {
			return nil, fmt.Errorf("创建审计日志目录失败: %w", err)
		}
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
