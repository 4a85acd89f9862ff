package main

import "github.com/alecthomas/kong"

// CLI 定义 agentflowd 的命令行结构。
type CLI struct {
	Globals

	Serve         ServeCmd         `cmd:"" help:"启动 API 服务与运行队列的工作进程"`
	Run           RunCmd           `cmd:"" help:"同步执行基准用例并输出评分"`
	Validate      ValidateCmd      `cmd:"" help:"校验配置文件与基准用例目录"`
	ExportContext ExportContextCmd `cmd:"" name:"export-context" help:"解析用例的初始上下文并导出为 YAML"`
	Version       kong.VersionFlag `help:"显示版本信息"`
}

// Globals 是所有子命令共享的参数。
type Globals struct {
	Config  string   `short:"c" env:"AGENTFLOW_CONFIG" help:"配置文件路径（.json 或 .toml），为空时使用默认配置" type:"path"`
	EnvFile []string `name:"env-file" help:"额外加载的 .env 文件，可重复" type:"path"`
}

// ServeCmd 启动常驻服务。
type ServeCmd struct {
	Addr string `help:"覆盖配置中的监听地址"`
}

// RunCmd 直接执行用例，不经过队列。
type RunCmd struct {
	Benchmarks []string          `arg:"" optional:"" help:"要执行的用例 ID，留空执行全部"`
	Prompt     string            `short:"p" help:"临时提示词；未指定用例时作为单步运行"`
	Key        map[string]string `short:"k" help:"预先绑定的占位符 NAME=0x...（可重复）"`
	Tag        string            `help:"只执行带有该标签的用例"`
	JSON       bool              `help:"以 JSON 输出每个用例的结果"`
}

// ValidateCmd 校验配置与用例。
type ValidateCmd struct {
	Dir string `arg:"" optional:"" help:"覆盖配置中的基准用例目录" type:"path"`
}

// ExportContextCmd 导出用例的初始上下文。
type ExportContextCmd struct {
	Benchmark string            `arg:"" help:"用例 ID"`
	Output    string            `short:"o" help:"输出文件，默认写到标准输出" type:"path"`
	Key       map[string]string `short:"k" help:"预先绑定的占位符 NAME=0x...（可重复）"`
	Offline   bool              `help:"不连接链节点，只使用用例声明的初始值"`
}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
