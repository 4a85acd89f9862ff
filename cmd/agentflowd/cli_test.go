package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"

	"AgentFlow-Chain/internal/benchmark"
	"AgentFlow-Chain/internal/config"
	"AgentFlow-Chain/internal/resolver"
	"AgentFlow-Chain/internal/task"
)

func TestRunCommandParsing(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}

	kctx, err := parser.Parse([]string{"-c", "agentflow.toml", "run", "001-NATIVE-TRANSFER", "200-SWAP", "-k", "RECIPIENT=0x02", "--tag", "swap", "--json"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasPrefix(kctx.Command(), "run") {
		t.Fatalf("unexpected command %q", kctx.Command())
	}
	if len(cli.Run.Benchmarks) != 2 || cli.Run.Key["RECIPIENT"] != "0x02" || cli.Run.Tag != "swap" || !cli.Run.JSON {
		t.Fatalf("unexpected run flags: %+v", cli.Run)
	}
	if filepath.Base(cli.Config) != "agentflow.toml" {
		t.Fatalf("unexpected config path %q", cli.Config)
	}
}

func TestExportContextParsing(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	if _, err := parser.Parse([]string{"export-context", "001-NATIVE-TRANSFER", "--offline", "-o", "ctx.yaml"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cli.ExportContext.Benchmark != "001-NATIVE-TRANSFER" || !cli.ExportContext.Offline || filepath.Base(cli.ExportContext.Output) != "ctx.yaml" {
		t.Fatalf("unexpected flags: %+v", cli.ExportContext)
	}

	if _, err := parser.Parse([]string{"export-context"}); err == nil {
		t.Fatal("expected error without benchmark id")
	}
}

func testCatalog(t *testing.T) *benchmark.Catalog {
	t.Helper()
	catalog, err := benchmark.NewCatalog(
		benchmark.TestCase{ID: "a-transfer", Tags: []string{"native"}, Prompt: "send 1 wei"},
		benchmark.TestCase{ID: "b-swap", Tags: []string{"swap"}, Prompt: "swap 1 token"},
		benchmark.TestCase{ID: "c-flow", Tags: []string{"swap"}, Flow: []benchmark.FlowStep{{Step: 1, Prompt: "swap"}, {Step: 2, Prompt: "lend"}}},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}

func TestSelectCases(t *testing.T) {
	catalog := testCatalog(t)

	all, err := (&RunCmd{}).selectCases(catalog)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected all cases, got %d (%v)", len(all), err)
	}

	tagged, err := (&RunCmd{Tag: "swap", Prompt: "override"}).selectCases(catalog)
	if err != nil || len(tagged) != 2 {
		t.Fatalf("expected two swap cases, got %d (%v)", len(tagged), err)
	}
	if tagged[0].Prompt != "override" || tagged[1].Flow[0].Prompt != "swap" {
		t.Fatalf("prompt override should only touch single prompt cases: %+v", tagged)
	}

	adhoc, err := (&RunCmd{Prompt: "check balance"}).selectCases(catalog)
	if err != nil || len(adhoc) != 1 || adhoc[0].InitialState[0].Pubkey != resolver.PrimaryWallet {
		t.Fatalf("unexpected ad hoc selection: %+v (%v)", adhoc, err)
	}

	if _, err := (&RunCmd{Benchmarks: []string{"missing"}}).selectCases(catalog); err == nil {
		t.Fatal("expected error for missing benchmark")
	}
	if _, err := (&RunCmd{Tag: "lending"}).selectCases(catalog); err == nil {
		t.Fatal("expected error when no case matches")
	}
}

func TestPrintReports(t *testing.T) {
	reports := []caseReport{
		{Benchmark: "a-transfer", Result: task.ExecutionResult{Score: 1, StepsTotal: 1, AssertionsPassed: 2}},
		{Benchmark: "b-swap", Error: "network error", Result: task.ExecutionResult{StepsTotal: 1, StepsFailed: 1, AssertionsFailed: 1}},
	}

	var buf bytes.Buffer
	err := (&RunCmd{}).print(&buf, reports)
	if err == nil {
		t.Fatal("expected error when a case failed")
	}
	out := buf.String()
	if !strings.Contains(out, "a-transfer") || !strings.Contains(out, "2 run(s), 1 failed, average score 0.50") {
		t.Fatalf("unexpected table:\n%s", out)
	}

	buf.Reset()
	if err := (&RunCmd{JSON: true}).print(&buf, reports[:1]); err != nil {
		t.Fatalf("json print: %v", err)
	}
	var decoded []caseReport
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded[0].Result.Score != 1 {
		t.Fatalf("unexpected json output %q (%v)", buf.String(), err)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	benchDir := filepath.Join(dir, "benchmarks")
	if err := os.MkdirAll(benchDir, 0o755); err != nil {
		t.Fatal(err)
	}
	yml := "id: T-1\nprompt: send 1 wei\ninitial_state:\n  - pubkey: USER_WALLET_PUBKEY\n    balance: 10\n"
	if err := os.WriteFile(filepath.Join(benchDir, "t1.yml"), []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "agentflow.json")
	if err := os.WriteFile(cfgPath, []byte(`{"logging": {"level": "error"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	g := &Globals{Config: cfgPath}
	if err := (&ValidateCmd{}).Run(g); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := (&ValidateCmd{Dir: filepath.Join(dir, "missing")}).Run(g); err == nil {
		t.Fatal("expected error for missing benchmark dir")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	catalog, err := benchmark.LoadCatalog(cfg.Benchmarks.Dir)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := writeCatalog(&buf, cfg.Benchmarks.Dir, catalog); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "1 benchmark(s)") || !strings.Contains(buf.String(), "T-1") {
		t.Fatalf("unexpected catalog output: %s", buf.String())
	}
}

func TestOpenStoreAndQueue(t *testing.T) {
	ctx := t.Context()
	store, err := openStore(ctx, config.RunStoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runs.db")})
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	queue, err := openQueue(ctx, config.QueueConfig{Driver: "memory", Buffer: 4})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	defer queue.Close()

	if _, err := openStore(ctx, config.RunStoreConfig{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for unknown store")
	}
	if _, err := openQueue(ctx, config.QueueConfig{Driver: "kafka"}); err == nil {
		t.Fatal("expected error for unknown queue")
	}
}
