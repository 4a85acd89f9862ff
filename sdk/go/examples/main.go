package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"

	"AgentFlow-Chain/sdk/go/agentflow"
)

// submit queues one benchmark run on a running agentflowd and prints the
// finished run as JSON.
type submit struct {
	URL       string            `default:"http://127.0.0.1:8080" env:"AGENTFLOW_URL" help:"agentflowd base URL."`
	Token     string            `env:"AGENTFLOW_TOKEN" help:"Bearer token when the API requires one."`
	Benchmark string            `arg:"" help:"Benchmark id to run."`
	Key       map[string]string `short:"k" help:"Placeholder overrides."`
	Timeout   time.Duration     `default:"5m" help:"How long to wait for the run."`
}

func (s *submit) Run(ctx context.Context) error {
	client, err := agentflow.NewClient(s.URL, nil)
	if err != nil {
		return err
	}
	client.SetToken(s.Token)

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	run, err := client.SubmitRun(ctx, agentflow.RunSubmission{BenchmarkID: s.Benchmark, KeyMap: s.Key})
	if err != nil {
		return err
	}
	run, err = client.WaitForRun(ctx, run.ID, 2*time.Second)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var cmd submit
	kctx := kong.Parse(&cmd,
		kong.Name("agentflow-submit"),
		kong.Description("Submit a benchmark run through the Go SDK."),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	kctx.FatalIfErrorf(kctx.Run())
}
