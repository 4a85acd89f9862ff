package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	tick := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return store
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	in := &Task{
		ID:          "run-1",
		BenchmarkID: "swap-001",
		KeyMap:      map[string]string{"USER_WALLET_PUBKEY": "0x00000000000000000000000000000000000000aa"},
		Metadata:    map[string]any{"source": "api"},
		MaxRetries:  2,
	}
	if err := store.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "run-1", MaxRetries: 1}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.KeyMap["USER_WALLET_PUBKEY"] != in.KeyMap["USER_WALLET_PUBKEY"] || got.Metadata["source"] != "api" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Result != nil {
		t.Fatalf("fresh task should have no result")
	}

	claimed, err := store.Claim(ctx, "run-1")
	if err != nil || claimed.Attempts != 1 || claimed.Status != StatusRunning {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "run-1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	result := ExecutionResult{ExecutionID: "exec-1", Summary: "Execution Summary", Success: true, Score: 0.75,
		StepsTotal: 2, Signatures: []string{"0x01", "0x02"}}
	if err := store.MarkSucceeded(ctx, "run-1", result); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	done, _ := store.Get(ctx, "run-1")
	if done.Result == nil || done.Result.Score != 0.75 || len(done.Result.Signatures) != 2 {
		t.Fatalf("unexpected result: %+v", done.Result)
	}
	if _, err := store.Claim(ctx, "run-1"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.MarkFailed(ctx, "missing", Failure{Code: CodeTaskProcessing}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestSQLStoreTerminalFailureBlocksClaim(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	_ = store.Create(ctx, &Task{ID: "r", Prompt: "swap", MaxRetries: 5})
	if _, err := store.Claim(ctx, "r"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "r", Failure{Code: "INSUFFICIENT_FUNDS", Message: "insufficient funds", Terminal: true}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	task, err := store.Claim(ctx, "r")
	if !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if !task.Terminal || task.ErrorCode != "INSUFFICIENT_FUNDS" || !task.Done() {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestSQLStoreListAndStats(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	seedStore(t, store)

	all, err := store.List(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// t3 is updated last, t2 before it, t1 only at creation.
	if !equalIDs(ids(all), []string{"t3", "t2", "t1"}) {
		t.Fatalf("unexpected order: %v", ids(all))
	}

	cases := []struct {
		name string
		opts []ListOption
		want []string
	}{
		{"failed", []ListOption{WithStatuses(StatusFailed)}, []string{"t2"}},
		{"with result", []ListOption{WithResultPresence(true)}, []string{"t3", "t2"}},
		{"without result", []ListOption{WithResultPresence(false)}, []string{"t1"}},
		{"benchmark", []ListOption{WithBenchmark("swap-001")}, []string{"t2"}},
		{"query", []ListOption{WithQuery("ether")}, []string{"t3"}},
		{"ascending page", []ListOption{WithSortOrder(SortOldest), WithLimit(2)}, []string{"t1", "t2"}},
		{"top score", []ListOption{WithSortOrder(SortTopScore)}, []string{"t3", "t2", "t1"}},
		{"min score", []ListOption{WithMinScore(0.5)}, []string{"t3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.List(ctx, buildListOptions(tc.opts))
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if !equalIDs(ids(got), tc.want) {
				t.Fatalf("got %v, want %v", ids(got), tc.want)
			}
		})
	}

	stats, err := store.Stats(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Scored != 2 || stats.AverageScore != 0.5 {
		t.Fatalf("unexpected score stats: %+v", stats)
	}
	if stats.OldestUpdatedAt == 0 || stats.NewestUpdatedAt <= stats.OldestUpdatedAt {
		t.Fatalf("unexpected timestamps: %+v", stats)
	}

	empty, err := store.Stats(ctx, buildListOptions([]ListOption{WithBenchmark("none")}))
	if err != nil {
		t.Fatalf("empty stats: %v", err)
	}
	if empty.Total != 0 || empty.AverageScore != 0 {
		t.Fatalf("unexpected empty stats: %+v", empty)
	}
}

func TestNewSQLStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := NewSQLStore(context.Background(), SQLStoreConfig{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := NewSQLStore(context.Background(), SQLStoreConfig{Driver: DialectMySQL}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
