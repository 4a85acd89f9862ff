package task

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "AgentFlow-Chain/internal/errors"
)

// MemoryStore 以内存方式保存运行状态，用于单机模式与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// update 在写锁内对任务执行 fn，并在 fn 成功后刷新 UpdatedAt。返回值是修改后的副本。
func (m *MemoryStore) update(id string, fn func(*Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := fn(task); err != nil {
		return cloneTask(task), err
	}
	task.UpdatedAt = m.now().Unix()
	return cloneTask(task), nil
}

// Claim 只接受 pending 或可重试的 failed 运行。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.update(id, func(t *Task) error {
		if err := claimable(t); err != nil {
			return err
		}
		t.Status = StatusRunning
		t.Attempts++
		t.LastError, t.ErrorCode = "", ""
		return nil
	})
}

func claimable(t *Task) error {
	switch {
	case t.Status == StatusSucceeded:
		return ErrTaskCompleted
	case t.Status == StatusRunning:
		return ErrTaskConflict
	case t.Terminal || t.Attempts >= t.MaxRetries:
		return ErrTaskExhausted
	}
	return nil
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	_, err := m.update(id, func(t *Task) error {
		t.Status = StatusSucceeded
		t.Result = &result
		t.LastError, t.ErrorCode = "", ""
		return nil
	})
	return err
}

// MarkFailed 保留已有结果，除非 failure 带来新的结果。Terminal 一旦置位不会被清除。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, failure Failure) error {
	_, err := m.update(id, func(t *Task) error {
		t.Status = StatusFailed
		t.Terminal = t.Terminal || failure.Terminal
		t.LastError, t.ErrorCode = failure.Message, string(failure.Code)
		if failure.Result != nil {
			result := *failure.Result
			t.Result = &result
		}
		return nil
	})
	return err
}

// snapshot 返回符合过滤条件的任务副本，未排序。
func (m *MemoryStore) snapshot(opts ListOptions) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if matchesListFilters(t, opts) {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	results := m.snapshot(opts)
	slices.SortFunc(results, func(a, b *Task) int {
		switch {
		case lessForOrder(a, b, opts.Order):
			return -1
		case lessForOrder(b, a, opts.Order):
			return 1
		}
		return 0
	})
	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	return results[:min(len(results), opts.Limit)], nil
}

// Stats 与 List 使用相同的过滤条件，但忽略分页。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	var (
		stats    TaskStats
		scoreSum float64
	)
	for _, t := range m.snapshot(opts) {
		stats.Total++
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if t.Result != nil {
			stats.Scored++
			scoreSum += t.Result.Score
		}
		stats.NewestUpdatedAt = max(stats.NewestUpdatedAt, t.UpdatedAt)
		if stats.OldestUpdatedAt == 0 || t.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = t.UpdatedAt
		}
	}
	if stats.Scored > 0 {
		stats.AverageScore = scoreSum / float64(stats.Scored)
	}
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }

// lessForOrder 与 SQLStore 的 ORDER BY 保持一致。
func lessForOrder(a, b *Task, order SortOrder) bool {
	if order == SortTopScore {
		switch {
		case (a.Result == nil) != (b.Result == nil):
			return a.Result != nil
		case a.Result != nil && a.Result.Score != b.Result.Score:
			return a.Result.Score > b.Result.Score
		}
	}
	asc := order == SortOldest
	if a.UpdatedAt != b.UpdatedAt {
		return (a.UpdatedAt < b.UpdatedAt) == asc
	}
	if a.CreatedAt != b.CreatedAt {
		return (a.CreatedAt < b.CreatedAt) == asc
	}
	return (a.ID < b.ID) == asc
}

func matchesListFilters(t *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, t.Status) {
		return false
	}
	if opts.Benchmark != "" && t.BenchmarkID != opts.Benchmark {
		return false
	}
	since, until := opts.updatedRange()
	if (since > 0 && t.UpdatedAt < since) || (until > 0 && t.UpdatedAt > until) {
		return false
	}
	if opts.HasResult != nil && (t.Result != nil) != *opts.HasResult {
		return false
	}
	if opts.MinScore != nil && (t.Result == nil || t.Result.Score < *opts.MinScore) {
		return false
	}
	if opts.Query == "" {
		return true
	}
	fields := []string{t.ID, t.BenchmarkID, t.Prompt, t.LastError}
	if t.Result != nil {
		fields = append(fields, t.Result.Summary)
	}
	return slices.ContainsFunc(fields, func(f string) bool { return strings.Contains(f, opts.Query) })
}

var _ Store = (*MemoryStore)(nil)
