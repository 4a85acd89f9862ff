package task

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder 决定 List 的返回顺序。
type SortOrder string

const (
	// SortNewest 按更新时间倒序，默认值。
	SortNewest SortOrder = "desc"
	// SortOldest 按更新时间正序。
	SortOldest SortOrder = "asc"
	// SortTopScore 按得分倒序，没有结果的运行排在最后。
	SortTopScore SortOrder = "score"
)

// ParseSortOrder 解析查询参数中的排序方式，空串视为 SortNewest。
func ParseSortOrder(raw string) (SortOrder, error) {
	switch order := SortOrder(strings.ToLower(strings.TrimSpace(raw))); order {
	case "":
		return SortNewest, nil
	case SortNewest, SortOldest, SortTopScore:
		return order, nil
	default:
		return "", fmt.Errorf("未知的排序方式 %q", raw)
	}
}

// ListOptions 是 Store.List 与 Store.Stats 的过滤条件。零值表示不过滤。
type ListOptions struct {
	Limit     int
	Offset    int
	Order     SortOrder
	Statuses  []Status
	Benchmark string
	// Query 对 ID、用例、提示词、错误与摘要做子串匹配。
	Query     string
	Since     time.Time
	Until     time.Time
	HasResult *bool
	MinScore  *float64
}

func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	if opts.Order != SortOldest && opts.Order != SortTopScore {
		opts.Order = SortNewest
	}
	opts.Statuses = uniqueStatuses(opts.Statuses)
	opts.Benchmark = strings.TrimSpace(opts.Benchmark)
	opts.Query = strings.TrimSpace(opts.Query)
}

// updatedRange 返回 Unix 秒表示的更新时间区间，0 表示不限。
func (opts ListOptions) updatedRange() (since, until int64) {
	if !opts.Since.IsZero() {
		since = opts.Since.Unix()
	}
	if !opts.Until.IsZero() {
		until = opts.Until.Unix()
	}
	return since, until
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量，上限 100。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 offset 条。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithSortOrder 指定排序方式。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithStatuses 只保留给定状态的运行。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) { opts.Statuses = slices.Clone(statuses) }
}

// WithBenchmark 只保留指定用例的运行。
func WithBenchmark(id string) ListOption {
	return func(opts *ListOptions) { opts.Benchmark = id }
}

// WithQuery 按子串过滤。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

// WithUpdatedSince 只保留在 ts 之后（含）更新过的运行。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.Since = ts }
}

// WithUpdatedUntil 只保留在 ts 之前（含）更新过的运行。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.Until = ts }
}

// WithResultPresence 按是否已有执行结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

// WithMinScore 只保留得分不低于 score 的运行，隐含要求已有结果。
func WithMinScore(score float64) ListOption {
	return func(opts *ListOptions) { opts.MinScore = &score }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// uniqueStatuses 去重并丢弃未知状态，结果为空时返回 nil。
func uniqueStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(out, status) {
			out = append(out, status)
		}
	}
	return out
}
