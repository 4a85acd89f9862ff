package task

// TaskStats 聚合了运行状态的统计信息。AverageScore 只统计已有结果的运行。
type TaskStats struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Running         int     `json:"running"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	Scored          int     `json:"scored"`
	AverageScore    float64 `json:"average_score"`
	OldestUpdatedAt int64   `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64   `json:"newest_updated_at,omitempty"`
}
