package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"

	xerrors "AgentFlow-Chain/internal/errors"
)

// 支持的 SQL 方言。
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// SQLStoreConfig 描述关系型存储的连接参数。SQLite 使用 Path，MySQL 使用 DSN。
type SQLStoreConfig struct {
	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore 使用 MySQL 或嵌入式 SQLite 记录运行状态。
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewMySQLStore 创建基于 MySQL 的存储。
func NewMySQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	return NewSQLStore(ctx, SQLStoreConfig{Driver: DialectMySQL, DSN: dsn})
}

// NewSQLiteStore 创建基于本地文件的 SQLite 存储。
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	return NewSQLStore(ctx, SQLStoreConfig{Driver: DialectSQLite, Path: path})
}

// NewSQLStore 打开数据库连接并初始化表结构。
func NewSQLStore(ctx context.Context, cfg SQLStoreConfig) (*SQLStore, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var dsn string
	switch dialect {
	case DialectMySQL:
		dsn = strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
		}
	case DialectSQLite, "sqlite3":
		dialect = DialectSQLite
		dsn = strings.TrimSpace(cfg.Path)
		if dsn == "" {
			dsn = strings.TrimSpace(cfg.DSN)
		}
		if dsn == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的存储驱动 %q", cfg.Driver))
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}
	if dialect == DialectSQLite {
		// SQLite 只允许单写者。
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 20))
		db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 10))
		lifetime := cfg.ConnMaxLifetime
		if lifetime <= 0 {
			lifetime = 10 * time.Minute
		}
		db.SetConnMaxLifetime(lifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}

	store := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	var statements []string
	if s.dialect == DialectMySQL {
		statements = []string{`CREATE TABLE IF NOT EXISTS run_states (
        id VARCHAR(64) PRIMARY KEY,
        benchmark_id VARCHAR(128) NOT NULL DEFAULT '',
        prompt TEXT,
        key_map TEXT,
        metadata TEXT,
        status VARCHAR(32) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        terminal TINYINT(1) NOT NULL DEFAULT 0,
        last_error TEXT,
        error_code VARCHAR(64) NOT NULL DEFAULT '',
        result MEDIUMTEXT,
        result_summary TEXT,
        result_score DOUBLE NULL,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_run_status (status),
        INDEX idx_run_benchmark (benchmark_id),
        INDEX idx_run_updated (updated_at)
)`}
	} else {
		statements = []string{
			`CREATE TABLE IF NOT EXISTS run_states (
        id TEXT PRIMARY KEY,
        benchmark_id TEXT NOT NULL DEFAULT '',
        prompt TEXT,
        key_map TEXT,
        metadata TEXT,
        status TEXT NOT NULL,
        attempts INTEGER NOT NULL DEFAULT 0,
        max_retries INTEGER NOT NULL DEFAULT 3,
        terminal INTEGER NOT NULL DEFAULT 0,
        last_error TEXT,
        error_code TEXT NOT NULL DEFAULT '',
        result TEXT,
        result_summary TEXT,
        result_score REAL,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_run_status ON run_states (status)`,
			`CREATE INDEX IF NOT EXISTS idx_run_benchmark ON run_states (benchmark_id)`,
			`CREATE INDEX IF NOT EXISTS idx_run_updated ON run_states (updated_at)`,
		}
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 run_states 表失败")
		}
	}
	return nil
}

const selectColumns = `id, benchmark_id, prompt, key_map, metadata, status, attempts, max_retries, terminal,
        last_error, error_code, result, created_at, updated_at`

// Create 插入新的运行记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	keyMap, err := marshalJSON(task.KeyMap)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 key_map 失败")
	}
	metadata, err := marshalJSON(task.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 metadata 失败")
	}

	const stmt = `INSERT INTO run_states
        (id, benchmark_id, prompt, key_map, metadata, status, attempts, max_retries, terminal, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.BenchmarkID,
		task.Prompt,
		keyMap,
		metadata,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.Terminal,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行记录失败")
	}
	return nil
}

// Get 查询指定运行。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM run_states WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	return task, nil
}

// Claim 通过条件更新原子地领取任务，未命中时根据当前状态返回对应错误。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE run_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries AND terminal = 0`
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return task, nil
	}
	// 条件更新没有命中：要么状态不允许，要么被其他 worker 抢先。
	if err := claimable(task); err != nil {
		return task, err
	}
	return task, ErrTaskConflict
}

// MarkSucceeded 将运行标记为成功。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	return s.finish(ctx, id, StatusSucceeded, false, "", "", &result, "标记运行成功失败")
}

// MarkFailed 将运行标记为失败，Terminal 为真时不再允许领取。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, failure Failure) error {
	return s.finish(ctx, id, StatusFailed, failure.Terminal, failure.Message, string(failure.Code), failure.Result, "标记运行失败失败")
}

func (s *SQLStore) finish(ctx context.Context, id string, status Status, terminal bool, lastError, code string, result *ExecutionResult, msg string) error {
	set := `status = ?, terminal = (terminal OR ?), last_error = ?, error_code = ?, updated_at = ?`
	args := []any{string(status), terminal, lastError, code, s.now().Unix()}
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码运行结果失败")
		}
		set += `, result = ?, result_summary = ?, result_score = ?`
		args = append(args, string(encoded), result.Summary, result.Score)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE run_states SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的运行。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + selectColumns + ` FROM run_states`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	switch opts.Order {
	case SortOldest:
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	case SortTopScore:
		query += " ORDER BY result_score IS NULL, result_score DESC, updated_at DESC, created_at DESC, id DESC"
	default:
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的运行聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COUNT(result_score),
        AVG(result_score),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM run_states`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats TaskStats
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.Scored,
		&avg,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行统计失败")
	}
	if avg.Valid {
		stats.AverageScore = avg.Float64
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var status string
	var prompt, keyMap, metadata, lastError, result sql.NullString
	if err := row.Scan(
		&task.ID,
		&task.BenchmarkID,
		&prompt,
		&keyMap,
		&metadata,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&task.Terminal,
		&lastError,
		&task.ErrorCode,
		&result,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.Prompt = prompt.String
	task.LastError = lastError.String
	if err := unmarshalJSON(keyMap, &task.KeyMap); err != nil {
		return nil, fmt.Errorf("decode key_map: %w", err)
	}
	if err := unmarshalJSON(metadata, &task.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var decoded ExecutionResult
		if err := json.Unmarshal([]byte(result.String), &decoded); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		task.Result = &decoded
	}
	return &task, nil
}

func marshalJSON[T any](value map[string]T) (sql.NullString, error) {
	if len(value) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalJSON[T any](raw sql.NullString, target *map[string]T) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), target)
}

// isDuplicateKey 识别 MySQL 1062 与 SQLite 的唯一约束冲突。
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var coded interface{ Code() int }
	if stdErrors.As(err, &coded) {
		// SQLITE_CONSTRAINT_PRIMARYKEY 与 SQLITE_CONSTRAINT_UNIQUE
		if c := coded.Code(); c == 1555 || c == 2067 {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Benchmark != "" {
		conditions = append(conditions, "benchmark_id = ?")
		args = append(args, opts.Benchmark)
	}
	since, until := opts.updatedRange()
	if since > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, since)
	}
	if until > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, until)
	}
	if opts.MinScore != nil {
		conditions = append(conditions, "result_score >= ?")
		args = append(args, *opts.MinScore)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result IS NOT NULL AND result <> '')")
		} else {
			conditions = append(conditions, "(result IS NULL OR result = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR benchmark_id LIKE ? OR prompt LIKE ? OR last_error LIKE ? OR result_summary LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*SQLStore)(nil)
