package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AgentFlow-Chain/internal/auth"
	"AgentFlow-Chain/internal/benchmark"
	xerrors "AgentFlow-Chain/internal/errors"
	"AgentFlow-Chain/internal/observability/metrics"
	"AgentFlow-Chain/internal/task"
	"AgentFlow-Chain/pkg/logger"
)

const runsPath = "/api/v1/runs"

// Server 暴露运行的提交与查询接口。
type Server struct {
	addr    string
	runs    *task.Service
	catalog *benchmark.Catalog
	metrics *metrics.Recorder
	auth    *auth.Authenticator
	log     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithCatalog 启用 /api/v1/benchmarks 接口。
func WithCatalog(catalog *benchmark.Catalog) Option {
	return func(s *Server) {
		s.catalog = catalog
	}
}

// WithMetrics 记录每个接口的请求指标，并在 /metrics 暴露。
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Server) {
		s.metrics = rec
	}
}

// WithAuthenticator 要求 /api/v1 下的接口携带 Bearer Token。
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runs *task.Service, opts ...Option) *Server {
	s := &Server{addr: addr, runs: runs, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, runsPath, "runs", s.handleRuns)
	s.route(mux, runsPath+"/", "run_detail", s.handleRunDetail)
	s.route(mux, "/api/v1/benchmarks", "benchmarks", s.handleBenchmarks)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	var h http.Handler = s.auth.Middleware(name)(fn)
	if s.metrics != nil {
		h = s.metrics.Middleware(name, h)
	}
	mux.Handle(pattern, h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "仅支持 GET/POST"})
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req task.Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	run, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", runsPath+"/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleRunDetail 处理 /api/v1/runs/{id} 与 /api/v1/runs/stats。
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "仅支持 GET"})
		return
	}
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, runsPath), "/")
	switch {
	case id == "":
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少运行 ID"))
	case id == "stats":
		opts, err := listOptions(r)
		if err != nil {
			writeError(w, err)
			return
		}
		stats, err := s.runs.Stats(r.Context(), opts...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	default:
		run, err := s.runs.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

type benchmarkSummary struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Steps       int      `json:"steps"`
	Assertions  int      `json:"assertions"`
}

func (s *Server) handleBenchmarks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "仅支持 GET"})
		return
	}
	out := []benchmarkSummary{}
	if s.catalog != nil {
		for _, tc := range s.catalog.List() {
			out = append(out, benchmarkSummary{
				ID:          tc.ID,
				Description: tc.Description,
				Tags:        tc.Tags,
				Steps:       len(tc.Steps()),
				Assertions:  len(tc.GroundTruth.FinalStateAssertions),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// listOptions 从查询参数构造过滤条件：status（可重复或逗号分隔）、benchmark、q、limit、offset、order、min_score、has_result、since、until。
func listOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption

	var statuses []task.Status
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status := task.Status(part)
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的状态 "+part)
			}
			statuses = append(statuses, status)
		}
	}
	if len(statuses) > 0 {
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if v := q.Get("benchmark"); v != "" {
		opts = append(opts, task.WithBenchmark(v))
	}
	if v := q.Get("q"); v != "" {
		opts = append(opts, task.WithQuery(v))
	}
	for _, p := range []struct {
		name  string
		apply func(int) task.ListOption
	}{{"limit", task.WithLimit}, {"offset", task.WithOffset}} {
		if raw := q.Get(p.name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, p.name+" 必须是非负整数")
			}
			opts = append(opts, p.apply(n))
		}
	}
	order, err := task.ParseSortOrder(q.Get("order"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "order 只能是 asc、desc 或 score")
	}
	opts = append(opts, task.WithSortOrder(order))
	if raw := q.Get("min_score"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "min_score 必须是数字")
		}
		opts = append(opts, task.WithMinScore(v))
	}
	if raw := q.Get("has_result"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(v))
	}
	for _, p := range []struct {
		name  string
		apply func(time.Time) task.ListOption
	}{{"since", task.WithUpdatedSince}, {"until", task.WithUpdatedUntil}} {
		if raw := q.Get(p.name); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, p.name+" 必须是 RFC3339 时间")
			}
			opts = append(opts, p.apply(ts))
		}
	}
	return opts, nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case task.IsTaskError(err, task.CodeTaskNotFound), code == xerrors.CodeNotFound:
		status = http.StatusNotFound
	case code == task.CodeTaskValidation, code == xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case code == task.CodeTaskConflict:
		status = http.StatusConflict
	case code == xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
