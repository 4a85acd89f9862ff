package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentFlow-Chain/pkg/logger"
)

// Middleware 返回一个 HTTP 中间件，校验 Bearer Token 并写入审计日志。
// a 为 nil 时直接放行。
func (a *Authenticator) Middleware(event string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			audit := logger.Audit()
			subject, err := a.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrInvalidToken) {
					status = http.StatusForbidden
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="agentflow"`)
				http.Error(w, http.StatusText(status), status)
				audit.Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("error", err.Error()),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			name := event
			if name == "" {
				name = r.URL.Path
			}
			audit.Info("api_request",
				slog.String("event", name),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("caller", subject.Name),
			)
		})
	}
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
