package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentflow"

// Recorder owns a private registry with the HTTP and run collectors. It
// implements task.Observer.
type Recorder struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	requestTime *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runScore    prometheus.Histogram
	queueWait   prometheus.Histogram
	withRuntime bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithRuntimeCollectors adds the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(r *Recorder) { r.withRuntime = true }
}

// New builds a Recorder and registers its collectors.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "processed_total",
			Help:      "Benchmark run executions by outcome and error category.",
		}, []string{"outcome", "category"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall time of one run execution.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		runScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "score",
			Help:      "Fraction of final state assertions that passed.",
			Buckets:   []float64{0, 0.25, 0.5, 0.75, 1},
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Time a run message spent queued before a worker picked it up.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.registry.MustRegister(r.requests, r.requestTime, r.runs, r.runDuration, r.runScore, r.queueWait)
	if r.withRuntime {
		r.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Recorder) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	r.requestTime.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRun records one run execution. Requeued attempts are not scored.
func (r *Recorder) ObserveRun(outcome, category string, elapsed time.Duration, score float64) {
	if category == "" {
		category = "none"
	}
	r.runs.WithLabelValues(outcome, category).Inc()
	r.runDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if outcome != "requeued" {
		r.runScore.Observe(score)
	}
}

// ObserveQueueWait records how long a message waited in the run queue.
func (r *Recorder) ObserveQueueWait(wait time.Duration) {
	r.queueWait.Observe(wait.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Middleware wraps next and records every request under the handler label.
func (r *Recorder) Middleware(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.ObserveHTTPRequest(handler, req.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, r *Recorder) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
