package metrics

import (
	"context"
	stdErrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Neural-Reflexion/internal/agent"
	xerrors "Neural-Reflexion/internal/errors"
)

const namespace = "reflexion"

// Metrics 持有服务的全部指标。所有方法在接收者为 nil 时为空操作。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	runs          *prometheus.CounterVec
	runIterations prometheus.Histogram
	runScore      prometheus.Histogram
	runDuration   prometheus.Histogram
	runsInFlight  prometheus.Gauge

	llmCalls   *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec

	searches       *prometheus.CounterVec
	searchResults  prometheus.Histogram
	queryFailures  *prometheus.CounterVec
	alertsNotified *prometheus.CounterVec
}

// New 创建独立注册表并注册全部指标，包括 Go 运行时与进程指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished reflexion runs by stop reason.",
		}, []string{"stop_reason"}),
		runIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_iterations",
			Help:      "Revisions performed per run.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
		runScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_final_score",
			Help:      "Final heuristic score per run.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a reflexion run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Runs currently executing.",
		}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Generation calls by provider, purpose and outcome.",
		}, []string{"provider", "purpose", "outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Generation call latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider", "purpose"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Search requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Results returned per search request.",
			Buckets:   prometheus.LinearBuckets(0, 2, 6),
		}),
		queryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_failures_total",
			Help:      "Search queries recorded as failed inside a run.",
		}, []string{"code"}),
		alertsNotified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts dispatched by error code.",
		}, []string{"code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpErrors, m.httpLatency,
		m.runs, m.runIterations, m.runScore, m.runDuration, m.runsInFlight,
		m.llmCalls, m.llmLatency,
		m.searches, m.searchResults, m.queryFailures, m.alertsNotified,
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// RunStarted 增加执行中的运行数。
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

// ObserveRun 在运行结束后记录停止原因、轮数、得分与耗时。
func (m *Metrics) ObserveRun(state *agent.RunState) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	if state == nil {
		m.runs.WithLabelValues(string(agent.StopFailed)).Inc()
		return
	}
	m.runs.WithLabelValues(string(state.StopReason)).Inc()
	m.runIterations.Observe(float64(state.Iterations))
	if len(state.Trace) > 0 {
		m.runScore.Observe(state.FinalScore())
	}
	if !state.FinishedAt.IsZero() && !state.StartedAt.IsZero() {
		m.runDuration.Observe(state.FinishedAt.Sub(state.StartedAt).Seconds())
	}
}

// ObserveLLMCall 与 llm.Observe 的回调签名一致。
func (m *Metrics) ObserveLLMCall(provider, purpose string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(provider, purpose, outcome(err)).Inc()
	m.llmLatency.WithLabelValues(provider, purpose).Observe(elapsed.Seconds())
}

// ObserveSearch 与 search.Observe 的回调签名一致。
func (m *Metrics) ObserveSearch(provider string, results int, _ time.Duration, err error) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(provider, outcome(err)).Inc()
	if err == nil {
		m.searchResults.Observe(float64(results))
	}
}

// ObserveQueryFailure 记录一次运行内的检索失败。
func (m *Metrics) ObserveQueryFailure(code string) {
	if m == nil {
		return
	}
	m.queryFailures.WithLabelValues(code).Inc()
}

// ObserveAlert 记录一次告警派发。
func (m *Metrics) ObserveAlert(code xerrors.Code) {
	if m == nil {
		return
	}
	m.alertsNotified.WithLabelValues(string(code)).Inc()
}

// Handler 以 Prometheus 文本格式暴露指标。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stdErrors.Is(err, context.Canceled):
		return "canceled"
	case stdErrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// StartServer 在独立地址上暴露 /metrics，ctx 结束时优雅关闭。
func StartServer(ctx context.Context, addr string, m *Metrics) error {
	if addr == "" {
		return stdErrors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
