package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busysync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busysync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "busysync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "busysync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busysync_sync_runs_total",
		Help: "Sync runs by trigger, mode and outcome.",
	}, []string{"trigger", "mode", "outcome"})

	syncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "busysync_sync_run_duration_seconds",
		Help:    "Histogram of per-calendar sync run durations.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"mode"})

	changesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busysync_changes_total",
		Help: "Detected source changes by kind.",
	}, []string{"kind"})

	propagationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busysync_propagation_ops_total",
		Help: "Busy-block writes against target calendars by operation and result.",
	}, []string{"op", "result"})

	auditFindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busysync_audit_findings_total",
		Help: "Audit findings by kind.",
	}, []string{"kind"})

	integrityViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busysync_integrity_violations_total",
		Help: "Data-integrity violations found in busy-block links.",
	}, []string{"kind"})

	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busysync_webhooks_total",
		Help: "Push notifications received by result.",
	}, []string{"result"})

	providerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busysync_provider_calls_total",
		Help: "Calls made to calendar providers by method and result.",
	}, []string{"provider", "method", "result"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			method := r.Method
			duration := time.Since(start).Seconds()
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(method, route).Inc()
			httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WithRoute labels work started outside an HTTP request, such as scheduled
// jobs, so database latency is attributed to it.
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeLabelKey, route)
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	route := routeFromContext(ctx)
	dbLatency.WithLabelValues(operation, route).Observe(time.Since(start).Seconds())
}

// ObserveSyncRun records the outcome of one calendar sync.
func ObserveSyncRun(trigger, mode, outcome string, start time.Time) {
	syncRunsTotal.WithLabelValues(trigger, mode, outcome).Inc()
	syncRunDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// CountChange counts one detected change of the given kind.
func CountChange(kind string) {
	changesTotal.WithLabelValues(kind).Inc()
}

// CountPropagation counts one busy-block write.
func CountPropagation(op string, err error) {
	propagationTotal.WithLabelValues(op, result(err)).Inc()
}

// CountAuditFinding counts audit findings of the given kind.
func CountAuditFinding(kind string, n int) {
	if n > 0 {
		auditFindingsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// CountIntegrityViolation counts one broken busy-block link.
func CountIntegrityViolation(kind string) {
	integrityViolationsTotal.WithLabelValues(kind).Inc()
}

// CountWebhook counts one inbound push notification.
func CountWebhook(res string) {
	webhooksTotal.WithLabelValues(res).Inc()
}

// CountProviderCall counts one outbound provider request.
func CountProviderCall(provider, method string, err error) {
	providerCallsTotal.WithLabelValues(provider, method, result(err)).Inc()
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
