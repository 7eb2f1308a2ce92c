// Package metrics 定义 Prometheus 指标
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "littlegate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "littlegate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)

	// VerdictsTotal 核销结果计数
	VerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "littlegate_verdicts_total",
			Help: "Ticket verification verdicts by status",
		},
		[]string{"status"},
	)

	// CallbackDecisionsTotal 回调准入计数，accepted 或拒绝原因
	CallbackDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "littlegate_callback_decisions_total",
			Help: "Payment callback decisions by outcome",
		},
		[]string{"outcome", "source"},
	)

	// StoreErrorsTotal 存储故障计数
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "littlegate_store_errors_total",
			Help: "Store failures surfaced to callers",
		},
		[]string{"operation", "kind"},
	)

	// OperationDuration 核销与回调处理耗时
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "littlegate_operation_duration_seconds",
			Help:    "Duration of verification and callback operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	// PrunedRecordsTotal 清理掉的防重放记录
	PrunedRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "littlegate_replay_pruned_total",
			Help: "Replay ledger records removed after retention",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(VerdictsTotal)
	prometheus.MustRegister(CallbackDecisionsTotal)
	prometheus.MustRegister(StoreErrorsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(PrunedRecordsTotal)
}

// ObserveSince 记录操作耗时
func ObserveSince(operation string, start time.Time) {
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// GinMiddleware 记录请求数和耗时，handler 标签取路由模板
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		handler := c.FullPath()
		if handler == "" {
			handler = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(handler, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(handler, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
