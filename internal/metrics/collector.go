// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record 方法对 nil 接收者安全。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 节点桥接指标
	envelopesSent        *prometheus.CounterVec
	envelopeSendAttempts *prometheus.HistogramVec
	commandsHandled      *prometheus.CounterVec

	// 事件与运行指标
	remoteEvents    *prometheus.CounterVec
	runTransitions  *prometheus.CounterVec
	activeRuns      prometheus.Gauge
	forwardedEvents *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWithRegisterer 创建指标收集器并注册到指定 registerer
func NewCollectorWithRegisterer(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 节点桥接指标
	c.envelopesSent = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Total number of command envelopes sent to worker nodes",
		},
		[]string{"kind", "outcome"}, // outcome: delivered, deduped, failed
	)

	c.envelopeSendAttempts = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "envelope_send_attempts",
			Help:      "Transport attempts per command envelope",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"kind"},
	)

	c.commandsHandled = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_handled_total",
			Help:      "Total number of command envelopes handled by this worker",
		},
		[]string{"kind", "deduped"},
	)

	// 事件与运行指标
	c.remoteEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_events_total",
			Help:      "Total number of remote execution events received by the host",
		},
		[]string{"outcome", "reason"},
	)

	c.runTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "team_run_transitions_total",
			Help:      "Team run lifecycle transitions",
		},
		[]string{"transition"},
	)

	c.activeRuns = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "team_runs_active",
			Help:      "Number of team runs owned by this host node",
		},
	)

	c.forwardedEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_events_total",
			Help:      "Total number of events forwarded from this worker to host nodes",
		},
		[]string{"outcome"},
	)

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔗 节点桥接指标记录
// =============================================================================

// RecordEnvelopeSent 记录一次命令投递结果
func (c *Collector) RecordEnvelopeSent(kind, outcome string, attempts int) {
	if c == nil {
		return
	}
	c.envelopesSent.WithLabelValues(kind, outcome).Inc()
	if attempts > 0 {
		c.envelopeSendAttempts.WithLabelValues(kind).Observe(float64(attempts))
	}
}

// RecordCommandHandled 记录 worker 侧命令处理
func (c *Collector) RecordCommandHandled(kind string, deduped bool) {
	if c == nil {
		return
	}
	c.commandsHandled.WithLabelValues(kind, strconv.FormatBool(deduped)).Inc()
}

// =============================================================================
// 🧭 事件与运行指标记录
// =============================================================================

// RecordRemoteEvent 记录远端事件摄取结果；reason 为空表示已聚合
func (c *Collector) RecordRemoteEvent(outcome, reason string) {
	if c == nil {
		return
	}
	c.remoteEvents.WithLabelValues(outcome, reason).Inc()
}

// RecordRunTransition 记录运行状态转换，并维护活跃运行数
func (c *Collector) RecordRunTransition(transition string) {
	if c == nil {
		return
	}
	c.runTransitions.WithLabelValues(transition).Inc()
	switch transition {
	case "started":
		c.activeRuns.Inc()
	case "auto_stopped", "stopped":
		c.activeRuns.Dec()
	}
}

// RecordForwardedEvent 记录 worker 上行事件结果
func (c *Collector) RecordForwardedEvent(outcome string) {
	if c == nil {
		return
	}
	c.forwardedEvents.WithLabelValues(outcome).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
