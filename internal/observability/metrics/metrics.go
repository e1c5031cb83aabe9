// Package metrics 提供进程内的 Prometheus 指标收集。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 聚合服务的全部指标。
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	rpcRequestsTotal *prometheus.CounterVec

	tasksSubmitted *prometheus.CounterVec
	tasksProcessed *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	queueDepth     prometheus.Gauge

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
}

// NewCollector 创建指标收集器。每个收集器使用独立的注册表，
// 避免测试中重复注册导致 panic。
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "careerd"
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{registry: registry}

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
	c.rpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Total number of JSON-RPC requests by method and outcome",
		},
		[]string{"rpc_method", "outcome"},
	)
	c.tasksSubmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks accepted by the front door",
		},
		[]string{"skill"},
	)
	c.tasksProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Total number of task executions by terminal status",
		},
		[]string{"status"},
	)
	c.taskDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"skill"},
	)
	c.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Number of tasks waiting in the queue",
		},
	)
	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"model", "status"},
	)
	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)
	return c
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveRPC 记录一次 JSON-RPC 调用。
func (c *Collector) ObserveRPC(method, outcome string) {
	if c == nil {
		return
	}
	c.rpcRequestsTotal.WithLabelValues(method, outcome).Inc()
}

// TaskSubmitted 记录一次任务提交。
func (c *Collector) TaskSubmitted(skill string) {
	if c == nil {
		return
	}
	if skill == "" {
		skill = "auto"
	}
	c.tasksSubmitted.WithLabelValues(skill).Inc()
}

// TaskProcessed 记录一次任务终态与耗时。
func (c *Collector) TaskProcessed(skill, status string, duration time.Duration) {
	if c == nil {
		return
	}
	if skill == "" {
		skill = "auto"
	}
	c.tasksProcessed.WithLabelValues(status).Inc()
	c.taskDuration.WithLabelValues(skill).Observe(duration.Seconds())
}

// SetQueueDepth 更新队列积压深度。
func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// ObserveLLMRequest 记录一次大模型调用。
func (c *Collector) ObserveLLMRequest(model, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(model, status).Inc()
	c.llmRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
}
