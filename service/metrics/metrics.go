// Package metrics 把各组件的计数器导出成 prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"IMCore/service/chat"
	"IMCore/service/dispatcher"
	"IMCore/service/event"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imcore"

// Sources 各组件的快照函数；nil 的不导出
type Sources struct {
	Publisher  func() event.PublisherStats
	Registry   func() chat.ManagerStats
	Dispatcher func() dispatcher.Stats
	Subscriber func() dispatcher.SubscriberStats
}

// Metrics 持有自建 registry，避免污染全局 DefaultRegisterer（单测里可以重复创建）
type Metrics struct {
	reg *prometheus.Registry

	MessageOps  *prometheus.CounterVec   // op, result
	StoreLat    *prometheus.HistogramVec // op
	httpReqs    *prometheus.CounterVec
	httpLat     *prometheus.HistogramVec
	wsDelivered prometheus.Counter
}

func New(src Sources) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		MessageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_ops_total",
			Help: "Message store operations by op and result.",
		}, []string{"op", "result"}),
		StoreLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "message_op_duration_seconds",
			Help: "Message store operation latency.", Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		httpLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "HTTP request latency.", Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		wsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_frames_delivered_total",
			Help: "Frames handed to local websocket transports.",
		}),
	}
	m.reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.MessageOps, m.StoreLat, m.httpReqs, m.httpLat, m.wsDelivered,
	)
	m.registerSources(src)
	return m
}

func (m *Metrics) counterFunc(sub, name, help string, f func() float64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: sub, Name: name, Help: help,
	}, f))
}

func (m *Metrics) gaugeFunc(sub, name, help string, f func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: sub, Name: name, Help: help,
	}, f))
}

func (m *Metrics) registerSources(src Sources) {
	if p := src.Publisher; p != nil {
		m.counterFunc("publisher", "events_total", "Events accepted into the publish queue.", func() float64 { return float64(p().Total) })
		m.counterFunc("publisher", "events_successful_total", "Events delivered to the bus.", func() float64 { return float64(p().Successful) })
		m.counterFunc("publisher", "events_failed_total", "Events failed after exhausting retries.", func() float64 { return float64(p().Failed) })
		m.counterFunc("publisher", "events_retried_total", "Publish retry attempts.", func() float64 { return float64(p().Retried) })
		m.counterFunc("publisher", "events_dropped_total", "Events dropped (queue full, expired, shutdown).", func() float64 { return float64(p().Dropped) })
		m.gaugeFunc("publisher", "queue_depth", "Events waiting in the publish queue.", func() float64 { return float64(p().QueueDepth) })
	}
	if r := src.Registry; r != nil {
		m.gaugeFunc("registry", "connections", "Connections held by this instance.", func() float64 { return float64(r().Connections) })
		m.gaugeFunc("registry", "online_users", "Distinct users online on this instance.", func() float64 { return float64(r().OnlineUsers) })
		m.counterFunc("registry", "shared_failures_total", "Failed shared registry writes.", func() float64 { return float64(r().SharedFailures) })
		m.counterFunc("registry", "timed_out_total", "Connections removed by heartbeat timeout.", func() float64 { return float64(r().TimedOut) })
		m.counterFunc("registry", "rejected_total", "Registrations rejected by connection limits.", func() float64 { return float64(r().Rejected) })
	}
	if d := src.Dispatcher; d != nil {
		m.counterFunc("dispatcher", "dispatched_total", "Events dispatched to at least one handler.", func() float64 { return float64(d().Dispatched) })
		m.counterFunc("dispatcher", "unmatched_total", "Events with no enabled handler.", func() float64 { return float64(d().Unmatched) })
		m.counterFunc("dispatcher", "handler_errors_total", "Handler errors and panics.", func() float64 { return float64(d().HandlerErrors) })
		m.gaugeFunc("dispatcher", "handlers", "Registered handlers.", func() float64 { return float64(d().Handlers) })
	}
	if s := src.Subscriber; s != nil {
		m.counterFunc("subscriber", "received_total", "Bus messages received.", func() float64 { return float64(s().Received) })
		m.counterFunc("subscriber", "expired_total", "Expired envelopes skipped.", func() float64 { return float64(s().Expired) })
		m.counterFunc("subscriber", "duplicated_total", "Duplicate envelopes skipped.", func() float64 { return float64(s().Duplicated) })
		m.counterFunc("subscriber", "malformed_total", "Undecodable bus messages.", func() float64 { return float64(s().Malformed) })
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveOp 记一次存储操作
func (m *Metrics) ObserveOp(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MessageOps.WithLabelValues(op, result).Inc()
	m.StoreLat.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Delivered(n int) { m.wsDelivered.Add(float64(n)) }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GinMiddleware path 用注册路由（c.FullPath）控制基数
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpReqs.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpLat.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
