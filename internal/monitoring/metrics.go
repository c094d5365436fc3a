package monitoring

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标。所有方法对 nil 接收者安全，未启用监控时可直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 服务商调用指标
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec

	// 业务指标
	EmailsListed     prometheus.Counter
	EmailsSent       *prometheus.CounterVec
	EmailsOpened     prometheus.Counter
	PixelRequests    prometheus.Counter
	WebsocketClients prometheus.Gauge

	// 错误与限流指标
	ErrorsTotal     *prometheus.CounterVec
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec

	gatewayErrors atomic.Int64
}

// NewMetrics 在独立的注册表上创建监控指标，并附带 Go 运行时与进程指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtrack_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailtrack_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		GatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtrack_gateway_calls_total",
				Help: "Total number of mail provider calls",
			},
			[]string{"op", "outcome"},
		),

		GatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailtrack_gateway_call_duration_seconds",
				Help:    "Mail provider call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		EmailsListed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailtrack_emails_listed_total",
				Help: "Total number of emails returned by list requests",
			},
		),

		EmailsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtrack_emails_sent_total",
				Help: "Total number of emails sent",
			},
			[]string{"tracked"},
		),

		EmailsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailtrack_emails_opened_total",
				Help: "Total number of first opens recorded",
			},
		),

		PixelRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailtrack_pixel_requests_total",
				Help: "Total number of tracking pixel requests",
			},
		),

		WebsocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailtrack_websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtrack_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailtrack_panics_total",
				Help: "Total number of panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailtrack_rate_limit_blocks_total",
				Help: "Total number of rate limit blocks",
			},
			[]string{"type"},
		),
	}
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// ObserveGatewayCall 记录一次服务商调用
func (m *Metrics) ObserveGatewayCall(op, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCallsTotal.WithLabelValues(op, outcome).Inc()
	m.GatewayCallDuration.WithLabelValues(op).Observe(duration.Seconds())
	if outcome != "success" {
		m.gatewayErrors.Add(1)
	}
}

// GatewayErrors 返回进程启动以来服务商调用失败的次数
func (m *Metrics) GatewayErrors() int64 {
	if m == nil {
		return 0
	}
	return m.gatewayErrors.Load()
}

// RecordEmailsListed 记录列表返回的邮件数
func (m *Metrics) RecordEmailsListed(count int) {
	if m == nil {
		return
	}
	m.EmailsListed.Add(float64(count))
}

// RecordEmailSent 记录邮件发送
func (m *Metrics) RecordEmailSent(tracked bool) {
	if m == nil {
		return
	}
	label := "false"
	if tracked {
		label = "true"
	}
	m.EmailsSent.WithLabelValues(label).Inc()
}

// RecordEmailOpened 记录首次打开
func (m *Metrics) RecordEmailOpened() {
	if m == nil {
		return
	}
	m.EmailsOpened.Inc()
}

// RecordPixelRequest 记录像素请求
func (m *Metrics) RecordPixelRequest() {
	if m == nil {
		return
	}
	m.PixelRequests.Inc()
}

// SetWebsocketClients 更新 websocket 连接数
func (m *Metrics) SetWebsocketClients(count int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(count))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
