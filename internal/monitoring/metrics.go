package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标（诊断接口）
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 别名指标
	AliasesCreated      prometheus.Counter
	AliasesExpired      prometheus.Counter
	AliasesPurged       *prometheus.CounterVec
	RemoteDeletesFailed prometheus.Counter
	PendingDeletions    prometheus.Gauge
	AliasesActive       prometheus.Gauge

	// 日志拉取指标
	PollsTotal       *prometheus.CounterVec
	DeviceLogsPolled prometheus.Counter
	CodesDetected    prometheus.Counter

	// 通知与推送
	NotificationsShown prometheus.Counter
	WebSocketClients   prometheus.Gauge

	// 系统指标
	SystemUptime  prometheus.Gauge
	MemoryUsage   prometheus.Gauge
	Goroutines    prometheus.Gauge
	LoopQueueSize prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标，注册到独立的 Registry
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
				Name: "aliasmx_http_requests_total",
				Help: "Total number of diagnostics HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aliasmx_http_request_duration_seconds",
				Help:    "Diagnostics HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		AliasesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aliasmx_aliases_created_total",
				Help: "Total number of aliases created",
			},
		),

		AliasesExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aliasmx_aliases_expired_total",
				Help: "Total number of aliases expired by their deletion timer",
			},
		),

		AliasesPurged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aliasmx_aliases_purged_total",
				Help: "Expired aliases removed by purge, by remote outcome",
			},
			[]string{"outcome"},
		),

		RemoteDeletesFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aliasmx_remote_deletes_failed_total",
				Help: "Total number of failed remote alias deletions",
			},
		),

		PendingDeletions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aliasmx_pending_deletions",
				Help: "Number of armed deletion timers",
			},
		),

		AliasesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aliasmx_aliases_active",
				Help: "Number of active aliases in the current domain",
			},
		),

		PollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aliasmx_polls_total",
				Help: "Total number of log polls",
			},
			[]string{"mode", "result"},
		),

		DeviceLogsPolled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aliasmx_device_logs_polled_total",
				Help: "Total number of delivery logs attributed to this device",
			},
		),

		CodesDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aliasmx_codes_detected_total",
				Help: "Total number of new confirmation codes",
			},
		),

		NotificationsShown: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aliasmx_notifications_shown_total",
				Help: "Total number of notifications presented",
			},
		),

		WebSocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aliasmx_websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),

		SystemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aliasmx_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aliasmx_memory_usage_bytes",
				Help: "Heap memory in use",
			},
		),

		Goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aliasmx_goroutines",
				Help: "Number of goroutines",
			},
		),

		LoopQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aliasmx_event_loop_queue_size",
				Help: "Number of tasks waiting on the event loop",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aliasmx_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aliasmx_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// AliasCreated 记录别名创建
func (m *Metrics) AliasCreated() {
	m.AliasesCreated.Inc()
}

// AliasExpired 记录定时器到期
func (m *Metrics) AliasExpired() {
	m.AliasesExpired.Inc()
}

// AliasPurged 记录批量清理结果
func (m *Metrics) AliasPurged(deleted, failed int) {
	m.AliasesPurged.WithLabelValues("deleted").Add(float64(deleted))
	m.AliasesPurged.WithLabelValues("failed").Add(float64(failed))
}

// RemoteDeleteFailed 记录远程删除失败
func (m *Metrics) RemoteDeleteFailed() {
	m.RemoteDeletesFailed.Inc()
	m.RecordError("remote_delete", "alias")
}

// PollCompleted 记录一次成功拉取
func (m *Metrics) PollCompleted(auto bool, deviceLogs, newCodes int) {
	m.PollsTotal.WithLabelValues(pollMode(auto), "ok").Inc()
	m.DeviceLogsPolled.Add(float64(deviceLogs))
	m.CodesDetected.Add(float64(newCodes))
}

// PollFailed 记录一次失败拉取
func (m *Metrics) PollFailed(auto bool) {
	m.PollsTotal.WithLabelValues(pollMode(auto), "error").Inc()
	m.RecordError("poll", "poller")
}

// RecordNotificationShown 记录通知展示
func (m *Metrics) RecordNotificationShown() {
	m.NotificationsShown.Inc()
}

// UpdateWebSocketClients 更新 websocket 连接数
func (m *Metrics) UpdateWebSocketClients(count int) {
	m.WebSocketClients.Set(float64(count))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func pollMode(auto bool) string {
	if auto {
		return "auto"
	}
	return "manual"
}
