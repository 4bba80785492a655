package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 行情指标
	ticksProcessed prometheus.Counter
	ticksInvalid   prometheus.Counter
	lastPrice      prometheus.Gauge
	windowSize     prometheus.Gauge
	tickLatency    prometheus.Histogram

	// 窗口统计
	pctUp   prometheus.Gauge
	pctDown prometheus.Gauge
	pctFlat prometheus.Gauge

	// 推送指标
	broadcasts       prometheus.Counter
	deliveries       prometheus.Counter
	deliveryFailures *prometheus.CounterVec
	subscribers      prometheus.Gauge
	payloadBytes     prometheus.Histogram

	// 接入指标
	ingestionState    prometheus.Gauge
	ingestionFailures *prometheus.CounterVec
	ingestionRestarts prometheus.Counter
	disconnects       prometheus.Counter
	framesDropped     *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "candle",
		Subsystem: "relay",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}
	}
	gauge := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}
	}

	return &Monitor{
		registry: reg,

		ticksProcessed: factory.NewCounter(opts("ticks_processed_total", "已处理的 tick 总数")),
		ticksInvalid:   factory.NewCounter(opts("ticks_invalid_total", "被拒绝的非法 tick 总数")),
		lastPrice:      factory.NewGauge(gauge("last_price", "最近一次原始价格")),
		windowSize:     factory.NewGauge(gauge("window_size", "当前窗口长度")),
		tickLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tick_process_seconds",
			Help:      "单个 tick 聚合+广播耗时（秒）",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		pctUp:   factory.NewGauge(gauge("window_pct_up", "窗口上涨占比")),
		pctDown: factory.NewGauge(gauge("window_pct_down", "窗口下跌占比")),
		pctFlat: factory.NewGauge(gauge("window_pct_flat", "窗口持平占比")),

		broadcasts: factory.NewCounter(opts("broadcasts_total", "快照广播次数")),
		deliveries: factory.NewCounter(opts("deliveries_total", "成功入队的推送次数")),
		deliveryFailures: factory.NewCounterVec(
			opts("delivery_failures_total", "推送失败次数"),
			[]string{"reason"},
		),
		subscribers: factory.NewGauge(gauge("subscribers", "当前连接的订阅者数")),
		payloadBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "payload_bytes",
			Help:      "快照编码后的字节数",
			Buckets:   prometheus.ExponentialBuckets(256, 2, 8),
		}),

		ingestionState: factory.NewGauge(gauge("ingestion_state", "接入状态(0=IDLE,1=AUTHENTICATING,2=CONNECTING,3=SUBSCRIBING,4=STREAMING,5=FAILED,6=DISCONNECTED)")),
		ingestionFailures: factory.NewCounterVec(
			opts("ingestion_failures_total", "接入失败次数"),
			[]string{"stage"},
		),
		ingestionRestarts: factory.NewCounter(opts("ingestion_restarts_total", "接入重启次数")),
		disconnects:       factory.NewCounter(opts("upstream_disconnects_total", "上游主动断开次数")),
		framesDropped: factory.NewCounterVec(
			opts("frames_dropped_total", "无法解析而丢弃的上游帧数"),
			[]string{"reason"},
		),
	}
}

// 行情相关方法
func (m *Monitor) RecordTick(price float64, windowLen int, seconds float64) {
	m.ticksProcessed.Inc()
	m.lastPrice.Set(price)
	m.windowSize.Set(float64(windowLen))
	m.tickLatency.Observe(seconds)
}

func (m *Monitor) RecordInvalidTick() {
	m.ticksInvalid.Inc()
}

func (m *Monitor) UpdateStats(up, down, flat float64) {
	m.pctUp.Set(up)
	m.pctDown.Set(down)
	m.pctFlat.Set(flat)
}

// 推送相关方法
func (m *Monitor) RecordBroadcast(payloadBytes int) {
	m.broadcasts.Inc()
	m.payloadBytes.Observe(float64(payloadBytes))
}

func (m *Monitor) RecordDelivery() {
	m.deliveries.Inc()
}

func (m *Monitor) RecordDeliveryFailure(reason string) {
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

func (m *Monitor) SetSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

// 接入相关方法
func (m *Monitor) SetIngestionState(state int) {
	m.ingestionState.Set(float64(state))
}

func (m *Monitor) RecordIngestionFailure(stage string) {
	m.ingestionFailures.WithLabelValues(stage).Inc()
}

// IngestionFailures 返回某阶段的失败计数器。
func (m *Monitor) IngestionFailures(stage string) prometheus.Counter {
	return m.ingestionFailures.WithLabelValues(stage)
}

func (m *Monitor) RecordIngestionRestart() {
	m.ingestionRestarts.Inc()
}

func (m *Monitor) RecordDisconnect() {
	m.disconnects.Inc()
}

// RecordFrameDropped reason: frame(信封解析失败) / candle(K 线字段非法)
func (m *Monitor) RecordFrameDropped(reason string) {
	m.framesDropped.WithLabelValues(reason).Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
