package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
// 所有方法对 nil 接收者安全，测试和工具可以不接指标。
type Monitor struct {
	registry *prometheus.Registry

	// 同步指标
	deltas          *prometheus.CounterVec
	resyncs         *prometheus.CounterVec
	snapshotErrors  *prometheus.CounterVec
	snapshotLatency *prometheus.HistogramVec
	syncState       *prometheus.GaugeVec
	lastUpdateID    *prometheus.GaugeVec
	feedReconnects  *prometheus.CounterVec

	// 订阅指标
	subscribers     *prometheus.GaugeVec
	subscriberDrops *prometheus.CounterVec
	messagesSent    *prometheus.CounterVec

	// 历史指标
	historySize   *prometheus.GaugeVec
	persistErrors *prometheus.CounterVec
	persistDrops  prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "relay",
		Subsystem: "depth",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		deltas:         counterVec("deltas_total", "增量处理结果计数", "symbol", "result"),
		resyncs:        counterVec("resyncs_total", "重新同步次数（按原因）", "symbol", "reason"),
		snapshotErrors: counterVec("snapshot_errors_total", "快照拉取失败次数", "symbol"),
		snapshotLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "snapshot_latency_seconds",
			Help:      "快照拉取延迟（秒）",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"symbol"}),
		syncState:      gaugeVec("sync_state", "同步状态(0=未初始化,1=加载快照,2=实时,3=重同步,4=已停止)", "symbol"),
		lastUpdateID:   gaugeVec("last_update_id", "最近应用的 updateId", "symbol"),
		feedReconnects: counterVec("feed_reconnects_total", "行情 WS 重连次数", "symbol"),

		subscribers:     gaugeVec("subscribers", "当前订阅者数量", "symbol"),
		subscriberDrops: counterVec("subscriber_drops_total", "订阅者被移除次数", "symbol", "reason"),
		messagesSent:    counterVec("messages_sent_total", "下发消息数（按类型）", "type"),

		historySize:   gaugeVec("history_size", "历史环形缓冲长度", "symbol"),
		persistErrors: counterVec("persist_errors_total", "历史落盘失败次数", "sink"),
		persistDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "persist_dropped_total",
			Help:      "落盘队列满被丢弃的快照数",
		}),
	}
}

// 同步相关方法
func (m *Monitor) RecordDelta(symbol, result string) {
	if m == nil {
		return
	}
	m.deltas.WithLabelValues(symbol, result).Inc()
}

func (m *Monitor) RecordResync(symbol, reason string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(symbol, reason).Inc()
}

// RecordSnapshotFetch 记录一次快照拉取，err 非空计入失败。
func (m *Monitor) RecordSnapshotFetch(symbol string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.snapshotLatency.WithLabelValues(symbol).Observe(seconds)
	if err != nil {
		m.snapshotErrors.WithLabelValues(symbol).Inc()
	}
}

func (m *Monitor) UpdateSyncState(symbol string, state int) {
	if m == nil {
		return
	}
	m.syncState.WithLabelValues(symbol).Set(float64(state))
}

func (m *Monitor) UpdateLastUpdateID(symbol string, id int64) {
	if m == nil {
		return
	}
	m.lastUpdateID.WithLabelValues(symbol).Set(float64(id))
}

func (m *Monitor) RecordFeedReconnect(symbol string) {
	if m == nil {
		return
	}
	m.feedReconnects.WithLabelValues(symbol).Inc()
}

// 订阅相关方法
func (m *Monitor) UpdateSubscribers(symbol string, n int) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(symbol).Set(float64(n))
}

func (m *Monitor) RecordSubscriberDrop(symbol, reason string) {
	if m == nil {
		return
	}
	m.subscriberDrops.WithLabelValues(symbol, reason).Inc()
}

func (m *Monitor) RecordMessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

// 历史相关方法
func (m *Monitor) UpdateHistorySize(symbol string, n int) {
	if m == nil {
		return
	}
	m.historySize.WithLabelValues(symbol).Set(float64(n))
}

func (m *Monitor) RecordPersistError(sink string) {
	if m == nil {
		return
	}
	m.persistErrors.WithLabelValues(sink).Inc()
}

func (m *Monitor) RecordPersistDrop() {
	if m == nil {
		return
	}
	m.persistDrops.Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
