package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 账本与跨链指标，方法对nil接收者安全
type Metrics struct {
	registry        *prometheus.Registry
	ledgerOps       *prometheus.CounterVec
	ledgerLatency   *prometheus.HistogramVec
	bridgeOps       *prometheus.CounterVec
	bridgeState     prometheus.Gauge
	eventsPublished *prometheus.CounterVec
	lockedValue     prometheus.Gauge
	capsules        prometheus.Gauge
}

// New 创建指标注册表
func New() *Metrics {
	ledgerOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capsule_ledger_operations_total",
		Help: "Ledger operations by name and result code",
	}, []string{"operation", "result"})

	ledgerLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capsule_ledger_operation_seconds",
		Help:    "Ledger operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	bridgeOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capsule_bridge_operations_total",
		Help: "Cross-chain adapter operations by name and result",
	}, []string{"operation", "result"})

	bridgeState := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capsule_bridge_session_state",
		Help: "Bridge session state (0 uninitialized, 1 initializing, 2 ready, 3 failed)",
	})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capsule_events_published_total",
		Help: "Ledger events written to the configured output",
	}, []string{"type", "result"})

	locked := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capsule_locked_value",
		Help: "Sum of unopened escrow amounts in smallest units (float approximation)",
	})

	capsules := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capsule_total_count",
		Help: "Number of escrow entries created",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ledgerOps, ledgerLatency, bridgeOps, bridgeState, events, locked, capsules)

	return &Metrics{
		registry:        r,
		ledgerOps:       ledgerOps,
		ledgerLatency:   ledgerLatency,
		bridgeOps:       bridgeOps,
		bridgeState:     bridgeState,
		eventsPublished: events,
		lockedValue:     locked,
		capsules:        capsules,
	}
}

// Handler /metrics处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveLedger 记录账本操作
func (m *Metrics) ObserveLedger(operation, result string, started time.Time) {
	if m == nil {
		return
	}
	if result == "" {
		result = "ok"
	}
	m.ledgerOps.WithLabelValues(operation, result).Inc()
	m.ledgerLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// ObserveBridge 记录跨链操作
func (m *Metrics) ObserveBridge(operation, result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "ok"
	}
	m.bridgeOps.WithLabelValues(operation, result).Inc()
}

// SetBridgeState 记录跨链会话状态
func (m *Metrics) SetBridgeState(state int) {
	if m == nil {
		return
	}
	m.bridgeState.Set(float64(state))
}

// ObserveEvent 记录事件输出
func (m *Metrics) ObserveEvent(eventType string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventsPublished.WithLabelValues(eventType, result).Inc()
}

// SetCustody 记录托管总量与胶囊数量
func (m *Metrics) SetCustody(locked float64, count uint64) {
	if m == nil {
		return
	}
	m.lockedValue.Set(locked)
	m.capsules.Set(float64(count))
}
