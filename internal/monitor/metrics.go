package monitor

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"signal-core/internal/gateway"
)

// Metrics holds the service's prometheus collectors. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	signals        *prometheus.CounterVec
	ordersSubmit   *prometheus.CounterVec
	brokerErrors   *prometheus.CounterVec
	riskEvents     *prometheus.CounterVec
	mismatches     prometheus.Counter
	slippageBps    prometheus.Histogram
	signalToSubmit prometheus.Histogram
	submitToFill   prometheus.Histogram
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	brokerClients  prometheus.Gauge
	brokerOpen     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	latencyBuckets := []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	m := &Metrics{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_core_signals_total", Help: "Signals processed, by outcome",
		}, []string{"outcome"}),
		ordersSubmit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_core_orders_submitted_total", Help: "Orders handed to the broker, by leg",
		}, []string{"leg"}),
		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_core_broker_errors_total", Help: "Failed broker calls, by operation",
		}, []string{"op"}),
		riskEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_core_risk_events_total", Help: "Risk events recorded, by type",
		}, []string{"type"}),
		mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_core_position_mismatches_total", Help: "Tracked side disagreed with the broker",
		}),
		slippageBps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signal_core_slippage_bps",
			Help:    "Adverse slippage of filled orders in basis points (negative is price improvement)",
			Buckets: []float64{-50, -10, -5, -1, 0, 1, 5, 10, 25, 50, 100},
		}),
		signalToSubmit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "signal_core_signal_to_submit_seconds", Help: "Signal arrival to broker acceptance", Buckets: latencyBuckets,
		}),
		submitToFill: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "signal_core_submit_to_fill_seconds", Help: "Broker acceptance to fill", Buckets: latencyBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_core_http_requests_total", Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "signal_core_http_request_seconds", Help: "HTTP request latency", Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		brokerClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_core_broker_clients", Help: "Pooled broker clients",
		}),
		brokerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_core_broker_circuits_open", Help: "Pooled broker clients with an open circuit",
		}),
	}
	reg.MustRegister(
		m.signals, m.ordersSubmit, m.brokerErrors, m.riskEvents, m.mismatches,
		m.slippageBps, m.signalToSubmit, m.submitToFill,
		m.httpRequests, m.httpLatency, m.brokerClients, m.brokerOpen,
	)
	return m
}

func (m *Metrics) Signal(outcome string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OrderSubmitted(leg string) {
	if m == nil {
		return
	}
	m.ordersSubmit.WithLabelValues(leg).Inc()
}

func (m *Metrics) BrokerError(op string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RiskEvent(eventType string) {
	if m == nil {
		return
	}
	m.riskEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) PositionMismatch() {
	if m == nil {
		return
	}
	m.mismatches.Inc()
}

// Fill records execution quality of one filled order.
func (m *Metrics) Fill(adverseBps float64, signalToSubmit, submitToFill time.Duration) {
	if m == nil {
		return
	}
	m.slippageBps.Observe(adverseBps)
	m.signalToSubmit.Observe(signalToSubmit.Seconds())
	m.submitToFill.Observe(submitToFill.Seconds())
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// SetGatewayStats copies the broker pool statistics into gauges.
func (m *Metrics) SetGatewayStats(stats gateway.PoolStats) {
	if m == nil {
		return
	}
	m.brokerClients.Set(float64(stats.Total))
	m.brokerOpen.Set(float64(stats.UnhealthyCount))
}

// Snapshot is the JSON view served by /api/system.
type Snapshot struct {
	GatewayPool    gateway.PoolStats `json:"gateway_pool"`
	EventsDropped  uint64            `json:"events_dropped"`
	GoroutineCount int               `json:"goroutine_count"`
	HeapAlloc      uint64            `json:"heap_alloc_bytes"`
	HeapSys        uint64            `json:"heap_sys_bytes"`
	Timestamp      time.Time         `json:"timestamp"`
}

// TakeSnapshot returns a point-in-time view of process health.
func TakeSnapshot(pool gateway.PoolStats, eventsDropped uint64) Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		GatewayPool:    pool,
		EventsDropped:  eventsDropped,
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      mem.HeapAlloc,
		HeapSys:        mem.HeapSys,
		Timestamp:      time.Now().UTC(),
	}
}
