package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardmaster-go/core/master"
	"github.com/codewandler/shardmaster-go/core/metrics"
)

// masterMetrics implements master.MasterMetrics using Prometheus.
type masterMetrics struct {
	handlersTotal    *prometheus.CounterVec
	callDuration     *prometheus.HistogramVec
	connectionErrors *prometheus.CounterVec
	shardsConnected  prometheus.Gauge
	workerRestarts   prometheus.Counter
	workersDone      prometheus.Counter
	tokenRequests    *prometheus.CounterVec
}

// NewMasterMetrics creates a Prometheus implementation of
// master.MasterMetrics registered on reg.
func NewMasterMetrics(reg prometheus.Registerer) master.MasterMetrics {
	m := &masterMetrics{
		handlersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardmaster_handlers_total",
			Help: "Total number of worker calls dispatched by the master",
		}, []string{"method", "success"}),

		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardmaster_call_duration_seconds",
			Help:    "Latency of master-issued calls to workers in seconds",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardmaster_connection_errors_total",
			Help: "Total number of per-connection failures",
		}, []string{"error_type"}),

		shardsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardmaster_shards_connected",
			Help: "Number of shards with a live authenticated connection",
		}),

		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardmaster_worker_restarts_total",
			Help: "Total number of scheduled worker relaunches",
		}),

		workersDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardmaster_workers_terminated_total",
			Help: "Total number of worker terminations during shutdown",
		}),

		tokenRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardmaster_token_requests_total",
			Help: "Total number of capability token reservations",
		}, []string{"capability", "granted"}),
	}

	reg.MustRegister(
		m.handlersTotal,
		m.callDuration,
		m.connectionErrors,
		m.shardsConnected,
		m.workerRestarts,
		m.workersDone,
		m.tokenRequests,
	)

	return m
}

func (m *masterMetrics) HandlerCompleted(method string, success bool) {
	m.handlersTotal.WithLabelValues(method, boolToStr(success)).Inc()
}

func (m *masterMetrics) CallDuration(method string) metrics.Timer {
	return newTimer(m.callDuration.WithLabelValues(method))
}

func (m *masterMetrics) ConnectionError(errorType string) {
	m.connectionErrors.WithLabelValues(errorType).Inc()
}

func (m *masterMetrics) ShardsConnected(count int) {
	m.shardsConnected.Set(float64(count))
}

func (m *masterMetrics) WorkerRestart() {
	m.workerRestarts.Inc()
}

func (m *masterMetrics) WorkerTerminated() {
	m.workersDone.Inc()
}

func (m *masterMetrics) TokenRequest(capability string, granted bool) {
	m.tokenRequests.WithLabelValues(capability, boolToStr(granted)).Inc()
}

var _ master.MasterMetrics = (*masterMetrics)(nil)
