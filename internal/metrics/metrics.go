package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	Operations       *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	LedgerCredits    *prometheus.CounterVec
	Dispatches       *prometheus.CounterVec
	PushRequests     *prometheus.CounterVec
	PushLatency      *prometheus.HistogramVec
	FeedEvents       *prometheus.CounterVec
	FeedReconnects   prometheus.Counter
	AlertClients     prometheus.Gauge
	Errors           *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = build(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered returns a fresh set of collectors that is not attached to the default registerer.
// Tests use it to read counters without interference from other packages.
func NewUnregistered() *Metrics {
	return build("test")
}

func build(namespace string) *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_operations_total",
			Help:      "Approve/reject operations by outcome.",
		}, []string{"operation", "outcome"}),
		OperationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_operation_duration_seconds",
			Help:      "Latency distribution for approve/reject operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		LedgerCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_total",
			Help:      "Balance credits by result (applied, replayed, failed).",
		}, []string{"result"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_dispatches_total",
			Help:      "Notification dispatch attempts by channel and result.",
		}, []string{"channel", "result"}),
		PushRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_gateway_requests_total",
			Help:      "Push gateway requests by gateway and status.",
		}, []string{"gateway", "status"}),
		PushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_gateway_request_duration_seconds",
			Help:      "Latency distribution for push gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"gateway", "status"}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Payment request creation events seen by the ingestion feed.",
		}, []string{"result"}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "Ingestion feed resubscriptions after a disconnect.",
		}),
		AlertClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_stream_clients",
			Help:      "Operator websocket clients currently attached to the alert stream.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Operations,
		m.OperationLatency,
		m.LedgerCredits,
		m.Dispatches,
		m.PushRequests,
		m.PushLatency,
		m.FeedEvents,
		m.FeedReconnects,
		m.AlertClients,
		m.Errors,
	}
}
