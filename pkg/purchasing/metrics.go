package purchasing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nemonet1337/shopquoter/pkg/inventory"
)

// Metrics holds the purchasing collectors. A nil *Metrics records nothing.
// 発注パッケージのメトリクス
type Metrics struct {
	transitions    *prometheus.CounterVec
	receipts       prometheus.Counter
	overages       prometheus.Counter
	failures       *prometheus.CounterVec
	receiveSeconds prometheus.Histogram
}

// NewMetrics registers the purchasing collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopquoter",
			Subsystem: "purchasing",
			Name:      "status_transitions_total",
			Help:      "Purchase order status transitions.",
		}, []string{"from", "to"}),
		receipts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shopquoter",
			Subsystem: "purchasing",
			Name:      "receipts_total",
			Help:      "Receive calls that applied at least one line.",
		}),
		overages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shopquoter",
			Subsystem: "purchasing",
			Name:      "overages_total",
			Help:      "Lines received beyond the ordered quantity with overage accepted.",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopquoter",
			Subsystem: "purchasing",
			Name:      "failures_total",
			Help:      "Failed purchasing operations, by operation and error kind.",
		}, []string{"operation", "kind"}),
		receiveSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shopquoter",
			Subsystem: "purchasing",
			Name:      "receive_duration_seconds",
			Help:      "Duration of receive calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) transitioned(from, to Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) received(seconds float64, overages int) {
	if m == nil {
		return
	}
	m.receipts.Inc()
	m.overages.Add(float64(overages))
	m.receiveSeconds.Observe(seconds)
}

func (m *Metrics) failed(operation string, err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(operation, string(inventory.KindOf(err))).Inc()
}
