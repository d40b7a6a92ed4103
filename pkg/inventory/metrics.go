package inventory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of the inventory package.
// A nil *Metrics is valid and records nothing.
// 在庫パッケージのメトリクス
type Metrics struct {
	movementsAppended *prometheus.CounterVec
	appendFailures    *prometheus.CounterVec
	overAllocations   prometheus.Counter
	reorderSignals    prometheus.Counter
	projectorCache    *prometheus.CounterVec
	lockWait          *prometheus.HistogramVec
}

// NewMetrics registers the inventory collectors on reg
// メトリクスを登録
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		movementsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopquoter",
			Subsystem: "ledger",
			Name:      "movements_appended_total",
			Help:      "Stock movements committed to the ledger, by movement type.",
		}, []string{"type"}),
		appendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopquoter",
			Subsystem: "ledger",
			Name:      "append_failures_total",
			Help:      "Rejected or failed ledger appends, by error kind.",
		}, []string{"kind"}),
		overAllocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shopquoter",
			Subsystem: "ledger",
			Name:      "over_allocations_total",
			Help:      "Allocations that left available stock negative.",
		}),
		reorderSignals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "shopquoter",
			Subsystem: "reorder",
			Name:      "signals_total",
			Help:      "Reorder signals emitted by the evaluator.",
		}),
		projectorCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopquoter",
			Subsystem: "projector",
			Name:      "cache_lookups_total",
			Help:      "Snapshot cache lookups, by result.",
		}, []string{"result"}),
		lockWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shopquoter",
			Subsystem: "ledger",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for per-product locks.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"operation"}),
	}
}

func (m *Metrics) movementAppended(t MovementType) {
	if m == nil {
		return
	}
	m.movementsAppended.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) appendFailed(err error) {
	if m == nil {
		return
	}
	m.appendFailures.WithLabelValues(string(KindOf(err))).Inc()
}

func (m *Metrics) overAllocated() {
	if m == nil {
		return
	}
	m.overAllocations.Inc()
}

func (m *Metrics) reorderSignal() {
	if m == nil {
		return
	}
	m.reorderSignals.Inc()
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.projectorCache.WithLabelValues("hit").Inc()
		return
	}
	m.projectorCache.WithLabelValues("miss").Inc()
}

// ObserveLockWait records how long an operation waited for its locks
func (m *Metrics) ObserveLockWait(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(operation).Observe(seconds)
}
