package core

// metrics.go exposes the indexer's health as Prometheus collectors: blocks
// committed, gas consumed, transactions executed by outcome, and reorg
// depth. The engine and reorg watchdog take an optional *Metrics so unit
// tests and one-off CLI invocations can run without a registry at all.

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the indexer's Prometheus collector set, registered on its own
// registry rather than the global default so multiple engines (as in tests)
// never collide on metric names.
type Metrics struct {
	registry *prometheus.Registry

	blocksIndexed prometheus.Counter
	indexHeight   prometheus.Gauge
	gasUsed       prometheus.Counter
	txExecuted    *prometheus.CounterVec
	reorgsHandled prometheus.Counter
	reorgDepth    prometheus.Histogram
}

// NewMetrics builds a fresh collector set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		blocksIndexed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opnet_blocks_indexed_total",
			Help: "Blocks committed to the state store.",
		}),
		indexHeight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "opnet_index_height",
			Help: "Height of the most recently committed block.",
		}),
		gasUsed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opnet_gas_used_total",
			Help: "Cumulative gas consumed across all executed transactions.",
		}),
		txExecuted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "opnet_transactions_executed_total",
			Help: "Transactions executed, partitioned by outcome.",
		}, []string{"outcome"}),
		reorgsHandled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "opnet_reorgs_handled_total",
			Help: "Chain reorganisations the watchdog has rolled back.",
		}),
		reorgDepth: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "opnet_reorg_depth_blocks",
			Help:    "Depth in blocks of each handled reorganisation.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),
	}
}

// Handler serves this collector set in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeBlock(height uint64, gasUsed uint64) {
	if m == nil {
		return
	}
	m.blocksIndexed.Inc()
	m.indexHeight.Set(float64(height))
	m.gasUsed.Add(float64(gasUsed))
}

func (m *Metrics) observeReceipt(rec *Receipt) {
	if m == nil || rec == nil {
		return
	}
	outcome := "ok"
	switch {
	case rec.Reverted:
		outcome = "reverted"
	case !rec.Status:
		outcome = "failed"
	}
	m.txExecuted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeReorg(depth uint64) {
	if m == nil {
		return
	}
	m.reorgsHandled.Inc()
	m.reorgDepth.Observe(float64(depth))
}
