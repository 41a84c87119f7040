package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry        *prometheus.Registry
	summariesTotal  *prometheus.CounterVec
	executionsTotal *prometheus.CounterVec
	satsDelivered   prometheus.Counter
}

// newMetricsRegistry reports as pending the count returned by pendingCount
// at each scrape.
func newMetricsRegistry(pendingCount func() float64) *metricsRegistry {
	summaries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nutmelt_summaries_total",
		Help: "Total number of melt summaries requested",
	}, []string{"status"})

	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nutmelt_executions_total",
		Help: "Total number of melt summaries executed",
	}, []string{"status"})

	delivered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nutmelt_sats_delivered_total",
		Help: "Sats paid out by mints in executed melts",
	})

	pending := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "nutmelt_pending_summaries",
		Help: "Number of melt summaries waiting for confirmation",
	}, pendingCount)

	r := prometheus.NewRegistry()
	r.MustRegister(summaries, executions, delivered, pending)

	return &metricsRegistry{
		registry:        r,
		summariesTotal:  summaries,
		executionsTotal: executions,
		satsDelivered:   delivered,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incSummary(status string) {
	m.summariesTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incExecution(status string) {
	m.executionsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) addDelivered(amount uint64) {
	m.satsDelivered.Add(float64(amount))
}
