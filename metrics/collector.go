// Package metrics exports the pool and exchange statistics of a conduit
// factory to prometheus.
package metrics

import (
	"net/http"

	"github.com/haxii/fastconduit/conduit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fastconduit"

// StatsSource provides the statistics of every live client,
// *conduit.Factory implements it
type StatsSource interface {
	Stats() []conduit.PolicyStats
}

// PoolCollector collects the statistics of a StatsSource on every scrape
type PoolCollector struct {
	source StatsSource

	connections *prometheus.Desc
	max         *prometheus.Desc
	exchanges   *prometheus.Desc
}

// NewPoolCollector makes a collector of source
func NewPoolCollector(source StatsSource) *PoolCollector {
	return &PoolCollector{
		source: source,
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "connections"),
			"Connections of the pool of a client policy by state.",
			[]string{"policy", "state"}, nil),
		max: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "max"),
			"Maximum number of connections of the pool of a client policy.",
			[]string{"policy"}, nil),
		exchanges: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "exchanges_total"),
			"Exchanges a client policy finished by result.",
			[]string{"policy", "result"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.max
	ch <- c.exchanges
}

// Collect implements prometheus.Collector
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.source.Stats() {
		pool := st.Pool
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(pool.Leased), st.Policy, "leased")
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(pool.Available), st.Policy, "available")
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(pool.Pending), st.Policy, "pending")
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(pool.Max), st.Policy)

		ex := st.Exchanges
		ch <- prometheus.MustNewConstMetric(c.exchanges, prometheus.CounterValue, float64(ex.Completed), st.Policy, "completed")
		ch <- prometheus.MustNewConstMetric(c.exchanges, prometheus.CounterValue, float64(ex.Failed), st.Policy, "failed")
		ch <- prometheus.MustNewConstMetric(c.exchanges, prometheus.CounterValue, float64(ex.Cancelled), st.Policy, "cancelled")
	}
}

// Handler serves the metrics of source on a registry of its own
func Handler(source StatsSource) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewPoolCollector(source)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
