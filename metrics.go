package netreactor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "netreactor"

// StatsCollector exports the counters of a set of servers. Collect only
// reads atomics, so scrapes never touch the loops.
type StatsCollector struct {
	servers []*Server

	active    *prometheus.Desc
	maxActive *prometheus.Desc
	total     *prometheus.Desc
}

func NewStatsCollector(servers ...*Server) *StatsCollector {
	labels := []string{"server"}
	return &StatsCollector{
		servers:   servers,
		active:    prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "server", "active_connections"), "Connections currently registered.", labels, nil),
		maxActive: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "server", "max_active_connections"), "Highest number of connections registered at once.", labels, nil),
		total:     prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "server", "connections_total"), "Connections accepted since start.", labels, nil),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.maxActive
	ch <- c.total
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, server := range c.servers {
		stats := server.Stats()
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(stats.ActiveConnections), stats.Name)
		ch <- prometheus.MustNewConstMetric(c.maxActive, prometheus.GaugeValue, float64(stats.MaxActiveConnections), stats.Name)
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(stats.TotalConnections), stats.Name)
	}
}
