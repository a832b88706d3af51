package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/isometry/ad-sso-gateway/internal/ldap"
)

// PoolCollector exports the connection pool statistics of a directory
// client at scrape time.
type PoolCollector struct {
	stats func() ldap.ClientStats

	max      *prometheus.Desc
	open     *prometheus.Desc
	active   *prometheus.Desc
	idle     *prometheus.Desc
	created  *prometheus.Desc
	errors   *prometheus.Desc
	waits    *prometheus.Desc
	timeouts *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector creates a collector reading stats on every scrape.
func NewPoolCollector(stats func() ldap.ClientStats) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, []string{"pool"}, nil)
	}
	return &PoolCollector{
		stats:    stats,
		max:      desc("max_connections", "Configured maximum number of connections"),
		open:     desc("open_connections", "Open connections, active and idle"),
		active:   desc("active_connections", "Connections lent to an operation"),
		idle:     desc("idle_connections", "Connections waiting in the pool"),
		created:  desc("connections_created_total", "Connections dialed since start"),
		errors:   desc("connection_errors_total", "Failed dial or bind attempts"),
		waits:    desc("waits_total", "Acquisitions that waited for a free slot"),
		timeouts: desc("timeouts_total", "Acquisitions that gave up waiting"),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.max, c.open, c.active, c.idle, c.created, c.errors, c.waits, c.timeouts} {
		ch <- d
	}
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for _, p := range []ldap.PoolStats{s.Service, s.Bind} {
		if p.Name == "" {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(p.Max), p.Name)
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(p.Total), p.Name)
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(p.Active), p.Name)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(p.Idle), p.Name)
		ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(p.Created), p.Name)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(p.Errors), p.Name)
		ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(p.Waits), p.Name)
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(p.Timeouts), p.Name)
	}
}
