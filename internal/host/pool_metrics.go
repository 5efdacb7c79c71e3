package host

import "github.com/prometheus/client_golang/prometheus"

// PoolCollector exports a Pool's counters.
type PoolCollector struct {
	pool *Pool

	size, active              *prometheus.Desc
	completed, failed, panics *prometheus.Desc
}

// NewPoolCollector describes pool under namespace, e.g. hitl_resume_pool_active.
func NewPoolCollector(pool *Pool, namespace string) *PoolCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "resume_pool", n) }
	return &PoolCollector{
		pool:      pool,
		size:      prometheus.NewDesc(name("size"), "Maximum concurrent resume jobs.", nil, nil),
		active:    prometheus.NewDesc(name("active"), "Resume jobs currently running.", nil, nil),
		completed: prometheus.NewDesc(name("completed_total"), "Resume jobs finished without error.", nil, nil),
		failed:    prometheus.NewDesc(name("failed_total"), "Resume jobs that returned an error.", nil, nil),
		panics:    prometheus.NewDesc(name("panics_total"), "Resume jobs that panicked.", nil, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.active
	ch <- c.completed
	ch <- c.failed
	ch <- c.panics
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	m := c.pool.Metrics()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(c.pool.Size()))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(m.Active))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(m.Completed))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(m.Failed))
	ch <- prometheus.MustNewConstMetric(c.panics, prometheus.CounterValue, float64(m.Panics))
}

var _ prometheus.Collector = (*PoolCollector)(nil)
