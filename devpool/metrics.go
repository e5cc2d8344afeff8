package devpool

import "github.com/prometheus/client_golang/prometheus"

const (
	descRequests = iota
	descPooled
	descInUse
	descEvictions
)

var (
	descriptors = []*prometheus.Desc{
		descRequests: prometheus.NewDesc(
			"confluence_devpool_requests_total",
			"Buffer requests served by the device buffer pool, by outcome.",
			[]string{
				"outcome",
			},
			nil,
		),
		descPooled: prometheus.NewDesc(
			"confluence_devpool_pooled_buffers",
			"Buffers tracked by the device buffer pool.",
			nil,
			nil,
		),
		descInUse: prometheus.NewDesc(
			"confluence_devpool_in_use_buffers",
			"Tracked buffers currently lent out.",
			nil,
			nil,
		),
		descEvictions: prometheus.NewDesc(
			"confluence_devpool_evictions_total",
			"Buffers destroyed for being unused longer than the maximum age.",
			nil,
			nil,
		),
	}
)

type collector struct {
	pool *Pool
}

// Collector returns a prometheus.Collector exporting the pool's counters
func (p *Pool) Collector() prometheus.Collector {
	return &collector{pool: p}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.pool.Stats()

	ch <- prometheus.MustNewConstMetric(descriptors[descRequests], prometheus.CounterValue, float64(stats.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(descriptors[descRequests], prometheus.CounterValue, float64(stats.Misses), "miss")
	ch <- prometheus.MustNewConstMetric(descriptors[descRequests], prometheus.CounterValue, float64(stats.Temporaries), "temporary")
	ch <- prometheus.MustNewConstMetric(descriptors[descPooled], prometheus.GaugeValue, float64(stats.Pooled))
	ch <- prometheus.MustNewConstMetric(descriptors[descInUse], prometheus.GaugeValue, float64(stats.InUse))
	ch <- prometheus.MustNewConstMetric(descriptors[descEvictions], prometheus.CounterValue, float64(stats.Evictions))
}
