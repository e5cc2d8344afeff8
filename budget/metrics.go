package budget

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	descQuota = iota
	descAllocated
	descUsage
)

var (
	descriptors = []*prometheus.Desc{
		descQuota: prometheus.NewDesc(
			"confluence_budget_quota_bytes",
			"Quota of a memory budget category.",
			[]string{
				"category",
			},
			nil,
		),
		descAllocated: prometheus.NewDesc(
			"confluence_budget_allocated_bytes",
			"Bytes currently charged to a memory budget category.",
			[]string{
				"category",
			},
			nil,
		),
		descUsage: prometheus.NewDesc(
			"confluence_budget_usage_percent",
			"Percentage of a memory budget category's quota in use.",
			[]string{
				"category",
			},
			nil,
		),
	}
)

type collector struct {
	ledger *Ledger
}

// Collector returns a prometheus.Collector exporting the quota, allocated bytes and usage of
// every category
func (l *Ledger) Collector() prometheus.Collector {
	return &collector{ledger: l}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, usage := range c.ledger.Report() {
		name := usage.Category.String()
		ch <- prometheus.MustNewConstMetric(
			descriptors[descQuota],
			prometheus.GaugeValue,
			float64(usage.Quota),
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descAllocated],
			prometheus.GaugeValue,
			float64(usage.Allocated),
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descUsage],
			prometheus.GaugeValue,
			usage.Percent,
			name,
		)
	}
}
