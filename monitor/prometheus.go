package monitor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports operation latency and counts.
type PrometheusCollector struct {
	opLatency *prometheus.HistogramVec
	opTotal   *prometheus.CounterVec
}

// NewPrometheusCollector registers the vectord metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vectord_operation_duration_seconds",
			Help:    "Latency of vector data access operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		opTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vectord_operations_total",
			Help: "Total vector data access operations",
		}, []string{"op", "status"}),
	}

	for _, col := range []prometheus.Collector{c.opLatency, c.opTotal} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return c, nil
}

func (c *PrometheusCollector) Record(sample OpSample) {
	c.opLatency.WithLabelValues(sample.Op, sample.Status).Observe(sample.Duration.Seconds())
	c.opTotal.WithLabelValues(sample.Op, sample.Status).Inc()
}
