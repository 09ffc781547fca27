// Package metrics collects Prometheus metrics for the check-in pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the service's Prometheus instruments.
type Collector struct {
	outcomes        *prometheus.CounterVec
	routerDevices   prometheus.Counter
	validateLatency prometheus.Histogram
}

// NewCollector registers the instruments on the given registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartroll_checkin_outcomes_total",
			Help: "Check-in validations by outcome.",
		}, []string{"outcome"}),
		routerDevices: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartroll_router_devices_ingested_total",
			Help: "Devices seen in router presence pushes.",
		}),
		validateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartroll_validate_latency_seconds",
			Help:    "Latency of check-in validation.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(c.outcomes, c.routerDevices, c.validateLatency)
	return c
}

// RecordOutcome counts one validation result, including "invalid_argument"
// and "fault" for the non-outcome cases.
func (c *Collector) RecordOutcome(outcome string) {
	c.outcomes.WithLabelValues(outcome).Inc()
}

// RecordRouterDevices counts devices from one router push.
func (c *Collector) RecordRouterDevices(n int) {
	c.routerDevices.Add(float64(n))
}

// ObserveValidateLatency records how long one validation took.
func (c *Collector) ObserveValidateLatency(d time.Duration) {
	c.validateLatency.Observe(d.Seconds())
}
